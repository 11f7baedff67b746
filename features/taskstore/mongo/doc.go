// Package mongo provides a MongoDB-backed implementation of the task store.
// Build the low-level client via features/taskstore/mongo/clients/mongo and
// pass it to NewStore so task trees survive worker restarts.
package mongo
