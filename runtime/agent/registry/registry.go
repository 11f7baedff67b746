// Package registry tracks which runs are live on which instances.
//
// Every worker registers `(instance, run_id)` under a TTL'd key when it picks
// up a run and refreshes the TTL periodically while the run makes progress.
// A key that expires without being deregistered marks a crashed worker: the
// run's registry entry disappears and broker redelivery takes over.
//
// All operations are idempotent and tolerate partial state: deregistering a
// missing key or refreshing an expired one is not an error.
package registry

import (
	"context"
	"strings"
	"time"
)

// TTL is how long a registration lives without a refresh.
const TTL = 24 * time.Hour

// RefreshInterval is the number of appended response events between TTL
// refreshes issued by the worker.
const RefreshInterval = 50

// Registry is the distributed map of in-flight runs keyed by
// (instance, run_id).
type Registry interface {
	// Register marks the run as live on the instance with the default TTL.
	Register(ctx context.Context, instance, runID string) error

	// Deregister removes the run's registration. Missing keys are not errors.
	Deregister(ctx context.Context, instance, runID string) error

	// ListActive returns the IDs of runs currently registered on the
	// instance.
	ListActive(ctx context.Context, instance string) ([]string, error)

	// FindInstances returns the instances on which the run is registered.
	FindInstances(ctx context.Context, runID string) ([]string, error)

	// RefreshTTL extends the registration's TTL. Refreshing a missing key is
	// a no-op.
	RefreshTTL(ctx context.Context, instance, runID string) error
}

// keyPrefix namespaces all registrations in the shared keyspace.
const keyPrefix = "active_run:"

// Key returns the registry key for a registration. The literal format is
// part of the wire contract and must not change.
func Key(instance, runID string) string {
	return keyPrefix + instance + ":" + runID
}

// ParseKey splits a registry key back into its instance and run ID. The run
// ID never contains a colon, so the split happens at the last separator and
// instance names with colons round-trip. ok is false for foreign keys.
func ParseKey(key string) (instance, runID string, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
