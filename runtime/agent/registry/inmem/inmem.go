// Package inmem provides an in-memory implementation of registry.Registry
// for tests and single-process deployments. Registrations honor the TTL so
// expiry-dependent behavior can be exercised without Redis.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/registry"
)

type (
	// Registry implements registry.Registry in memory.
	Registry struct {
		mu      sync.Mutex
		ttl     time.Duration
		entries map[key]time.Time
		now     func() time.Time
	}

	key struct {
		instance string
		runID    string
	}
)

// New returns an empty in-memory registry with the default TTL.
func New() *Registry {
	return &Registry{
		ttl:     registry.TTL,
		entries: make(map[key]time.Time),
		now:     time.Now,
	}
}

// Register implements registry.Registry.
func (r *Registry) Register(_ context.Context, instance, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key{instance, runID}] = r.now().Add(r.ttl)
	return nil
}

// Deregister implements registry.Registry.
func (r *Registry) Deregister(_ context.Context, instance, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key{instance, runID})
	return nil
}

// ListActive implements registry.Registry.
func (r *Registry) ListActive(_ context.Context, instance string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	var out []string
	for k := range r.entries {
		if k.instance == instance {
			out = append(out, k.runID)
		}
	}
	return out, nil
}

// FindInstances implements registry.Registry.
func (r *Registry) FindInstances(_ context.Context, runID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	var out []string
	for k := range r.entries {
		if k.runID == runID {
			out = append(out, k.instance)
		}
	}
	return out, nil
}

// RefreshTTL implements registry.Registry.
func (r *Registry) RefreshTTL(_ context.Context, instance, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{instance, runID}
	if _, ok := r.entries[k]; !ok {
		return nil
	}
	r.entries[k] = r.now().Add(r.ttl)
	return nil
}

func (r *Registry) expireLocked() {
	now := r.now()
	for k, deadline := range r.entries {
		if deadline.Before(now) {
			delete(r.entries, k)
		}
	}
}
