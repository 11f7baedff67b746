// Package inmem provides an in-memory task store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/lodestar-ai/lodestar/runtime/agent/task"
)

// Store is an in-memory task.Store.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*task.Task

	// FailPuts and FailDeletes force errors for revert-path tests.
	FailPuts    bool
	FailDeletes bool
}

var _ task.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*task.Task)}
}

// Put inserts or replaces the task.
func (s *Store) Put(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts {
		return fmt.Errorf("put %s: forced failure", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get returns the task or task.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return t.Clone(), nil
}

// Delete removes the task. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDeletes {
		return fmt.Errorf("delete %s: forced failure", id)
	}
	delete(s.tasks, id)
	return nil
}

// Len reports the number of stored tasks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// All returns a snapshot of every stored task.
func (s *Store) All() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}
