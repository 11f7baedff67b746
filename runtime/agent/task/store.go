package task

import (
	"context"
	"errors"
)

// ErrNotFound reports an unknown task id.
var ErrNotFound = errors.New("task: not found")

// Store persists tasks. The manager is the only writer; implementations need
// no cross-task transactional guarantees beyond per-call atomicity.
type Store interface {
	// Put inserts or replaces the task.
	Put(ctx context.Context, t *Task) error
	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)
	// Delete removes the task. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}
