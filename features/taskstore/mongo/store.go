package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/lodestar-ai/lodestar/features/taskstore/mongo/clients/mongo"
	"github.com/lodestar-ai/lodestar/runtime/agent/task"
)

// Options configures the Mongo task store.
type Options struct {
	// Client is the low-level task client. Required.
	Client clientsmongo.Client
}

// Store implements task.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ task.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo builds the low-level client from opts and wraps it in a
// Store.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Put implements task.Store.
func (s *Store) Put(ctx context.Context, t *task.Task) error {
	return s.client.PutTask(ctx, t)
}

// Get implements task.Store.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.client.GetTask(ctx, id)
}

// Delete implements task.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.DeleteTask(ctx, id)
}
