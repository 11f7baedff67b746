package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/lodestar/runtime/agent/task"
)

type fakeClient struct {
	putTask    func(ctx context.Context, t *task.Task) error
	getTask    func(ctx context.Context, id string) (*task.Task, error)
	deleteTask func(ctx context.Context, id string) error
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) PutTask(ctx context.Context, t *task.Task) error {
	return f.putTask(ctx, t)
}

func (f *fakeClient) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return f.getTask(ctx, id)
}

func (f *fakeClient) DeleteTask(ctx context.Context, id string) error {
	return f.deleteTask(ctx, id)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestPutDelegatesToClient(t *testing.T) {
	want := &task.Task{ID: "task-1", Name: "collect data", Status: task.StatusPending}
	fake := &fakeClient{putTask: func(_ context.Context, got *task.Task) error {
		require.Same(t, want, got)
		return nil
	}}
	store, err := NewStore(Options{Client: fake})
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), want))
}

func TestGetDelegatesToClient(t *testing.T) {
	want := &task.Task{ID: "task-1", Status: task.StatusCompleted}
	fake := &fakeClient{getTask: func(_ context.Context, id string) (*task.Task, error) {
		require.Equal(t, "task-1", id)
		return want, nil
	}}
	store, err := NewStore(Options{Client: fake})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestDeleteDelegatesToClient(t *testing.T) {
	var deleted string
	fake := &fakeClient{deleteTask: func(_ context.Context, id string) error {
		deleted = id
		return nil
	}}
	store, err := NewStore(Options{Client: fake})
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "task-9"))
	assert.Equal(t, "task-9", deleted)
}
