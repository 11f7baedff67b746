package controlplane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/runlog"
	"github.com/lodestar-ai/lodestar/runtime/agent/store"
	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
)

// collector accumulates streamed status values.
type collector struct {
	mu   sync.Mutex
	seen []string
	fail error
}

func (c *collector) fn(ev stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	s, _ := ev.Status()
	c.seen = append(c.seen, s)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *collector) values() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.seen))
	copy(out, c.seen)
	return out
}

func (w *world) appendStatus(t *testing.T, runID, status string) {
	t.Helper()
	ctx := context.Background()
	_, err := w.log.Append(ctx, runID, stream.NewStatus(runID, status, ""))
	require.NoError(t, err)
	require.NoError(t, w.log.Notify(ctx, runID))
}

func TestStreamReplayThenLive(t *testing.T) {
	w := newWorld(t, nil)
	threadID := w.seedThread(t)
	ctx := context.Background()
	runID, err := w.svc.Start(ctx, threadID, StartRequest{})
	require.NoError(t, err)

	// Two events land before the subscriber attaches.
	w.appendStatus(t, runID, stream.StatusThreadRunStart)
	w.appendStatus(t, runID, stream.StatusAssistantResponseStart)

	col := &collector{}
	done := make(chan error, 1)
	go func() { done <- w.svc.Stream(ctx, runID, col.fn) }()

	require.Eventually(t, func() bool { return col.count() == 2 },
		time.Second, 5*time.Millisecond, "replay did not arrive")

	w.appendStatus(t, runID, stream.StatusFinish)
	w.appendStatus(t, runID, stream.StatusCompleted)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after terminal event")
	}
	assert.Equal(t, []string{
		stream.StatusThreadRunStart,
		stream.StatusAssistantResponseStart,
		stream.StatusFinish,
		stream.StatusCompleted,
	}, col.values())
}

func TestStreamLateAttachReplaysEverything(t *testing.T) {
	w := newWorld(t, nil)
	threadID := w.seedThread(t)
	ctx := context.Background()
	runID, err := w.svc.Start(ctx, threadID, StartRequest{})
	require.NoError(t, err)

	w.appendStatus(t, runID, stream.StatusThreadRunStart)
	require.NoError(t, w.svc.Stop(ctx, runID, ""))

	col := &collector{}
	require.NoError(t, w.svc.Stream(ctx, runID, col.fn))
	assert.Equal(t, []string{stream.StatusThreadRunStart, stream.StatusStopped}, col.values())
}

func TestStreamExpiredLogFallsBackToSnapshot(t *testing.T) {
	w := newWorld(t, nil)
	threadID := w.seedThread(t)
	ctx := context.Background()
	runID, err := w.svc.Start(ctx, threadID, StartRequest{})
	require.NoError(t, err)

	w.appendStatus(t, runID, stream.StatusThreadRunStart)
	require.NoError(t, w.svc.Stop(ctx, runID, ""))
	require.NoError(t, w.log.Delete(ctx, runID))

	col := &collector{}
	require.NoError(t, w.svc.Stream(ctx, runID, col.fn))
	assert.Equal(t, []string{stream.StatusThreadRunStart, stream.StatusStopped}, col.values(),
		"snapshot replay matches what the log held")
}

func TestStreamUnknownRun(t *testing.T) {
	w := newWorld(t, nil)
	err := w.svc.Stream(context.Background(), "no-such-run", func(stream.Event) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStreamCallbackErrorPropagates(t *testing.T) {
	w := newWorld(t, nil)
	threadID := w.seedThread(t)
	ctx := context.Background()
	runID, err := w.svc.Start(ctx, threadID, StartRequest{})
	require.NoError(t, err)
	w.appendStatus(t, runID, stream.StatusThreadRunStart)

	boom := errors.New("client gone")
	col := &collector{fail: boom}
	err = w.svc.Stream(ctx, runID, col.fn)
	require.ErrorIs(t, err, boom)
}

func TestStreamEndsOnControlSignal(t *testing.T) {
	w := newWorld(t, nil)
	threadID := w.seedThread(t)
	ctx := context.Background()
	runID, err := w.svc.Start(ctx, threadID, StartRequest{})
	require.NoError(t, err)

	col := &collector{}
	done := make(chan error, 1)
	go func() { done <- w.svc.Stream(ctx, runID, col.fn) }()

	// Publish until the streamer, once subscribed, picks the signal up.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-deadline:
			t.Fatal("stream did not end on control signal")
		case <-ticker.C:
			require.NoError(t, w.log.PublishControl(ctx, runID, "", runlog.SignalEndStream))
		}
	}
}

func TestStreamSeesStop(t *testing.T) {
	w := newWorld(t, nil)
	threadID := w.seedThread(t)
	ctx := context.Background()
	runID, err := w.svc.Start(ctx, threadID, StartRequest{})
	require.NoError(t, err)
	w.appendStatus(t, runID, stream.StatusThreadRunStart)

	col := &collector{}
	done := make(chan error, 1)
	go func() { done <- w.svc.Stream(ctx, runID, col.fn) }()
	require.Eventually(t, func() bool { return col.count() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, w.svc.Stop(ctx, runID, ""))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after stop")
	}
	values := col.values()
	require.NotEmpty(t, values)
	assert.Equal(t, stream.StatusStopped, values[len(values)-1],
		"terminal event delivered before the stream closed")
	assert.Equal(t, run.StatusStopped, w.run(t, runID).Status)
}

func TestStreamContextCancel(t *testing.T) {
	w := newWorld(t, nil)
	threadID := w.seedThread(t)
	runID, err := w.svc.Start(context.Background(), threadID, StartRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.svc.Stream(ctx, runID, (&collector{}).fn) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not honor cancellation")
	}
}
