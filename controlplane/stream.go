package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/runlog"
	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
)

// pollInterval is the catch-up net for lost new-event notifications: the
// log is re-read by index this often even when no notification arrived.
const pollInterval = 2 * time.Second

// Stream replays the run's response log and follows it live, calling fn once
// per event in log order. It returns nil after a terminal status event has
// been delivered and the log drained, and early with fn's error or ctx's
// error. Runs whose log has already expired are replayed from the run row's
// materialized snapshot instead.
func (s *Service) Stream(ctx context.Context, runID string, fn func(stream.Event) error) error {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	// Subscribe before the replay so no event falls between replay and
	// follow. Notifications that duplicate replayed events are harmless:
	// the cursor re-reads by index.
	events, err := s.log.SubscribeEvents(ctx, runID)
	if err != nil {
		return fmt.Errorf("subscribe events for run %s: %w", runID, err)
	}
	defer events.Close()
	control, err := s.log.SubscribeControl(ctx, runID, "")
	if err != nil {
		return fmt.Errorf("subscribe control for run %s: %w", runID, err)
	}
	defer control.Close()

	cur := &cursor{s: s, runID: runID, fn: fn}
	if err := cur.catchUp(ctx); err != nil {
		return err
	}
	if cur.next == 0 && r.Status.Terminal() {
		// The log is gone; the run row carries the snapshot.
		return replaySnapshot(r, fn)
	}
	if cur.terminal || r.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events.Messages():
			if !ok {
				return errors.New("event subscription closed")
			}
			if err := cur.catchUp(ctx); err != nil {
				return err
			}
			if cur.terminal {
				return nil
			}
		case msg, ok := <-control.Messages():
			if !ok {
				return errors.New("control subscription closed")
			}
			switch runlog.Signal(msg) {
			case runlog.SignalStop, runlog.SignalEndStream, runlog.SignalError:
				// Terminal events are appended before these signals are
				// published; a final read drains whatever is left.
				return cur.catchUp(ctx)
			}
		case <-ticker.C:
			if err := cur.catchUp(ctx); err != nil {
				return err
			}
			if cur.terminal {
				return nil
			}
		}
	}
}

// cursor tracks delivery progress through one run's log.
type cursor struct {
	s        *Service
	runID    string
	fn       func(stream.Event) error
	next     int64
	terminal bool
}

// catchUp delivers every event appended since the last call.
func (c *cursor) catchUp(ctx context.Context) error {
	evs, err := c.s.log.ReadRange(ctx, c.runID, c.next, -1)
	if err != nil {
		return fmt.Errorf("read log for run %s from %d: %w", c.runID, c.next, err)
	}
	for _, ev := range evs {
		if err := c.fn(ev); err != nil {
			return err
		}
		c.next++
		if _, ok := ev.TerminalStatus(); ok {
			c.terminal = true
		}
	}
	return nil
}

// replaySnapshot streams the run row's persisted responses.
func replaySnapshot(r *run.Run, fn func(stream.Event) error) error {
	for _, raw := range r.Responses {
		ev, err := stream.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("decode snapshot event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}
