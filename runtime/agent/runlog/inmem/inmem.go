// Package inmem provides an in-memory implementation of runlog.Log.
//
// The in-memory log is intended for tests and single-process deployments. It
// mirrors the semantics of the Redis-backed log, including lossy pub/sub:
// notifications to slow subscribers are dropped rather than blocking the
// appender, so consumers must re-read by index exactly as they would against
// Redis.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/runlog"
	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
)

// subscriberBuffer bounds each subscription channel. Overflow drops the
// notification, matching Redis pub/sub under backpressure.
const subscriberBuffer = 64

type (
	// Log implements runlog.Log in memory.
	Log struct {
		mu     sync.Mutex
		events map[string][]stream.Event
		// subscribers keyed by channel name.
		subs map[string]map[*subscription]struct{}
	}

	subscription struct {
		log      *Log
		channels []string
		msgs     chan string
		once     sync.Once
	}
)

// New returns an empty in-memory run log.
func New() *Log {
	return &Log{
		events: make(map[string][]stream.Event),
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Append implements runlog.Log.
func (l *Log) Append(_ context.Context, runID string, event stream.Event) (int64, error) {
	if runID == "" {
		return 0, fmt.Errorf("run_id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[runID] = append(l.events[runID], event)
	return int64(len(l.events[runID]) - 1), nil
}

// ReadRange implements runlog.Log.
func (l *Log) ReadRange(_ context.Context, runID string, from, to int64) ([]stream.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.events[runID]
	n := int64(len(all))
	if to < 0 || to >= n {
		to = n - 1
	}
	if from < 0 {
		from = 0
	}
	if from > to {
		return nil, nil
	}
	out := make([]stream.Event, to-from+1)
	copy(out, all[from:to+1])
	return out, nil
}

// Length implements runlog.Log.
func (l *Log) Length(_ context.Context, runID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.events[runID])), nil
}

// Notify implements runlog.Log.
func (l *Log) Notify(_ context.Context, runID string) error {
	l.publish(runlog.NewResponseChannel(runID), runlog.NotifyToken)
	return nil
}

// SubscribeEvents implements runlog.Log.
func (l *Log) SubscribeEvents(_ context.Context, runID string) (runlog.Subscription, error) {
	return l.subscribe(runlog.NewResponseChannel(runID)), nil
}

// SubscribeControl implements runlog.Log.
func (l *Log) SubscribeControl(_ context.Context, runID, instance string) (runlog.Subscription, error) {
	channels := []string{runlog.ControlChannel(runID)}
	if instance != "" {
		channels = append(channels, runlog.InstanceControlChannel(runID, instance))
	}
	return l.subscribe(channels...), nil
}

// PublishControl implements runlog.Log.
func (l *Log) PublishControl(_ context.Context, runID, instance string, signal runlog.Signal) error {
	l.publish(runlog.ControlChannel(runID), string(signal))
	if instance != "" {
		l.publish(runlog.InstanceControlChannel(runID, instance), string(signal))
	}
	return nil
}

// SetRetention implements runlog.Log. The in-memory log keeps events until
// Delete; retention is accepted and ignored.
func (l *Log) SetRetention(context.Context, string, time.Duration) error {
	return nil
}

// Delete implements runlog.Log.
func (l *Log) Delete(_ context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, runID)
	return nil
}

func (l *Log) subscribe(channels ...string) *subscription {
	sub := &subscription{
		log:      l,
		channels: channels,
		msgs:     make(chan string, subscriberBuffer),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range channels {
		if l.subs[ch] == nil {
			l.subs[ch] = make(map[*subscription]struct{})
		}
		l.subs[ch][sub] = struct{}{}
	}
	return sub
}

func (l *Log) publish(channel, payload string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs[channel] {
		select {
		case sub.msgs <- payload:
		default:
			// Slow subscriber: drop, it re-reads by index.
		}
	}
}

// Messages implements runlog.Subscription.
func (s *subscription) Messages() <-chan string { return s.msgs }

// Close implements runlog.Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.log.mu.Lock()
		defer s.log.mu.Unlock()
		for _, ch := range s.channels {
			delete(s.log.subs[ch], s)
		}
		close(s.msgs)
	})
	return nil
}
