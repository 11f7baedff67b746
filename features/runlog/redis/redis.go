// Package redis implements runlog.Log on Redis.
//
// Events live in a list at `agent_run:{run_id}:responses`; RPUSH gives every
// append a stable zero-based index and LRANGE serves replay by index. Append
// notifications and control signals ride plain pub/sub channels, which are
// lossy under backpressure: subscribers treat a notification as a hint to
// re-read the list, never as the event itself.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lodestar-ai/lodestar/runtime/agent/runlog"
	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
)

// subscriberBuffer bounds each subscription's delivery channel. Overflow
// blocks the pump goroutine, not the Redis connection.
const subscriberBuffer = 64

type (
	// Options configures the Redis run log.
	Options struct {
		// Redis is the client used for all operations. Required.
		Redis *goredis.Client
	}

	// Log implements runlog.Log on Redis lists and pub/sub channels.
	Log struct {
		rdb *goredis.Client
	}

	subscription struct {
		pubsub *goredis.PubSub
		msgs   chan string
		done   chan struct{}
		once   sync.Once
	}
)

var _ runlog.Log = (*Log)(nil)

// New returns a Redis-backed run log.
func New(opts Options) (*Log, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Log{rdb: opts.Redis}, nil
}

// Append implements runlog.Log.
func (l *Log) Append(ctx context.Context, runID string, event stream.Event) (int64, error) {
	data, err := event.Marshal()
	if err != nil {
		return 0, err
	}
	length, err := l.rdb.RPush(ctx, runlog.ResponsesKey(runID), data).Result()
	if err != nil {
		return 0, fmt.Errorf("append event for run %s: %w", runID, err)
	}
	return length - 1, nil
}

// ReadRange implements runlog.Log. Corrupt entries abort the read: replay
// cursors are positional and silently skipping an element would desync every
// subscriber past it.
func (l *Log) ReadRange(ctx context.Context, runID string, from, to int64) ([]stream.Event, error) {
	if from < 0 {
		from = 0
	}
	if to < 0 {
		to = -1
	}
	raw, err := l.rdb.LRange(ctx, runlog.ResponsesKey(runID), from, to).Result()
	if err != nil {
		return nil, fmt.Errorf("read events for run %s: %w", runID, err)
	}
	events := make([]stream.Event, 0, len(raw))
	for i, data := range raw {
		event, err := stream.Unmarshal([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("event %d of run %s: %w", from+int64(i), runID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Length implements runlog.Log.
func (l *Log) Length(ctx context.Context, runID string) (int64, error) {
	n, err := l.rdb.LLen(ctx, runlog.ResponsesKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("length of run %s: %w", runID, err)
	}
	return n, nil
}

// Notify implements runlog.Log.
func (l *Log) Notify(ctx context.Context, runID string) error {
	if err := l.rdb.Publish(ctx, runlog.NewResponseChannel(runID), runlog.NotifyToken).Err(); err != nil {
		return fmt.Errorf("notify run %s: %w", runID, err)
	}
	return nil
}

// SubscribeEvents implements runlog.Log.
func (l *Log) SubscribeEvents(ctx context.Context, runID string) (runlog.Subscription, error) {
	return l.subscribe(ctx, runlog.NewResponseChannel(runID))
}

// SubscribeControl implements runlog.Log.
func (l *Log) SubscribeControl(ctx context.Context, runID, instance string) (runlog.Subscription, error) {
	channels := []string{runlog.ControlChannel(runID)}
	if instance != "" {
		channels = append(channels, runlog.InstanceControlChannel(runID, instance))
	}
	return l.subscribe(ctx, channels...)
}

// PublishControl implements runlog.Log.
func (l *Log) PublishControl(ctx context.Context, runID, instance string, signal runlog.Signal) error {
	if err := l.rdb.Publish(ctx, runlog.ControlChannel(runID), string(signal)).Err(); err != nil {
		return fmt.Errorf("publish %s for run %s: %w", signal, runID, err)
	}
	if instance == "" {
		return nil
	}
	if err := l.rdb.Publish(ctx, runlog.InstanceControlChannel(runID, instance), string(signal)).Err(); err != nil {
		return fmt.Errorf("publish %s for run %s on %s: %w", signal, runID, instance, err)
	}
	return nil
}

// SetRetention implements runlog.Log. EXPIRE on a missing key is a no-op.
func (l *Log) SetRetention(ctx context.Context, runID string, ttl time.Duration) error {
	if err := l.rdb.Expire(ctx, runlog.ResponsesKey(runID), ttl).Err(); err != nil {
		return fmt.Errorf("set retention for run %s: %w", runID, err)
	}
	return nil
}

// Delete implements runlog.Log.
func (l *Log) Delete(ctx context.Context, runID string) error {
	if err := l.rdb.Del(ctx, runlog.ResponsesKey(runID)).Err(); err != nil {
		return fmt.Errorf("delete log of run %s: %w", runID, err)
	}
	return nil
}

// subscribe opens a pub/sub subscription and waits for the server's
// confirmation so no message published after subscribe returns is missed.
func (l *Log) subscribe(ctx context.Context, channels ...string) (*subscription, error) {
	pubsub := l.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", strings.Join(channels, ", "), err)
	}
	s := &subscription{
		pubsub: pubsub,
		msgs:   make(chan string, subscriberBuffer),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *subscription) pump() {
	defer close(s.msgs)
	for msg := range s.pubsub.Channel() {
		select {
		case s.msgs <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

// Messages implements runlog.Subscription.
func (s *subscription) Messages() <-chan string { return s.msgs }

// Close implements runlog.Subscription.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
