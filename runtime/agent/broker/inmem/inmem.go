// Package inmem provides a channel-backed broker for tests and
// single-process deployments. Failed jobs are redelivered up to a fixed
// number of attempts.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/lodestar-ai/lodestar/runtime/agent/broker"
)

// maxAttempts bounds redelivery so a permanently failing job cannot spin.
const maxAttempts = 3

// Broker is an in-memory broker.Broker.
type Broker struct {
	mu      sync.Mutex
	jobs    chan delivery
	handler broker.Handler
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

type delivery struct {
	job     *broker.Job
	attempt int
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker returns a broker with a small in-process queue.
func NewBroker() *Broker {
	return &Broker{
		jobs: make(chan delivery, 128),
		done: make(chan struct{}),
	}
}

// Enqueue submits the job.
func (b *Broker) Enqueue(ctx context.Context, job *broker.Job) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("broker closed")
	}
	select {
	case b.jobs <- delivery{job: job, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts a single consumer goroutine delivering jobs to handler.
func (b *Broker) Subscribe(ctx context.Context, handler broker.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	b.mu.Lock()
	if b.handler != nil {
		b.mu.Unlock()
		return errors.New("broker already subscribed")
	}
	b.handler = handler
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(ctx, handler)
	return nil
}

func (b *Broker) consume(ctx context.Context, handler broker.Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case d := <-b.jobs:
			if err := handler(ctx, d.job); err != nil && d.attempt < maxAttempts {
				select {
				case b.jobs <- delivery{job: d.job, attempt: d.attempt + 1}:
				default:
				}
			}
		}
	}
}

// Close stops delivery. Pending jobs are dropped.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
