// Package pulse implements the job broker on goa.design/pulse streams. All
// control-plane instances publish into one stream and the workers join one
// consumer group on it, so each job lands on exactly one worker at a time.
// Jobs are acked only after the handler returns nil; handler errors and
// worker crashes surface as redeliveries once the ack grace period lapses.
package pulse

import (
	"context"
	"errors"
	"sync"

	"goa.design/pulse/streaming"
	"goa.design/pulse/streaming/options"

	clientspulse "github.com/lodestar-ai/lodestar/features/broker/pulse/clients/pulse"
	"github.com/lodestar-ai/lodestar/runtime/agent/broker"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
)

const (
	// defaultStreamName is the Pulse stream carrying run jobs.
	defaultStreamName = "lodestar_runs"
	// defaultSinkName is the worker consumer group.
	defaultSinkName = "lodestar_workers"
	// jobEvent names run dispatch entries on the stream.
	jobEvent = "run_job"
)

type (
	// Options configures the broker.
	Options struct {
		// Client is the Pulse client used to publish and consume jobs.
		// Required.
		Client clientspulse.Client
		// StreamName overrides the dispatch stream name.
		StreamName string
		// SinkName overrides the worker consumer group name.
		SinkName string
		// Concurrency caps how many jobs this worker executes at once.
		// Zero runs jobs one at a time.
		Concurrency int
		// Logger receives delivery diagnostics.
		Logger telemetry.Logger
	}

	// Broker is a pulse-backed broker.Broker.
	Broker struct {
		client   clientspulse.Client
		stream   clientspulse.Stream
		sinkName string
		sem      chan struct{}
		logger   telemetry.Logger

		mu         sync.Mutex
		sink       clientspulse.Sink
		done       chan struct{}
		wg         sync.WaitGroup
		closed     bool
		subscribed bool
	}
)

var _ broker.Broker = (*Broker)(nil)

// New constructs the broker and opens its dispatch stream.
func New(opts Options) (*Broker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamName := opts.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = defaultSinkName
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	stream, err := opts.Client.Stream(streamName)
	if err != nil {
		return nil, err
	}
	return &Broker{
		client:   opts.Client,
		stream:   stream,
		sinkName: sinkName,
		sem:      make(chan struct{}, concurrency),
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Enqueue publishes the job to the dispatch stream.
func (b *Broker) Enqueue(ctx context.Context, job *broker.Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("broker closed")
	}
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	id, err := b.stream.Add(ctx, jobEvent, payload)
	if err != nil {
		return err
	}
	b.logger.Debug(ctx, "job enqueued", "run_id", job.RunID, "event_id", id)
	return nil
}

// Subscribe joins the worker consumer group and starts delivering jobs to
// handler on a broker-owned goroutine.
func (b *Broker) Subscribe(ctx context.Context, handler broker.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker closed")
	}
	if b.subscribed {
		return errors.New("broker already subscribed")
	}
	// Jobs can be enqueued before any worker joins the group, so the sink
	// starts at the oldest entry to pick up that backlog.
	sink, err := b.stream.NewSink(ctx, b.sinkName, options.WithSinkStartAtOldest())
	if err != nil {
		return err
	}
	b.sink = sink
	b.subscribed = true
	b.wg.Add(1)
	go b.consume(ctx, sink, handler)
	return nil
}

// consume fans deliveries out to handler goroutines, at most Concurrency of
// them at once. Each goroutine acks its own event, so at-least-once delivery
// survives the fan-out.
func (b *Broker) consume(ctx context.Context, sink clientspulse.Sink, handler broker.Handler) {
	defer b.wg.Done()
	ch := sink.Subscribe()
	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			select {
			case b.sem <- struct{}{}:
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer func() { <-b.sem }()
				b.deliver(ctx, sink, handler, ev)
			}()
		}
	}
}

// deliver decodes and runs one job. Malformed entries are acked and dropped
// since redelivering them can never succeed; handler errors leave the entry
// pending so the group redelivers it.
func (b *Broker) deliver(ctx context.Context, sink clientspulse.Sink, handler broker.Handler, ev *streaming.Event) {
	if ev.EventName != jobEvent {
		b.logger.Debug(ctx, "skipping foreign event", "event_id", ev.ID, "event", ev.EventName)
		if err := sink.Ack(ctx, ev); err != nil {
			b.logger.Error(ctx, "ack foreign event failed", "event_id", ev.ID, "err", err)
		}
		return
	}
	job, err := broker.UnmarshalJob(ev.Payload)
	if err != nil {
		b.logger.Error(ctx, "dropping malformed job", "event_id", ev.ID, "err", err)
		if ackErr := sink.Ack(ctx, ev); ackErr != nil {
			b.logger.Error(ctx, "ack malformed job failed", "event_id", ev.ID, "err", ackErr)
		}
		return
	}
	if err := handler(ctx, job); err != nil {
		b.logger.Warn(ctx, "job handler failed, leaving pending for redelivery",
			"run_id", job.RunID, "event_id", ev.ID, "err", err)
		return
	}
	if err := sink.Ack(ctx, ev); err != nil {
		b.logger.Error(ctx, "ack job failed", "run_id", job.RunID, "event_id", ev.ID, "err", err)
	}
}

// Close stops delivery and leaves unacked jobs pending for other workers.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	sink := b.sink
	b.mu.Unlock()
	b.wg.Wait()
	if sink != nil {
		sink.Close(ctx)
	}
	return b.client.Close(ctx)
}
