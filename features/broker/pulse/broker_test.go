package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/lodestar-ai/lodestar/features/broker/pulse/clients/pulse"
	"github.com/lodestar-ai/lodestar/runtime/agent/broker"
	"github.com/lodestar-ai/lodestar/runtime/agent/run"
)

type fakeClient struct {
	stream     *fakeStream
	streamName string
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	f.streamName = name
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

type fakeStream struct {
	mu       sync.Mutex
	events   []string
	payloads [][]byte
	sink     *fakeSink
	sinkName string
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("%d-0", len(f.events)), nil
}

func (f *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinkName = name
	return f.sink, nil
}

type fakeSink struct {
	events chan *streaming.Event
	mu     sync.Mutex
	acked  []string
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ev.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func newFakes() (*fakeClient, *fakeStream, *fakeSink) {
	sink := &fakeSink{events: make(chan *streaming.Event, 8)}
	stream := &fakeStream{sink: sink}
	return &fakeClient{stream: stream}, stream, sink
}

func testJob() *broker.Job {
	return &broker.Job{
		RunID:      "run-1",
		ThreadID:   "thread-1",
		InstanceID: "worker-1",
		ProjectID:  "proj-1",
		AccountID:  "acct-1",
		ModelName:  "claude-sonnet",
		Options:    run.Options{Stream: true, EnableThinking: true},
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestNewOpensNamedStream(t *testing.T) {
	client, _, _ := newFakes()
	_, err := New(Options{Client: client, StreamName: "jobs"})
	require.NoError(t, err)
	assert.Equal(t, "jobs", client.streamName)

	client2, _, _ := newFakes()
	_, err = New(Options{Client: client2})
	require.NoError(t, err)
	assert.Equal(t, "lodestar_runs", client2.streamName)
}

func TestEnqueuePublishesJob(t *testing.T) {
	client, stream, _ := newFakes()
	b, err := New(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, b.Enqueue(context.Background(), testJob()))

	require.Len(t, stream.events, 1)
	assert.Equal(t, "run_job", stream.events[0])
	got, err := broker.UnmarshalJob(stream.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, testJob(), got)
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	client, stream, sink := newFakes()
	b, err := New(Options{Client: client, SinkName: "workers"})
	require.NoError(t, err)
	defer b.Close(context.Background())

	got := make(chan *broker.Job, 1)
	require.NoError(t, b.Subscribe(context.Background(), func(ctx context.Context, job *broker.Job) error {
		got <- job
		return nil
	}))
	assert.Equal(t, "workers", stream.sinkName)

	payload, err := testJob().Marshal()
	require.NoError(t, err)
	sink.events <- &streaming.Event{ID: "1-0", EventName: "run_job", Payload: payload}

	select {
	case job := <-got:
		assert.Equal(t, testJob(), job)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	require.Eventually(t, func() bool {
		return len(sink.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1-0"}, sink.ackedIDs())
}

func TestHandlerErrorLeavesJobPending(t *testing.T) {
	client, _, sink := newFakes()
	b, err := New(Options{Client: client})
	require.NoError(t, err)
	defer b.Close(context.Background())

	handled := make(chan struct{}, 1)
	require.NoError(t, b.Subscribe(context.Background(), func(ctx context.Context, job *broker.Job) error {
		handled <- struct{}{}
		return errors.New("transient failure")
	}))

	payload, err := testJob().Marshal()
	require.NoError(t, err)
	sink.events <- &streaming.Event{ID: "1-0", EventName: "run_job", Payload: payload}

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
	// The entry must stay pending so the group can redeliver it.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.ackedIDs())
}

func TestMalformedJobAckedAndDropped(t *testing.T) {
	client, _, sink := newFakes()
	b, err := New(Options{Client: client})
	require.NoError(t, err)
	defer b.Close(context.Background())

	require.NoError(t, b.Subscribe(context.Background(), func(ctx context.Context, job *broker.Job) error {
		t.Error("handler must not run for malformed payloads")
		return nil
	}))

	sink.events <- &streaming.Event{ID: "1-0", EventName: "run_job", Payload: []byte("not json")}

	require.Eventually(t, func() bool {
		return len(sink.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForeignEventAckedAndSkipped(t *testing.T) {
	client, _, sink := newFakes()
	b, err := New(Options{Client: client})
	require.NoError(t, err)
	defer b.Close(context.Background())

	require.NoError(t, b.Subscribe(context.Background(), func(ctx context.Context, job *broker.Job) error {
		t.Error("handler must not run for foreign events")
		return nil
	}))

	sink.events <- &streaming.Event{ID: "1-0", EventName: "heartbeat", Payload: []byte("{}")}

	require.Eventually(t, func() bool {
		return len(sink.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrencyRunsJobsInParallel(t *testing.T) {
	client, _, sink := newFakes()
	b, err := New(Options{Client: client, Concurrency: 2})
	require.NoError(t, err)
	defer b.Close(context.Background())

	inFlight := make(chan string, 2)
	release := make(chan struct{})
	var once sync.Once
	releaseAll := func() { once.Do(func() { close(release) }) }
	defer releaseAll()

	require.NoError(t, b.Subscribe(context.Background(), func(ctx context.Context, job *broker.Job) error {
		inFlight <- job.RunID
		<-release
		return nil
	}))

	for i := 1; i <= 2; i++ {
		job := testJob()
		job.RunID = fmt.Sprintf("run-%d", i)
		payload, err := job.Marshal()
		require.NoError(t, err)
		sink.events <- &streaming.Event{ID: fmt.Sprintf("%d-0", i), EventName: "run_job", Payload: payload}
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-inFlight:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for both jobs to start")
		}
	}
	assert.Len(t, seen, 2, "both jobs in flight before either finishes")
	releaseAll()

	require.Eventually(t, func() bool {
		return len(sink.ackedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDefaultConcurrencySerializesJobs(t *testing.T) {
	client, _, sink := newFakes()
	b, err := New(Options{Client: client})
	require.NoError(t, err)
	defer b.Close(context.Background())

	started := make(chan string, 2)
	release := make(chan struct{})
	var once sync.Once
	releaseAll := func() { once.Do(func() { close(release) }) }
	defer releaseAll()

	require.NoError(t, b.Subscribe(context.Background(), func(ctx context.Context, job *broker.Job) error {
		started <- job.RunID
		<-release
		return nil
	}))

	for i := 1; i <= 2; i++ {
		job := testJob()
		job.RunID = fmt.Sprintf("run-%d", i)
		payload, err := job.Marshal()
		require.NoError(t, err)
		sink.events <- &streaming.Event{ID: fmt.Sprintf("%d-0", i), EventName: "run_job", Payload: payload}
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first job")
	}
	select {
	case id := <-started:
		t.Fatalf("job %s started while the only slot was held", id)
	case <-time.After(100 * time.Millisecond):
	}
	releaseAll()

	require.Eventually(t, func() bool {
		return len(sink.ackedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeTwiceFails(t *testing.T) {
	client, _, _ := newFakes()
	b, err := New(Options{Client: client})
	require.NoError(t, err)
	defer b.Close(context.Background())

	handler := func(ctx context.Context, job *broker.Job) error { return nil }
	require.NoError(t, b.Subscribe(context.Background(), handler))
	require.EqualError(t, b.Subscribe(context.Background(), handler), "broker already subscribed")
}

func TestCloseStopsDelivery(t *testing.T) {
	client, _, sink := newFakes()
	b, err := New(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(context.Background(), func(ctx context.Context, job *broker.Job) error {
		return nil
	}))
	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	assert.True(t, closed)
	require.EqualError(t, b.Enqueue(context.Background(), testJob()), "broker closed")
}
