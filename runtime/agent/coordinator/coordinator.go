// Package coordinator implements the background worker that executes one
// agent run end to end: it admits the broker job, binds a sandbox and tool
// orchestrator, plans the task tree, drives the plan executor, pumps every
// response event into the run log, and finalizes the run row no matter how
// execution ended.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/broker"
	"github.com/lodestar-ai/lodestar/runtime/agent/executor"
	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	"github.com/lodestar-ai/lodestar/runtime/agent/planner"
	"github.com/lodestar-ai/lodestar/runtime/agent/registry"
	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/runlog"
	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
	"github.com/lodestar-ai/lodestar/runtime/agent/store"
	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
	"github.com/lodestar-ai/lodestar/runtime/agent/task"
	taskmem "github.com/lodestar-ai/lodestar/runtime/agent/task/inmem"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
	"github.com/lodestar-ai/lodestar/runtime/agent/tools"
)

const (
	// retentionTTL bounds how long a finalized run's response log is kept.
	retentionTTL = 24 * time.Hour
	// finalizeAttempts is the number of tries given to the terminal row write.
	finalizeAttempts = 3
	// defaultFinalizeBackoff is the first retry delay; it doubles per attempt.
	defaultFinalizeBackoff = 500 * time.Millisecond
)

type (
	// Coordinator executes broker jobs. One instance serves many runs; all
	// per-run state lives on the stack of Execute.
	Coordinator struct {
		instanceID      string
		runs            store.Runs
		messages        store.Messages
		projects        store.Projects
		log             runlog.Log
		registry        registry.Registry
		sandboxes       sandbox.Provider
		model           model.Client
		taskStores      func() task.Store
		finalizeBackoff time.Duration
		logger          telemetry.Logger
		metrics         telemetry.Metrics
		tracer          telemetry.Tracer
	}

	// Options configures a Coordinator.
	Options struct {
		// InstanceID identifies this worker in the registry and on
		// instance-targeted control channels. Required.
		InstanceID string
		// Runs persists run rows. Required.
		Runs store.Runs
		// Messages supplies the initial prompt. Required.
		Messages store.Messages
		// Projects supplies the sandbox descriptor. Required.
		Projects store.Projects
		// Log is the response log. Required.
		Log runlog.Log
		// Registry tracks live runs. Required.
		Registry registry.Registry
		// Sandboxes provides tool execution environments. Required.
		Sandboxes sandbox.Provider
		// Model is the LLM client used for planning and parameter synthesis.
		// Required.
		Model model.Client
		// TaskStores builds the per-run task store. Defaults to in-memory
		// stores; deployments with durable task state supply a backend
		// factory.
		TaskStores func() task.Store
		// FinalizeBackoff overrides the first finalize retry delay. Zero uses
		// the default; tests shorten it.
		FinalizeBackoff time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
		// Tracer defaults to noop.
		Tracer telemetry.Tracer
	}
)

// New builds a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("runs store is required")
	}
	if opts.Messages == nil {
		return nil, errors.New("messages store is required")
	}
	if opts.Projects == nil {
		return nil, errors.New("projects store is required")
	}
	if opts.Log == nil {
		return nil, errors.New("response log is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Sandboxes == nil {
		return nil, errors.New("sandbox provider is required")
	}
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	taskStores := opts.TaskStores
	if taskStores == nil {
		taskStores = func() task.Store { return taskmem.NewStore() }
	}
	backoff := opts.FinalizeBackoff
	if backoff <= 0 {
		backoff = defaultFinalizeBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Coordinator{
		instanceID:      opts.InstanceID,
		runs:            opts.Runs,
		messages:        opts.Messages,
		projects:        opts.Projects,
		log:             opts.Log,
		registry:        opts.Registry,
		sandboxes:       opts.Sandboxes,
		model:           opts.Model,
		taskStores:      taskStores,
		finalizeBackoff: backoff,
		logger:          logger,
		metrics:         metrics,
		tracer:          tracer,
	}, nil
}

// Handler adapts the coordinator to the broker's handler signature.
func (c *Coordinator) Handler() broker.Handler {
	return c.Execute
}

// Execute processes one delivered job. It returns an error only before the
// run is admitted (stale row lookups, control subscription failures), when
// redelivery can still help. From admission on it always returns nil: any
// failure is recorded on the run itself through finalization.
func (c *Coordinator) Execute(ctx context.Context, job *broker.Job) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.execute")
	defer span.End()
	started := time.Now()

	r, err := c.runs.Get(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Warn(ctx, "dropping job for unknown run", "run_id", job.RunID)
			return nil
		}
		return fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	// Duplicate broker delivery: the run already finished.
	if r.Status.Terminal() {
		c.logger.Info(ctx, "dropping job for terminal run",
			"run_id", job.RunID, "status", string(r.Status))
		return nil
	}

	instance := c.effectiveInstance(job)
	sub, err := c.log.SubscribeControl(ctx, job.RunID, instance)
	if err != nil {
		return fmt.Errorf("subscribe control %s: %w", job.RunID, err)
	}
	defer sub.Close()

	// Stop watcher: the subscription ends when sub is closed on return.
	var stopRequested atomic.Bool
	go func() {
		for msg := range sub.Messages() {
			if runlog.Signal(msg) == runlog.SignalStop {
				stopRequested.Store(true)
				c.logger.Info(ctx, "stop requested", "run_id", job.RunID)
			}
		}
	}()

	if err := c.registry.Register(ctx, instance, job.RunID); err != nil {
		return fmt.Errorf("register run %s: %w", job.RunID, err)
	}
	c.metrics.IncCounter(telemetry.MetricRunsStarted, 1)
	c.logger.Info(ctx, "run admitted",
		"run_id", job.RunID, "thread_id", job.ThreadID, "project_id", job.ProjectID)

	sink := &logSink{c: c, runID: job.RunID, instance: instance}
	modelName := job.ModelName
	if modelName == "" {
		modelName = r.ModelName
	}

	st := c.executeRun(ctx, job, sink, modelName, &stopRequested)
	c.finalize(ctx, job, sink, st)

	c.metrics.RecordTimer(telemetry.MetricRunDuration, time.Since(started),
		"status", string(st.status))
	c.metrics.IncCounter(telemetry.MetricRunsCompleted, 1, "status", string(st.status))
	return nil
}

// effectiveInstance returns the instance the run is keyed under: the
// admitting instance from the job when present, this worker otherwise.
func (c *Coordinator) effectiveInstance(job *broker.Job) string {
	if job.InstanceID != "" {
		return job.InstanceID
	}
	return c.instanceID
}

// runState captures how execution ended and what finalize must release.
type runState struct {
	status  run.Status
	errMsg  string
	session sandbox.Session
	project *store.Project
	usage   *usageTally
}

// executeRun performs steps four through nine of the run lifecycle: sandbox
// binding, prompt lookup, planning, and plan execution. It never returns an
// error; every failure is folded into the returned state.
func (c *Coordinator) executeRun(ctx context.Context, job *broker.Job, sink *logSink, modelName string, stopRequested *atomic.Bool) *runState {
	st := &runState{status: run.StatusCompleted, usage: &usageTally{next: c.model, metrics: c.metrics}}

	fail := func(detail string) *runState {
		st.status = run.StatusFailed
		st.errMsg = detail
		c.logger.Error(ctx, "run failed", "run_id", job.RunID, "error", detail)
		if err := sink.Send(ctx, stream.NewStatus(job.RunID, stream.StatusError, detail)); err != nil {
			c.logger.Error(ctx, "emit failure event", "run_id", job.RunID, "error", err)
		}
		return st
	}

	project, err := c.projects.Get(ctx, job.ProjectID)
	if err != nil {
		return fail(fmt.Sprintf("load project %s: %v", job.ProjectID, err))
	}
	st.project = project
	session, err := c.sandboxes.GetOrStart(ctx, project.Sandbox)
	if err != nil {
		return fail(fmt.Sprintf("start sandbox: %v", err))
	}
	st.session = session

	orch := tools.NewOrchestrator(tools.OrchestratorOptions{
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	shell, err := tools.NewShellTool(session)
	if err != nil {
		return fail(fmt.Sprintf("bind shell tool: %v", err))
	}
	for _, t := range []tools.Tool{tools.NewCompleteTask(), shell} {
		if err := orch.Register(t); err != nil {
			return fail(fmt.Sprintf("register tool: %v", err))
		}
	}

	msg, err := c.messages.FirstUserMessage(ctx, job.ThreadID)
	if err != nil {
		return fail(fmt.Sprintf("no user prompt for thread %s: %v", job.ThreadID, err))
	}
	prompt := msg.TextContent()
	if prompt == "" {
		return fail(fmt.Sprintf("empty user prompt for thread %s", job.ThreadID))
	}

	for _, status := range []string{stream.StatusThreadRunStart, stream.StatusAssistantResponseStart} {
		if err := sink.Send(ctx, stream.NewStatus(job.RunID, status, "")); err != nil {
			return fail(fmt.Sprintf("emit %s: %v", status, err))
		}
	}

	tasks, err := task.NewManager(task.ManagerOptions{Store: c.taskStores(), Logger: c.logger})
	if err != nil {
		return fail(fmt.Sprintf("task manager: %v", err))
	}
	plnr, err := planner.New(planner.Options{
		Model:        st.usage,
		ModelName:    modelName,
		Tasks:        tasks,
		Orchestrator: orch,
		Logger:       c.logger,
		Tracer:       c.tracer,
	})
	if err != nil {
		return fail(fmt.Sprintf("planner: %v", err))
	}
	main, err := plnr.PlanTask(ctx, prompt, planner.Context{
		ThreadID:  job.ThreadID,
		ProjectID: job.ProjectID,
	})
	if err != nil {
		return fail(fmt.Sprintf("plan task: %v", err))
	}
	if main.Status == task.StatusPlanningFailed {
		return fail(fmt.Sprintf("planning failed: %s", main.Error))
	}

	exec, err := executor.New(executor.Options{
		RunID:        job.RunID,
		Tasks:        tasks,
		Orchestrator: orch,
		Model:        st.usage,
		ModelName:    modelName,
		Sink:         sink,
		Stopped:      stopRequested.Load,
		Logger:       c.logger,
		Metrics:      c.metrics,
		Tracer:       c.tracer,
	})
	if err != nil {
		return fail(fmt.Sprintf("executor: %v", err))
	}
	outcome, err := exec.ExecutePlan(ctx, main.ID)
	if err != nil {
		return fail(fmt.Sprintf("execute plan: %v", err))
	}

	switch {
	case sink.terminalStatus() != "":
		st.status = run.Status(sink.terminalStatus())
	case stopRequested.Load() || outcome.Status == run.StatusStopped:
		st.status = run.StatusStopped
	case outcome.Status == run.StatusFailed:
		st.status = run.StatusFailed
		st.errMsg = outcome.Error
	default:
		st.status = run.StatusCompleted
	}
	return st
}

// logSink pumps response events into the run log: append, then notify, then
// refresh the registry TTL every RefreshInterval events. It records the
// first terminal status it carries so finalization does not append a second
// terminal event.
type logSink struct {
	c        *Coordinator
	runID    string
	instance string

	mu       sync.Mutex
	appended int
	terminal string
}

var _ stream.Sink = (*logSink)(nil)

func (s *logSink) Send(ctx context.Context, ev stream.Event) error {
	if _, err := s.c.log.Append(ctx, s.runID, ev); err != nil {
		return fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	if err := s.c.log.Notify(ctx, s.runID); err != nil {
		// Subscribers re-read by index; a lost notification delays them
		// until the next one.
		s.c.logger.Warn(ctx, "notify failed", "run_id", s.runID, "error", err)
	}
	s.c.metrics.IncCounter(telemetry.MetricEventsAppended, 1)

	s.mu.Lock()
	s.appended++
	refresh := s.appended%registry.RefreshInterval == 0
	if t, ok := ev.TerminalStatus(); ok && s.terminal == "" {
		s.terminal = t
	}
	s.mu.Unlock()

	if refresh {
		if err := s.c.registry.RefreshTTL(ctx, s.instance, s.runID); err != nil {
			s.c.logger.Warn(ctx, "registry refresh failed", "run_id", s.runID, "error", err)
		}
	}
	return nil
}

func (s *logSink) Close(ctx context.Context) error { return nil }

func (s *logSink) terminalStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// usageTally counts and sums the model calls of one run. The planner and
// executor both complete requests through it, so the total covers planning,
// parameter synthesis, and summaries alike.
type usageTally struct {
	next    model.Client
	metrics telemetry.Metrics

	mu  sync.Mutex
	sum model.TokenUsage
}

var _ model.Client = (*usageTally)(nil)

func (u *usageTally) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	resp, err := u.next.Complete(ctx, req)
	u.metrics.IncCounter(telemetry.MetricModelCalls, 1, "model", req.Model)
	if resp != nil {
		u.mu.Lock()
		u.sum.InputTokens += resp.Usage.InputTokens
		u.sum.OutputTokens += resp.Usage.OutputTokens
		u.mu.Unlock()
	}
	return resp, err
}

func (u *usageTally) total() model.TokenUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sum
}
