// Package executor drives a planned task tree to completion. It walks the
// subtasks in dependency order, synthesizes tool parameters with the LLM,
// invokes tools through the orchestrator, and reports progress as response
// events on the run's sink. Tool failure halts the plan.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
	"github.com/lodestar-ai/lodestar/runtime/agent/task"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
	"github.com/lodestar-ai/lodestar/runtime/agent/tools"
)

// maxResultSnippet bounds how much of a tool result is carried into the
// generic final summary.
const maxResultSnippet = 200

type (
	// Executor runs one plan. Instances are built per run and bound to the
	// run's event sink and tool orchestrator.
	Executor struct {
		runID        string
		tasks        *task.Manager
		orchestrator *tools.Orchestrator
		model        model.Client
		modelName    string
		sink         stream.Sink
		stopped      func() bool
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
	}

	// Options configures an Executor.
	Options struct {
		// RunID stamps every emitted event. Required.
		RunID string
		// Tasks is the task manager holding the plan. Required.
		Tasks *task.Manager
		// Orchestrator executes assigned tools. Required.
		Orchestrator *tools.Orchestrator
		// Model synthesizes tool parameters. Required.
		Model model.Client
		// ModelName is the provider-native model id. Required.
		ModelName string
		// Sink receives progress events. Required.
		Sink stream.Sink
		// Stopped reports whether a stop was requested. Checked before each
		// subtask; a running tool is never interrupted. Optional.
		Stopped func() bool
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
		// Tracer defaults to noop.
		Tracer telemetry.Tracer
	}

	// Outcome reports how plan execution ended. Status is StatusCompleted,
	// StatusFailed or StatusStopped; Error carries the failure detail and
	// Summary the final text shown for completed plans.
	Outcome struct {
		Status  run.Status
		Summary string
		Error   string
	}
)

// New builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("task manager is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("tool orchestrator is required")
	}
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	if opts.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("event sink is required")
	}
	stopped := opts.Stopped
	if stopped == nil {
		stopped = func() bool { return false }
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
	return &Executor{
		runID:        opts.RunID,
		tasks:        opts.Tasks,
		orchestrator: opts.Orchestrator,
		model:        opts.Model,
		modelName:    opts.ModelName,
		sink:         opts.Sink,
		stopped:      stopped,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
	}, nil
}

// ExecutePlan drives the subtasks of a planned main task. Subtasks run in
// creation order, never before their dependencies complete, one at a time so
// event ordering stays deterministic. The returned error is reserved for
// infrastructure failures (task store, sink); plan-level failures come back
// in the Outcome.
func (e *Executor) ExecutePlan(ctx context.Context, mainID string) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "executor.execute_plan")
	defer span.End()

	main, err := e.tasks.Get(mainID)
	if err != nil {
		return nil, fmt.Errorf("load main task: %w", err)
	}
	if main.Status != task.StatusPlanned {
		return nil, fmt.Errorf("task %s is not planned (status %s)", mainID, main.Status)
	}

	progress := 0.2
	if _, err := e.tasks.SetStatus(ctx, mainID, task.StatusExecutingPlan, &progress); err != nil {
		return nil, fmt.Errorf("mark executing: %w", err)
	}
	if err := e.send(ctx, stream.NewStatus(e.runID, stream.StatusPlanExecutionStart, "")); err != nil {
		return nil, err
	}

	subs, err := e.tasks.Subtasks(mainID)
	if err != nil {
		return nil, fmt.Errorf("load subtasks: %w", err)
	}
	total := len(subs)

	var (
		stepResults  []string
		agentSummary string
		signalled    bool
		step         int
		noProgress   int
	)

	for !signalled {
		if e.stopped() {
			return &Outcome{Status: run.StatusStopped}, nil
		}
		subs, err = e.tasks.Subtasks(mainID)
		if err != nil {
			return nil, fmt.Errorf("load subtasks: %w", err)
		}
		runnable, pending := runnableSubtasks(subs)
		if len(runnable) == 0 {
			if pending == 0 {
				break
			}
			noProgress++
			if noProgress < 2 {
				continue
			}
			detail := fmt.Sprintf("plan deadlock: %d subtasks have unsatisfiable dependencies", pending)
			if err := e.send(ctx, stream.NewStatus(e.runID, stream.StatusError, detail)); err != nil {
				return nil, err
			}
			if _, err := e.tasks.Fail(ctx, mainID, detail); err != nil {
				return nil, fmt.Errorf("mark deadlocked: %w", err)
			}
			return &Outcome{Status: run.StatusFailed, Error: detail}, nil
		}
		noProgress = 0

		for _, st := range runnable {
			if signalled {
				break
			}
			if e.stopped() {
				return &Outcome{Status: run.StatusStopped}, nil
			}
			step++
			res, err := e.runSubtask(ctx, main, st, step, total)
			if err != nil {
				return nil, err
			}
			switch {
			case res.failed:
				detail := fmt.Sprintf("subtask %q failed: %s", st.Name, res.err)
				if _, err := e.tasks.Fail(ctx, mainID, detail); err != nil {
					return nil, fmt.Errorf("mark failed: %w", err)
				}
				return &Outcome{Status: run.StatusFailed, Error: detail}, nil
			case res.summary != "":
				agentSummary = res.summary
				signalled = true
			default:
				stepResults = append(stepResults, res.note)
			}
		}
	}

	summary := agentSummary
	if summary == "" {
		summary = genericSummary(stepResults)
	}
	if _, err := e.tasks.Complete(ctx, mainID, summary); err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if err := e.send(ctx, stream.NewStatus(e.runID, stream.StatusPlanExecutionEnd, "")); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "plan executed", "task_id", mainID, "steps", step)
	return &Outcome{Status: run.StatusCompleted, Summary: summary}, nil
}

// stepResult is the outcome of one subtask. Exactly one of failed, summary
// or note is meaningful.
type stepResult struct {
	failed  bool
	err     string
	summary string
	note    string
}

func (e *Executor) runSubtask(ctx context.Context, main, st *task.Task, step, total int) (*stepResult, error) {
	announce := fmt.Sprintf("Step %d of %d: starting %s", step, total, st.Name)
	if err := e.send(ctx, stream.NewAssistantMessageUpdate(e.runID, announce)); err != nil {
		return nil, err
	}
	if _, err := e.tasks.SetStatus(ctx, st.ID, task.StatusRunning, nil); err != nil {
		return nil, fmt.Errorf("mark subtask running: %w", err)
	}

	if len(st.AssignedTools) == 0 {
		if _, err := e.tasks.Complete(ctx, st.ID, map[string]any{"note": "no tool work required"}); err != nil {
			return nil, fmt.Errorf("complete subtask: %w", err)
		}
		if err := e.sendStepDone(ctx, step, total, true); err != nil {
			return nil, err
		}
		return &stepResult{note: fmt.Sprintf("%s: completed without tool work", st.Name)}, nil
	}

	id, err := tools.ParseIdent(st.AssignedTools[0])
	if err != nil {
		return e.failSubtask(ctx, st, step, total, fmt.Sprintf("invalid tool identifier %q: %v", st.AssignedTools[0], err))
	}
	ms, ok := e.orchestrator.Lookup(id)
	if !ok {
		return e.failSubtask(ctx, st, step, total, fmt.Sprintf("tool %q has no registered schema", id))
	}

	params, synthErr := e.synthesizeParams(ctx, main.Description, st, id, ms)
	if synthErr != nil {
		if ctx.Err() != nil {
			return nil, synthErr
		}
		return e.failSubtask(ctx, st, step, total, synthErr.Error())
	}

	toolCallID := uuid.NewString()
	if err := e.send(ctx, stream.NewToolStatus(e.runID, stream.StatusToolStarted, toolCallID, id.String())); err != nil {
		return nil, err
	}
	res := e.orchestrator.Execute(ctx, id, params)
	data := res.Result
	if res.Failed() {
		data = res.Error
	}
	if err := e.send(ctx, stream.NewToolResult(e.runID, toolCallID, id.String(), data)); err != nil {
		return nil, err
	}

	if res.Failed() {
		if err := e.send(ctx, stream.NewToolStatus(e.runID, stream.StatusToolFailed, toolCallID, id.String())); err != nil {
			return nil, err
		}
		return e.failSubtask(ctx, st, step, total, res.Error)
	}
	if err := e.send(ctx, stream.NewToolStatus(e.runID, stream.StatusToolCompleted, toolCallID, id.String())); err != nil {
		return nil, err
	}

	if _, err := e.tasks.Complete(ctx, st.ID, res.Result); err != nil {
		return nil, fmt.Errorf("complete subtask: %w", err)
	}
	if err := e.sendStepDone(ctx, step, total, true); err != nil {
		return nil, err
	}

	if id == tools.CompleteTaskIdent {
		return &stepResult{summary: completionSummary(res.Result)}, nil
	}
	return &stepResult{note: fmt.Sprintf("%s (%s): %s", st.Name, id, resultSnippet(res.Result))}, nil
}

// failSubtask records the failure on the subtask and emits the step-failed
// progress line. The caller fails the main task and halts the plan.
func (e *Executor) failSubtask(ctx context.Context, st *task.Task, step, total int, detail string) (*stepResult, error) {
	if err := e.sendStepDone(ctx, step, total, false); err != nil {
		return nil, err
	}
	if _, err := e.tasks.Fail(ctx, st.ID, detail); err != nil {
		return nil, fmt.Errorf("mark subtask failed: %w", err)
	}
	e.logger.Warn(ctx, "subtask failed", "task_id", st.ID, "name", st.Name, "error", detail)
	return &stepResult{failed: true, err: detail}, nil
}

func (e *Executor) sendStepDone(ctx context.Context, step, total int, ok bool) error {
	state := "completed"
	if !ok {
		state = "failed"
	}
	return e.send(ctx, stream.NewAssistantMessageUpdate(e.runID, fmt.Sprintf("Step %d of %d: %s", step, total, state)))
}

func (e *Executor) send(ctx context.Context, ev stream.Event) error {
	if err := e.sink.Send(ctx, ev); err != nil {
		return fmt.Errorf("emit %s event: %w", ev.Type, err)
	}
	return nil
}

// runnableSubtasks returns the pending subtasks whose dependencies are all
// completed, in creation order, plus the count of pending subtasks.
func runnableSubtasks(subs []*task.Task) ([]*task.Task, int) {
	byID := make(map[string]*task.Task, len(subs))
	for _, st := range subs {
		byID[st.ID] = st
	}
	var runnable []*task.Task
	pending := 0
	for _, st := range subs {
		if st.Status != task.StatusPending {
			continue
		}
		pending++
		ready := true
		for _, dep := range st.Dependencies {
			d, ok := byID[dep]
			if !ok || d.Status != task.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, st)
		}
	}
	return runnable, pending
}

// completionSummary extracts the agent-provided summary from a
// SystemCompleteTask result.
func completionSummary(result any) string {
	if m, ok := result.(map[string]any); ok {
		if s, ok := m["summary"].(string); ok && s != "" {
			return s
		}
	}
	return "Task complete."
}

// genericSummary renders the fallback completion text listing each step's
// result snippet.
func genericSummary(stepResults []string) string {
	if len(stepResults) == 0 {
		return "Plan completed with no steps."
	}
	var b strings.Builder
	b.WriteString("Plan completed:\n")
	for _, r := range stepResults {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func resultSnippet(result any) string {
	var text string
	switch v := result.(type) {
	case string:
		text = v
	case nil:
		text = "ok"
	default:
		text = fmt.Sprintf("%v", v)
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxResultSnippet {
		text = text[:maxResultSnippet] + "..."
	}
	return text
}
