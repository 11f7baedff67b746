package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
)

type (
	// Orchestrator registers tools and invokes their methods. One
	// orchestrator serves one run; the coordinator constructs it and binds
	// the built-in tools to the run's sandbox session. Execute never
	// returns an error: tool errors, panics, and validation failures all
	// surface as failed results.
	Orchestrator struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu         sync.RWMutex
		order      []string
		tools      map[string]Tool
		methods    map[Ident]*boundMethod
		executions map[string]*execution
	}

	// OrchestratorOptions configures an Orchestrator. All fields are
	// optional.
	OrchestratorOptions struct {
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	boundMethod struct {
		tool     Tool
		schema   MethodSchema
		compiled *jsonschema.Schema
	}

	execution struct {
		ident     Ident
		startTime time.Time
		cancel    context.CancelFunc
		cancelled bool
	}
)

// NewOrchestrator returns an empty orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		logger:     logger,
		metrics:    metrics,
		tools:      make(map[string]Tool),
		methods:    make(map[Ident]*boundMethod),
		executions: make(map[string]*execution),
	}
}

// Register adds tool and compiles its method parameter schemas. Registering
// a second tool with the same name or a method with an invalid schema is an
// error and leaves the orchestrator unchanged.
func (o *Orchestrator) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	schemas := tool.Schemas()
	bound := make(map[Ident]*boundMethod, len(schemas))
	for _, ms := range schemas {
		if ms.MethodName == "" {
			return fmt.Errorf("tool %q: method name is required", name)
		}
		id := NewIdent(name, ms.MethodName)
		compiled, err := compileParameters(id, ms)
		if err != nil {
			return err
		}
		bound[id] = &boundMethod{tool: tool, schema: ms, compiled: compiled}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	o.tools[name] = tool
	o.order = append(o.order, name)
	for id, bm := range bound {
		o.methods[id] = bm
	}
	return nil
}

// Schemas returns the OpenAPI-style function schema of every registered
// method, tools in registration order and methods in declaration order.
func (o *Orchestrator) Schemas() []FunctionSchema {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []FunctionSchema
	for _, name := range o.order {
		for _, ms := range o.tools[name].Schemas() {
			out = append(out, FunctionSchemaFor(name, ms))
		}
	}
	return out
}

// XMLExamples returns the XML usage example of every method that declares
// one, in the same order as Schemas.
func (o *Orchestrator) XMLExamples() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []string
	for _, name := range o.order {
		for _, ms := range o.tools[name].Schemas() {
			if ms.XML != nil && ms.XML.Example != "" {
				out = append(out, ms.XML.Example)
			}
		}
	}
	return out
}

// Lookup returns the schema registered for id.
func (o *Orchestrator) Lookup(id Ident) (MethodSchema, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	bm, ok := o.methods[id]
	if !ok {
		return MethodSchema{}, false
	}
	return bm.schema, true
}

// Execute validates params against the method schema and invokes the tool.
// Unknown idents, validation failures, tool errors, and tool panics all
// return a failed result; cancellation through Cancel returns a cancelled
// result when the tool observes its context.
func (o *Orchestrator) Execute(ctx context.Context, id Ident, params map[string]any) *Result {
	start := time.Now().UTC()
	executionID := uuid.NewString()

	o.mu.RLock()
	bm, ok := o.methods[id]
	o.mu.RUnlock()
	if !ok {
		return o.finish(ctx, failedResult(id.Tool(), executionID, start, StatusFailed,
			fmt.Sprintf("unknown tool %q", id)))
	}

	canonical, err := canonicalParams(params)
	if err != nil {
		return o.finish(ctx, failedResult(id.Tool(), executionID, start, StatusFailed,
			fmt.Sprintf("encode parameters: %v", err)))
	}
	if bm.compiled != nil {
		if err := bm.compiled.Validate(canonical); err != nil {
			return o.finish(ctx, failedResult(id.Tool(), executionID, start, StatusFailed,
				fmt.Sprintf("invalid parameters for %s: %v", id, err)))
		}
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exec := &execution{ident: id, startTime: start, cancel: cancel}
	o.mu.Lock()
	o.executions[executionID] = exec
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.executions, executionID)
		o.mu.Unlock()
	}()

	data, invokeErr := o.invoke(execCtx, bm.tool, id.Method(), canonical)

	o.mu.RLock()
	cancelled := exec.cancelled
	o.mu.RUnlock()

	switch {
	case invokeErr != nil && cancelled:
		return o.finish(ctx, failedResult(id.Tool(), executionID, start, StatusCancelled, invokeErr.Error()))
	case invokeErr != nil:
		return o.finish(ctx, failedResult(id.Tool(), executionID, start, StatusFailed, invokeErr.Error()))
	default:
		return o.finish(ctx, completedResult(id.Tool(), executionID, start, data))
	}
}

// Cancel signals the execution's context. The tool decides whether it
// observes the cancellation; Cancel reports whether the execution was found
// in flight.
func (o *Orchestrator) Cancel(executionID string) bool {
	o.mu.Lock()
	exec, ok := o.executions[executionID]
	if ok {
		exec.cancelled = true
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	exec.cancel()
	return true
}

// Executions snapshots the in-flight invocations as running results, sorted
// by start time.
func (o *Orchestrator) Executions() []*Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Result, 0, len(o.executions))
	for id, exec := range o.executions {
		out = append(out, &Result{
			ToolID:      exec.ident.Tool(),
			ExecutionID: id,
			Status:      StatusRunning,
			StartTime:   exec.startTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// invoke runs the tool method, converting panics into errors.
func (o *Orchestrator) invoke(ctx context.Context, tool Tool, method string, params map[string]any) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Invoke(ctx, method, params)
}

func (o *Orchestrator) finish(ctx context.Context, res *Result) *Result {
	o.metrics.IncCounter(telemetry.MetricToolExecutions, 1,
		"tool", res.ToolID, "status", string(res.Status))
	if res.Status != StatusCompleted {
		o.logger.Warn(ctx, "tool execution did not complete",
			"tool", res.ToolID, "execution_id", res.ExecutionID,
			"status", string(res.Status), "error", res.Error)
	}
	return res
}

// canonicalParams round-trips params through JSON so values carry the types
// schema validation and tools expect regardless of how the caller built the
// map.
func canonicalParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compileParameters(id Ident, ms MethodSchema) (*jsonschema.Schema, error) {
	raw, err := ms.MarshalParameters()
	if err != nil {
		return nil, fmt.Errorf("tool method %s: %w", id, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tool method %s: unmarshal schema: %w", id, err)
	}
	c := jsonschema.NewCompiler()
	resource := id.String() + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("tool method %s: add schema resource: %w", id, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tool method %s: compile schema: %w", id, err)
	}
	return schema, nil
}
