// Package planner turns a user prompt into a main task plus a validated,
// dependency-ordered list of subtasks. It makes exactly one LLM call and
// never executes tools; plan failures are recorded on the main task as
// status planning_failed rather than returned as errors.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	"github.com/lodestar-ai/lodestar/runtime/agent/task"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
	"github.com/lodestar-ai/lodestar/runtime/agent/tools"
)

type (
	// Planner plans one task tree per PlanTask call.
	Planner struct {
		model        model.Client
		modelName    string
		tasks        *task.Manager
		orchestrator *tools.Orchestrator
		logger       telemetry.Logger
		tracer       telemetry.Tracer
	}

	// Options configures a Planner.
	Options struct {
		// Model is the LLM client. Required.
		Model model.Client
		// ModelName is the provider-native model id. Required.
		ModelName string
		// Tasks is the task manager receiving the tree. Required.
		Tasks *task.Manager
		// Orchestrator supplies the tool catalog. Required.
		Orchestrator *tools.Orchestrator
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Tracer defaults to noop.
		Tracer telemetry.Tracer
	}

	// Context carries the run scope the plan belongs to.
	Context struct {
		ThreadID  string
		ProjectID string
	}

	// plan is the JSON shape the model must return.
	plan struct {
		Subtasks []planSubtask `json:"subtasks"`
	}

	planSubtask struct {
		Name          string   `json:"name"`
		Description   string   `json:"description"`
		AssignedTools []string `json:"assigned_tools"`
		// Dependencies entries are earlier sibling indexes (numbers) or
		// names (strings).
		Dependencies []any `json:"dependencies"`
	}
)

// New builds a Planner.
func New(opts Options) (*Planner, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	if opts.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("task manager is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("tool orchestrator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Planner{
		model:        opts.Model,
		modelName:    opts.ModelName,
		tasks:        opts.Tasks,
		orchestrator: opts.Orchestrator,
		logger:       logger,
		tracer:       tracer,
	}, nil
}

// PlanTask creates the main task, asks the model for a plan, validates it,
// and creates the subtasks. On LLM or validation failure the main task comes
// back with status planning_failed and the detail in metadata.error; the
// caller distinguishes success by status, not by the returned error, which is
// reserved for storage failures.
func (p *Planner) PlanTask(ctx context.Context, description string, pctx Context) (*task.Task, error) {
	ctx, span := p.tracer.Start(ctx, "planner.plan_task")
	defer span.End()

	main, err := p.tasks.Create(ctx, task.CreateRequest{
		Name:        taskName(description),
		Description: description,
		Status:      task.StatusPendingPlan,
		Metadata: map[string]any{
			"thread_id":  pctx.ThreadID,
			"project_id": pctx.ProjectID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create main task: %w", err)
	}

	resp, err := p.model.Complete(ctx, &model.Request{
		Model:    p.modelName,
		JSONMode: true,
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: planningSystemPrompt},
			{Role: model.RoleUser, Content: BuildPlanningPrompt(description, p.orchestrator.Schemas())},
		},
	})
	if err != nil {
		span.RecordError(err)
		return p.markPlanningFailed(ctx, main.ID, fmt.Sprintf("llm call failed: %v", err))
	}

	parsed, parseErr := parsePlan(resp.Content)
	if parseErr != nil {
		return p.markPlanningFailed(ctx, main.ID, parseErr.Error())
	}
	if err := p.validatePlan(parsed); err != nil {
		return p.markPlanningFailed(ctx, main.ID, err.Error())
	}

	// Subtasks are created in plan order; dependencies resolve to the ids
	// of earlier siblings.
	ids := make([]string, 0, len(parsed.Subtasks))
	names := make(map[string]int, len(parsed.Subtasks))
	for i, st := range parsed.Subtasks {
		deps := make([]string, 0, len(st.Dependencies))
		for _, d := range st.Dependencies {
			idx, _ := resolveDependency(d, i, names)
			deps = append(deps, ids[idx])
		}
		created, err := p.tasks.Create(ctx, task.CreateRequest{
			Name:          st.Name,
			Description:   st.Description,
			ParentID:      main.ID,
			Dependencies:  deps,
			AssignedTools: st.AssignedTools,
		})
		if err != nil {
			return nil, fmt.Errorf("create subtask %q: %w", st.Name, err)
		}
		ids = append(ids, created.ID)
		if _, seen := names[st.Name]; !seen {
			names[st.Name] = i
		}
	}

	planDoc := make([]map[string]any, len(parsed.Subtasks))
	for i, st := range parsed.Subtasks {
		planDoc[i] = map[string]any{
			"name":           st.Name,
			"description":    st.Description,
			"assigned_tools": st.AssignedTools,
			"dependencies":   st.Dependencies,
			"task_id":        ids[i],
		}
	}
	updated, err := p.tasks.Update(ctx, main.ID, func(t *task.Task) {
		t.Status = task.StatusPlanned
		t.Progress = 0.1
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[task.MetaExecutionPlan] = planDoc
	})
	if err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	p.logger.Info(ctx, "task planned",
		"task_id", main.ID, "subtasks", len(parsed.Subtasks), "thread_id", pctx.ThreadID)
	return updated, nil
}

func (p *Planner) markPlanningFailed(ctx context.Context, mainID, detail string) (*task.Task, error) {
	p.logger.Warn(ctx, "planning failed", "task_id", mainID, "error", detail)
	failed, err := p.tasks.Update(ctx, mainID, func(t *task.Task) {
		t.Status = task.StatusPlanningFailed
		t.Error = detail
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[task.MetaError] = detail
		end := time.Now().UTC()
		t.EndTime = &end
	})
	if err != nil {
		return nil, fmt.Errorf("mark planning failed: %w", err)
	}
	return failed, nil
}

// validatePlan enforces the plan contract: at least one subtask, every
// assigned tool known to the orchestrator, and every dependency resolving to
// an earlier sibling. Earlier-sibling resolution makes cycles impossible.
func (p *Planner) validatePlan(parsed *plan) error {
	if len(parsed.Subtasks) == 0 {
		return errors.New("plan has no subtasks")
	}
	names := make(map[string]int, len(parsed.Subtasks))
	for i, st := range parsed.Subtasks {
		if st.Name == "" {
			return fmt.Errorf("subtask %d has no name", i)
		}
		for _, raw := range st.AssignedTools {
			id, err := tools.ParseIdent(raw)
			if err != nil {
				return fmt.Errorf("subtask %q: %w", st.Name, err)
			}
			if _, ok := p.orchestrator.Lookup(id); !ok {
				return fmt.Errorf("subtask %q references unknown tool %q", st.Name, raw)
			}
		}
		for _, d := range st.Dependencies {
			if _, err := resolveDependency(d, i, names); err != nil {
				return fmt.Errorf("subtask %q: %w", st.Name, err)
			}
		}
		if _, seen := names[st.Name]; !seen {
			names[st.Name] = i
		}
	}
	return nil
}

// resolveDependency maps a dependency entry (index or name) to the index of
// an earlier sibling. names holds the first index of every name seen so far.
func resolveDependency(d any, current int, names map[string]int) (int, error) {
	switch v := d.(type) {
	case float64:
		idx := int(v)
		if float64(idx) != v || idx < 0 || idx >= current {
			return 0, fmt.Errorf("dependency %v does not reference an earlier subtask", v)
		}
		return idx, nil
	case string:
		idx, ok := names[v]
		if !ok {
			return 0, fmt.Errorf("dependency %q does not reference an earlier subtask", v)
		}
		return idx, nil
	default:
		return 0, fmt.Errorf("dependency %v has unsupported type %T", d, d)
	}
}

// parsePlan decodes the model output, tolerating fenced code blocks.
func parsePlan(content string) (*plan, error) {
	doc := model.ExtractJSONObject(content)
	if doc == "" {
		return nil, fmt.Errorf("model output is not a JSON object: %s", snippet(content))
	}
	var parsed plan
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("decode plan: %v: %s", err, snippet(content))
	}
	return &parsed, nil
}
