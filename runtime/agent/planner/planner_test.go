package planner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	"github.com/lodestar-ai/lodestar/runtime/agent/task"
	taskmem "github.com/lodestar-ai/lodestar/runtime/agent/task/inmem"
	"github.com/lodestar-ai/lodestar/runtime/agent/tools"
)

type scriptedModel struct {
	mu       sync.Mutex
	calls    int
	requests []*model.Request
	respond  func(req *model.Request) (*model.Response, error)
}

func (m *scriptedModel) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.respond(req)
}

type stubTool struct {
	name   string
	method string
}

func (s stubTool) Name() string { return s.name }

func (s stubTool) Schemas() []tools.MethodSchema {
	return []tools.MethodSchema{{
		MethodName:  s.method,
		Description: "stub method",
		Parameters:  map[string]any{"type": "object"},
	}}
}

func (s stubTool) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	return params, nil
}

func newTestPlanner(t *testing.T, respond func(*model.Request) (*model.Response, error)) (*Planner, *task.Manager, *scriptedModel) {
	t.Helper()
	mgr, err := task.NewManager(task.ManagerOptions{Store: taskmem.NewStore()})
	require.NoError(t, err)
	orch := tools.NewOrchestrator(tools.OrchestratorOptions{})
	require.NoError(t, orch.Register(tools.NewCompleteTask()))
	require.NoError(t, orch.Register(stubTool{name: "ShellTool", method: "run"}))
	client := &scriptedModel{respond: respond}
	p, err := New(Options{
		Model:        client,
		ModelName:    "claude-sonnet-4-20250514",
		Tasks:        mgr,
		Orchestrator: orch,
	})
	require.NoError(t, err)
	return p, mgr, client
}

func planResponse(body string) func(*model.Request) (*model.Response, error) {
	return func(*model.Request) (*model.Response, error) {
		return &model.Response{Content: body}, nil
	}
}

func TestPlanTaskSuccess(t *testing.T) {
	body := `{"subtasks": [
		{"name": "Write script", "description": "write it", "assigned_tools": ["ShellTool__run"], "dependencies": []},
		{"name": "Run script", "description": "run it", "assigned_tools": ["ShellTool__run"], "dependencies": [0]},
		{"name": "Summarize", "description": "wrap up", "assigned_tools": ["SystemCompleteTask__task_complete"], "dependencies": ["Run script"]}
	]}`
	p, mgr, client := newTestPlanner(t, planResponse(body))

	main, err := p.PlanTask(context.Background(), "Write and run a script", Context{ThreadID: "th-1", ProjectID: "pr-1"})
	require.NoError(t, err)
	require.Equal(t, task.StatusPlanned, main.Status)
	assert.InDelta(t, 0.1, main.Progress, 1e-9)
	assert.Equal(t, 1, client.calls)
	assert.Contains(t, main.Metadata, task.MetaExecutionPlan)

	subs, err := mgr.Subtasks(main.ID)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, "Write script", subs[0].Name)
	assert.Equal(t, "Run script", subs[1].Name)
	assert.Equal(t, "Summarize", subs[2].Name)
	for _, st := range subs {
		assert.Equal(t, task.StatusPending, st.Status)
		assert.Equal(t, main.ID, st.ParentID)
	}
	// Index and name dependencies both resolve to sibling task ids.
	assert.Equal(t, []string{subs[0].ID}, subs[1].Dependencies)
	assert.Equal(t, []string{subs[1].ID}, subs[2].Dependencies)
	assert.Equal(t, []string{"ShellTool__run"}, subs[0].AssignedTools)
}

func TestPlanTaskExactlyOneModelCall(t *testing.T) {
	p, _, client := newTestPlanner(t, planResponse(
		`{"subtasks": [{"name": "Only", "description": "d", "assigned_tools": [], "dependencies": []}]}`))
	_, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
	require.Len(t, client.requests, 1)
	assert.True(t, client.requests[0].JSONMode)
}

func TestPlanTaskPromptCarriesCatalog(t *testing.T) {
	p, _, client := newTestPlanner(t, planResponse(
		`{"subtasks": [{"name": "Only", "description": "d", "assigned_tools": [], "dependencies": []}]}`))
	_, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	user := client.requests[0].Messages[len(client.requests[0].Messages)-1]
	assert.Contains(t, user.Content, "ShellTool__run")
	assert.Contains(t, user.Content, "SystemCompleteTask__task_complete")
	assert.Contains(t, user.Content, "do something")
}

func TestPlanTaskUnknownTool(t *testing.T) {
	body := `{"subtasks": [{"name": "Bad", "description": "d", "assigned_tools": ["NoSuchTool__go"], "dependencies": []}]}`
	p, mgr, _ := newTestPlanner(t, planResponse(body))

	main, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	require.Equal(t, task.StatusPlanningFailed, main.Status)
	assert.Contains(t, main.Metadata[task.MetaError], "NoSuchTool__go")
	assert.NotNil(t, main.EndTime)

	subs, err := mgr.Subtasks(main.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPlanTaskForwardDependency(t *testing.T) {
	body := `{"subtasks": [
		{"name": "First", "description": "d", "assigned_tools": [], "dependencies": [1]},
		{"name": "Second", "description": "d", "assigned_tools": [], "dependencies": []}
	]}`
	p, _, _ := newTestPlanner(t, planResponse(body))
	main, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanningFailed, main.Status)
}

func TestPlanTaskUnknownDependencyName(t *testing.T) {
	body := `{"subtasks": [
		{"name": "First", "description": "d", "assigned_tools": [], "dependencies": []},
		{"name": "Second", "description": "d", "assigned_tools": [], "dependencies": ["Third"]}
	]}`
	p, _, _ := newTestPlanner(t, planResponse(body))
	main, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanningFailed, main.Status)
}

func TestPlanTaskEmptyPlan(t *testing.T) {
	p, _, _ := newTestPlanner(t, planResponse(`{"subtasks": []}`))
	main, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanningFailed, main.Status)
	assert.Contains(t, main.Error, "no subtasks")
}

func TestPlanTaskMalformedOutput(t *testing.T) {
	p, _, _ := newTestPlanner(t, planResponse("Sure! Here is my plan: step one, step two."))
	main, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanningFailed, main.Status)
}

func TestPlanTaskModelError(t *testing.T) {
	p, _, _ := newTestPlanner(t, func(*model.Request) (*model.Response, error) {
		return nil, errors.New("upstream unavailable")
	})
	main, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanningFailed, main.Status)
	assert.Contains(t, main.Error, "llm call failed")
}

func TestPlanTaskFencedJSON(t *testing.T) {
	body := "```json\n{\"subtasks\": [{\"name\": \"Only\", \"description\": \"d\", \"assigned_tools\": [], \"dependencies\": []}]}\n```"
	p, mgr, _ := newTestPlanner(t, planResponse(body))
	main, err := p.PlanTask(context.Background(), "do something", Context{})
	require.NoError(t, err)
	require.Equal(t, task.StatusPlanned, main.Status)
	subs, err := mgr.Subtasks(main.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestDependencyResolutionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("indexes before current resolve", prop.ForAll(
		func(current, idx int) bool {
			if idx >= current {
				idx = current - 1
			}
			got, err := resolveDependency(float64(idx), current, nil)
			return err == nil && got == idx
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 49),
	))

	properties.Property("indexes at or past current are rejected", prop.ForAll(
		func(current, past int) bool {
			_, err := resolveDependency(float64(current+past), current, nil)
			return err != nil
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 10),
	))

	properties.Property("known earlier names resolve", prop.ForAll(
		func(name string, idx int) bool {
			names := map[string]int{name: idx}
			got, err := resolveDependency(name, idx+1, names)
			return err == nil && got == idx
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestTaskName(t *testing.T) {
	assert.Equal(t, "Agent task", taskName("   "))
	assert.Equal(t, "short prompt", taskName("short prompt"))
	assert.Equal(t, "first line", taskName("first line\nsecond line"))
	long := taskName("run the full benchmark suite against the staging environment configuration and report")
	assert.LessOrEqual(t, len(long), 64)
	assert.Contains(t, long, "...")
}
