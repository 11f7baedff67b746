// Package task holds the task tree a run plans and executes: a main task with
// ordered subtasks forming a dependency DAG among siblings. Manager keeps the
// authoritative in-memory map and writes through to a Store.
package task

import "time"

// Status is the lifecycle state of a task.
type Status string

// Task statuses. PlanningFailed is a planner-only marker set on the main task
// when plan generation or validation fails.
const (
	StatusPending        Status = "pending"
	StatusPendingPlan    Status = "pending_planning"
	StatusPlanned        Status = "planned"
	StatusExecutingPlan  Status = "executing_plan"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusPlanningFailed Status = "planning_failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPlanningFailed:
		return true
	}
	return false
}

// Metadata keys written by the planner and executor.
const (
	// MetaRunLogs is the append-only list of execution notes.
	MetaRunLogs = "run_logs"
	// MetaExecutionPlan stores the validated plan on the main task.
	MetaExecutionPlan = "execution_plan"
	// MetaError stores the failure detail accompanying planning_failed.
	MetaError = "error"
)

// Task is one node of the task tree.
type Task struct {
	// ID is the unique task id, assigned by the manager.
	ID string `json:"id"`
	// Name is a short human-readable label.
	Name string `json:"name"`
	// Description elaborates the name; may be empty.
	Description string `json:"description,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// Progress is in [0, 1].
	Progress float64 `json:"progress"`
	// StartTime is when the task was created.
	StartTime time.Time `json:"start_time"`
	// EndTime is set exactly when Status is terminal.
	EndTime *time.Time `json:"end_time,omitempty"`
	// ParentID links a subtask to its main task; empty on roots.
	ParentID string `json:"parent_id,omitempty"`
	// Subtasks lists child ids in creation order.
	Subtasks []string `json:"subtasks,omitempty"`
	// Dependencies lists sibling ids that must be completed before this
	// task may run.
	Dependencies []string `json:"dependencies,omitempty"`
	// AssignedTools lists fully qualified tool idents, in preference order.
	AssignedTools []string `json:"assigned_tools,omitempty"`
	// Artifacts lists outputs produced while executing the task.
	Artifacts []string `json:"artifacts,omitempty"`
	// Metadata is free-form; see the Meta* keys.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Error describes the failure when Status is failed or cancelled.
	Error string `json:"error,omitempty"`
	// Result holds the task outcome on completion.
	Result any `json:"result,omitempty"`
}

// Clone returns a deep copy so callers can mutate snapshots freely.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.EndTime != nil {
		end := *t.EndTime
		out.EndTime = &end
	}
	out.Subtasks = append([]string(nil), t.Subtasks...)
	out.Dependencies = append([]string(nil), t.Dependencies...)
	out.AssignedTools = append([]string(nil), t.AssignedTools...)
	out.Artifacts = append([]string(nil), t.Artifacts...)
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// AppendRunLog appends note to the run_logs metadata list.
func (t *Task) AppendRunLog(note string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	logs, _ := t.Metadata[MetaRunLogs].([]any)
	t.Metadata[MetaRunLogs] = append(logs, note)
}
