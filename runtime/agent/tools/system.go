package tools

import "context"

// System tool identifiers. CompleteTaskIdent is registered on every
// orchestrator; its successful invocation signals agent-initiated plan
// completion.
const (
	CompleteTaskToolName = "SystemCompleteTask"
	CompleteTaskMethod   = "task_complete"
)

// CompleteTaskIdent is the fully qualified complete-task identifier.
var CompleteTaskIdent = NewIdent(CompleteTaskToolName, CompleteTaskMethod)

// CompleteTask is the distinguished system tool a plan invokes to declare
// the overall task finished. It performs no work beyond echoing the summary;
// the plan executor reacts to its success by suppressing further scheduling.
type CompleteTask struct{}

var _ Tool = CompleteTask{}

// NewCompleteTask returns the system completion tool.
func NewCompleteTask() CompleteTask {
	return CompleteTask{}
}

// Name returns the tool id.
func (CompleteTask) Name() string { return CompleteTaskToolName }

// Schemas describes the single task_complete method.
func (CompleteTask) Schemas() []MethodSchema {
	return []MethodSchema{{
		MethodName: CompleteTaskMethod,
		Description: "Declare the overall task complete. Call this as the final step " +
			"once every goal of the task has been achieved. The summary should " +
			"recap what was accomplished.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "Short recap of what was accomplished.",
				},
			},
			"required": []any{"summary"},
		},
		XML: &XMLSchema{
			TagName: "complete-task",
			Mappings: []XMLMapping{
				{ParamName: "summary", NodeType: "content"},
			},
			Example: "<complete-task>Set up the project and ran the test suite.</complete-task>",
		},
	}}
}

// Invoke echoes the summary back as the result.
func (CompleteTask) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	summary, _ := params["summary"].(string)
	return map[string]any{"summary": summary, "status": "complete"}, nil
}
