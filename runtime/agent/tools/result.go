package tools

import "time"

// ResultStatus is the lifecycle state of one tool execution.
type ResultStatus string

// Tool execution statuses.
const (
	StatusRunning   ResultStatus = "running"
	StatusCompleted ResultStatus = "completed"
	StatusFailed    ResultStatus = "failed"
	StatusCancelled ResultStatus = "cancelled"
)

// Terminal reports whether s is a final status.
func (s ResultStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Result is the outcome of one tool execution.
type Result struct {
	// ToolID is the tool component of the executed Ident.
	ToolID string `json:"tool_id"`
	// ExecutionID uniquely identifies this invocation.
	ExecutionID string `json:"execution_id"`
	// Status is the execution state.
	Status ResultStatus `json:"status"`
	// Progress is in [0, 1]; 1 on any terminal status.
	Progress float64 `json:"progress"`
	// StartTime is when the orchestrator accepted the invocation.
	StartTime time.Time `json:"start_time"`
	// EndTime is set when Status is terminal.
	EndTime *time.Time `json:"end_time,omitempty"`
	// Result holds the tool's structured data on success.
	Result any `json:"result,omitempty"`
	// Error describes the failure on StatusFailed or StatusCancelled.
	Error string `json:"error,omitempty"`
	// Warnings carries non-fatal notes produced during execution.
	Warnings []string `json:"warnings,omitempty"`
	// Artifacts lists paths or references produced by the tool.
	Artifacts []string `json:"artifacts,omitempty"`
}

// Failed reports whether the execution ended in failure or cancellation.
func (r *Result) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusCancelled
}

func completedResult(toolID, executionID string, start time.Time, data any) *Result {
	end := time.Now().UTC()
	return &Result{
		ToolID:      toolID,
		ExecutionID: executionID,
		Status:      StatusCompleted,
		Progress:    1,
		StartTime:   start,
		EndTime:     &end,
		Result:      data,
	}
}

func failedResult(toolID, executionID string, start time.Time, status ResultStatus, msg string) *Result {
	end := time.Now().UTC()
	return &Result{
		ToolID:      toolID,
		ExecutionID: executionID,
		Status:      status,
		Progress:    1,
		StartTime:   start,
		EndTime:     &end,
		Error:       msg,
	}
}
