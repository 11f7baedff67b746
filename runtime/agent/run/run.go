// Package run defines the primitives for tracking agent run executions.
//
// A Run is one end-to-end execution of the agent for a single user prompt:
// the control plane admits it, a background worker plans and executes it,
// and every incremental output lands in the run's response log. Runs belong
// to a thread (the conversation history) which in turn belongs to a project
// (the owner of the sandbox the run's tools execute in).
//
// Run status is monotonic: once a run reaches a terminal status (completed,
// failed or stopped) it never transitions again. Stores enforce this by
// rejecting terminal writes against already-terminal rows with
// ErrAlreadyTerminal.
package run

import (
	"encoding/json"
	"errors"
	"time"
)

type (
	// Run captures the durable record of a single agent run execution.
	Run struct {
		// ID uniquely identifies the run.
		ID string
		// ThreadID identifies the conversation thread the run belongs to.
		ThreadID string
		// ProjectID identifies the project owning the sandbox used by the run.
		ProjectID string
		// AccountID identifies the account the run is billed and scoped to.
		AccountID string
		// Status is the current lifecycle state.
		Status Status
		// StartedAt records when the run was admitted.
		StartedAt time.Time
		// CompletedAt records when the run reached a terminal status.
		// Nil while the run is in flight.
		CompletedAt *time.Time
		// Error holds the failure message for failed runs.
		Error string
		// Responses is the materialized response log snapshot written at
		// termination. Nil while the run is in flight; streamers read the live
		// log instead.
		Responses []json.RawMessage
		// ModelName is the fully resolved model identifier used for all LLM
		// calls issued on behalf of the run.
		ModelName string
		// Options carries the caller-supplied execution options.
		Options Options
	}

	// Options enumerates the recognized per-run execution options.
	Options struct {
		// EnableThinking forwards the provider-specific thinking flag to the
		// model client.
		EnableThinking bool `json:"enable_thinking"`
		// ReasoningEffort is one of "low", "medium" or "high". Empty uses the
		// provider default.
		ReasoningEffort string `json:"reasoning_effort,omitempty"`
		// Stream is advisory: the run produces the same response log either
		// way. Callers that set it false poll the run record instead of
		// attaching to the SSE stream.
		Stream bool `json:"stream"`
		// EnableContextManager enables conversation-history compaction in the
		// model client.
		EnableContextManager bool `json:"enable_context_manager"`
	}

	// Status represents the lifecycle state of a run.
	Status string
)

const (
	// StatusRunning indicates the run is admitted and executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
	// StatusStopped indicates the run was stopped by a caller.
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status is final. Terminal statuses are
// write-once: stores reject transitions out of them.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ErrAlreadyTerminal is returned by stores when a terminal write races with a
// prior terminal write. Callers treat it as confirmation that the run is
// finalized, not as a failure.
var ErrAlreadyTerminal = errors.New("run: already terminal")

// ErrNotFound is returned by stores when no run exists with the given ID.
var ErrNotFound = errors.New("run: not found")
