// Package stream defines the response events produced while an agent run
// executes and the Sink abstraction used to deliver them.
//
// Every incremental output of a run (assistant text, tool lifecycle markers,
// tool results, status transitions) is one Event. The run coordinator owns
// the only Sink on the write path: it appends each event to the run's
// response log and publishes a new-event notification so attached streamers
// catch up by index. Events are opaque JSON to the log; only terminal status
// events are interpreted by the control plane.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Sink delivers response events produced during a run. The plan executor
	// and the coordinator are producers; implementations append to the
	// response log, buffer for tests, or fan out to transports.
	//
	// Send must preserve per-run ordering: events for one run are observed by
	// every subscriber in the order they were sent.
	Sink interface {
		// Send delivers a single event. Implementations return an error when
		// the event cannot be durably recorded; producers treat Send errors as
		// fatal for the run.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent.
		Close(ctx context.Context) error
	}

	// Event is one element of a run's response log.
	Event struct {
		// Type tags the payload variant.
		Type EventType `json:"type"`
		// Content is the event payload. Its shape depends on Type.
		Content map[string]any `json:"content"`
		// Metadata carries event context. Every event holds at least
		// "thread_run_id", the ID of the run that produced it.
		Metadata map[string]any `json:"metadata"`
	}

	// EventType enumerates response event variants.
	EventType string
)

const (
	// EventAssistantTextChunk carries incremental assistant text.
	EventAssistantTextChunk EventType = "assistant_text_chunk"
	// EventToolStarted carries tool-produced progress output for an in-flight
	// invocation. Distinct from the tool_started status marker emitted by the
	// plan executor.
	EventToolStarted EventType = "tool_started"
	// EventToolResult carries the raw result or error of a tool invocation
	// under the "plan_tool_result_data" content key.
	EventToolResult EventType = "tool_result"
	// EventToolOutcome summarizes a tool invocation (success flag, error).
	EventToolOutcome EventType = "tool_outcome"
	// EventAssistantMessageUpdate carries a human-readable progress line such
	// as "Step 1 of 3: starting echo".
	EventAssistantMessageUpdate EventType = "assistant_message_update"
	// EventStatus carries a run lifecycle transition in the "status" content
	// key. Terminal statuses end the stream.
	EventStatus EventType = "status"
)

// Status values carried in the "status" content key of EventStatus events.
const (
	// StatusThreadRunStart marks the beginning of the run.
	StatusThreadRunStart = "thread_run_start"
	// StatusAssistantResponseStart marks the beginning of assistant output.
	StatusAssistantResponseStart = "assistant_response_start"
	// StatusPlanExecutionStart marks the beginning of plan execution.
	StatusPlanExecutionStart = "plan_execution_start"
	// StatusPlanExecutionEnd marks the end of plan execution.
	StatusPlanExecutionEnd = "plan_execution_end"
	// StatusToolStarted marks a tool invocation being dispatched. The content
	// carries the minted tool_call_id and the tool identifier.
	StatusToolStarted = "tool_started"
	// StatusToolCompleted marks a tool invocation that succeeded.
	StatusToolCompleted = "tool_completed"
	// StatusToolFailed marks a tool invocation that failed.
	StatusToolFailed = "tool_failed"
	// StatusFinish marks the natural end of assistant output.
	StatusFinish = "finish"
	// StatusError reports a fatal error with a human-readable message.
	StatusError = "error"
	// StatusCompleted is the terminal status of a successful run.
	StatusCompleted = "completed"
	// StatusFailed is the terminal status of a failed run.
	StatusFailed = "failed"
	// StatusStopped is the terminal status of a run stopped by a caller.
	StatusStopped = "stopped"
	// StatusThreadRunEnd marks the very end of the stream, after the terminal
	// status event.
	StatusThreadRunEnd = "thread_run_end"
)

// ContentToolResultData is the content key carrying the raw tool result or
// error on EventToolResult events.
const ContentToolResultData = "plan_tool_result_data"

// MetadataThreadRunID is the metadata key present on every event.
const MetadataThreadRunID = "thread_run_id"

// MetadataUsage keys the token usage summary the coordinator attaches to a
// run's terminal status event.
const MetadataUsage = "usage"

// NewStatus builds a status event. The message is attached under the
// "message" content key when non-empty.
func NewStatus(runID, status, message string) Event {
	content := map[string]any{"status": status}
	if message != "" {
		content["message"] = message
	}
	return newEvent(EventStatus, runID, content)
}

// NewToolStatus builds a tool lifecycle status event (tool_started,
// tool_completed or tool_failed) correlated by tool call ID.
func NewToolStatus(runID, status, toolCallID, toolName string) Event {
	return newEvent(EventStatus, runID, map[string]any{
		"status":       status,
		"tool_call_id": toolCallID,
		"tool_name":    toolName,
	})
}

// NewToolResult builds the raw tool result event emitted between the
// tool_started and tool_completed/tool_failed markers.
func NewToolResult(runID, toolCallID, toolName string, data any) Event {
	return newEvent(EventToolResult, runID, map[string]any{
		ContentToolResultData: data,
		"tool_call_id":        toolCallID,
		"tool_name":           toolName,
	})
}

// NewAssistantMessageUpdate builds a progress line event.
func NewAssistantMessageUpdate(runID, text string) Event {
	return newEvent(EventAssistantMessageUpdate, runID, map[string]any{
		"content": text,
	})
}

// NewAssistantTextChunk builds an incremental assistant text event.
func NewAssistantTextChunk(runID, text string) Event {
	return newEvent(EventAssistantTextChunk, runID, map[string]any{
		"content": text,
	})
}

func newEvent(t EventType, runID string, content map[string]any) Event {
	return Event{
		Type:     t,
		Content:  content,
		Metadata: map[string]any{MetadataThreadRunID: runID},
	}
}

// Status returns the status value of a status event and true, or "" and
// false for non-status events and malformed content.
func (e Event) Status() (string, bool) {
	if e.Type != EventStatus {
		return "", false
	}
	s, ok := e.Content["status"].(string)
	return s, ok
}

// TerminalStatus returns the terminal status carried by the event and true,
// or "" and false when the event is not a terminal status event. Only
// completed, failed and stopped are terminal; markers such as
// thread_run_end are not.
func (e Event) TerminalStatus() (string, bool) {
	s, ok := e.Status()
	if !ok {
		return "", false
	}
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return s, true
	}
	return "", false
}

// RunID returns the thread_run_id stamped in the event metadata.
func (e Event) RunID() string {
	id, _ := e.Metadata[MetadataThreadRunID].(string)
	return id
}

// Marshal encodes the event to its canonical JSON wire form.
func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return b, nil
}

// Unmarshal decodes an event from its JSON wire form.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}
