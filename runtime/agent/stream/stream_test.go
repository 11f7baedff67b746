package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatusCarriesRunIDAndMessage(t *testing.T) {
	e := NewStatus("run-1", StatusError, "model call failed")
	assert.Equal(t, EventStatus, e.Type)
	assert.Equal(t, "run-1", e.RunID())

	s, ok := e.Status()
	require.True(t, ok)
	assert.Equal(t, StatusError, s)
	assert.Equal(t, "model call failed", e.Content["message"])

	// No message, no message key.
	bare := NewStatus("run-1", StatusThreadRunStart, "")
	_, present := bare.Content["message"]
	assert.False(t, present)
}

func TestStatusOnNonStatusEvents(t *testing.T) {
	chunk := NewAssistantTextChunk("run-1", "hello")
	_, ok := chunk.Status()
	assert.False(t, ok)
	_, ok = chunk.TerminalStatus()
	assert.False(t, ok)
}

func TestTerminalStatus(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusStopped} {
		got, ok := NewStatus("run-1", s, "").TerminalStatus()
		require.True(t, ok, "status %q", s)
		assert.Equal(t, s, got)
	}
	// Lifecycle markers do not end the stream, including thread_run_end,
	// which follows the terminal event.
	for _, s := range []string{
		StatusThreadRunStart, StatusPlanExecutionEnd, StatusFinish,
		StatusError, StatusThreadRunEnd,
	} {
		_, ok := NewStatus("run-1", s, "").TerminalStatus()
		assert.False(t, ok, "status %q", s)
	}
}

func TestToolEventsCorrelateByCallID(t *testing.T) {
	started := NewToolStatus("run-1", StatusToolStarted, "call-7", "ShellTool__run")
	s, ok := started.Status()
	require.True(t, ok)
	assert.Equal(t, StatusToolStarted, s)
	assert.Equal(t, "call-7", started.Content["tool_call_id"])
	assert.Equal(t, "ShellTool__run", started.Content["tool_name"])

	result := NewToolResult("run-1", "call-7", "ShellTool__run", map[string]any{"stdout": "ok"})
	assert.Equal(t, EventToolResult, result.Type)
	assert.Equal(t, "call-7", result.Content["tool_call_id"])
	data, ok := result.Content[ContentToolResultData].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", data["stdout"])
}

func TestWireRoundTrip(t *testing.T) {
	e := NewToolStatus("run-9", StatusToolCompleted, "call-1", "EchoTool__say")
	b, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, "run-9", got.RunID())
	s, ok := got.Status()
	require.True(t, ok)
	assert.Equal(t, StatusToolCompleted, s)

	_, err = Unmarshal([]byte("{not json"))
	require.Error(t, err)
}
