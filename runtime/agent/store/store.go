// Package store defines the relational persistence ports for runs, threads,
// projects, and messages. The postgres backend lives under
// features/store/postgres; inmem backs tests and single-process deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotFound reports an unknown id.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports an insert with an existing id.
	ErrConflict = errors.New("store: conflict")
)

type (
	// Runs persists run rows. Terminal statuses are write-once: Finalize on
	// an already-terminal row returns run.ErrAlreadyTerminal and leaves the
	// row unchanged.
	Runs interface {
		// Insert stores a new run row; ErrConflict when the id exists.
		Insert(ctx context.Context, r *run.Run) error
		// Get returns the run or ErrNotFound.
		Get(ctx context.Context, runID string) (*run.Run, error)
		// ListByThread returns the thread's runs, most recent first.
		ListByThread(ctx context.Context, threadID string) ([]*run.Run, error)
		// RunningByProject returns runs with status running whose thread
		// belongs to the project.
		RunningByProject(ctx context.Context, projectID string) ([]*run.Run, error)
		// Finalize writes the terminal status, error, completion time, and
		// the materialized response snapshot.
		Finalize(ctx context.Context, runID string, status run.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) error
	}

	// Threads persists thread rows.
	Threads interface {
		Insert(ctx context.Context, t *Thread) error
		Get(ctx context.Context, threadID string) (*Thread, error)
	}

	// Projects persists project rows, including the sandbox descriptor blob.
	Projects interface {
		Insert(ctx context.Context, p *Project) error
		Get(ctx context.Context, projectID string) (*Project, error)
		// SetName renames the project (detached naming task).
		SetName(ctx context.Context, projectID, name string) error
		// SetSandbox replaces the sandbox descriptor.
		SetSandbox(ctx context.Context, projectID string, info *sandbox.Info) error
	}

	// Messages persists conversation messages.
	Messages interface {
		Insert(ctx context.Context, m *Message) error
		// ListByThread returns the thread's messages oldest first.
		ListByThread(ctx context.Context, threadID string) ([]*Message, error)
		// FirstUserMessage returns the oldest message of type "user" in the
		// thread, or ErrNotFound.
		FirstUserMessage(ctx context.Context, threadID string) (*Message, error)
	}

	// Thread groups the runs and messages of one conversation.
	Thread struct {
		ThreadID  string    `json:"thread_id"`
		ProjectID string    `json:"project_id"`
		AccountID string    `json:"account_id"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Project owns the sandbox and is named by the detached naming task.
	Project struct {
		ProjectID string        `json:"project_id"`
		AccountID string        `json:"account_id"`
		Name      string        `json:"name"`
		Sandbox   *sandbox.Info `json:"sandbox,omitempty"`
		CreatedAt time.Time     `json:"created_at"`
	}

	// Message is one conversation entry. Content and Metadata are opaque
	// JSON documents.
	Message struct {
		MessageID    string          `json:"message_id"`
		ThreadID     string          `json:"thread_id"`
		Type         string          `json:"type"`
		IsLLMMessage bool            `json:"is_llm_message"`
		Content      json.RawMessage `json:"content"`
		Metadata     json.RawMessage `json:"metadata,omitempty"`
		CreatedAt    time.Time       `json:"created_at"`
	}
)

// Message types used by the control plane and coordinator.
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
)

// NewUserMessageContent renders the canonical user message content document.
func NewUserMessageContent(text string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"role": "user", "content": text})
}

// TextContent extracts the "content" field from the message document. Plain
// string documents are returned verbatim.
func (m *Message) TextContent() string {
	if len(m.Content) == 0 {
		return ""
	}
	var doc struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(m.Content, &doc); err == nil && doc.Content != "" {
		return doc.Content
	}
	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return plain
	}
	return ""
}
