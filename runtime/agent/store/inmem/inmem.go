// Package inmem provides in-memory implementations of the store ports for
// tests and single-process deployments.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
	"github.com/lodestar-ai/lodestar/runtime/agent/store"
)

// Store holds every table in process-local maps. The port views returned by
// Runs, Threads, Projects, and Messages share the same data and mutex.
type Store struct {
	mu       sync.Mutex
	runs     map[string]*run.Run
	threads  map[string]*store.Thread
	projects map[string]*store.Project
	messages map[string][]*store.Message

	// FailFinalizes forces the next n Finalize calls to fail, for
	// retry-path tests.
	FailFinalizes int
}

type (
	runsView     struct{ s *Store }
	threadsView  struct{ s *Store }
	projectsView struct{ s *Store }
	messagesView struct{ s *Store }
)

var (
	_ store.Runs     = runsView{}
	_ store.Threads  = threadsView{}
	_ store.Projects = projectsView{}
	_ store.Messages = messagesView{}
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		runs:     make(map[string]*run.Run),
		threads:  make(map[string]*store.Thread),
		projects: make(map[string]*store.Project),
		messages: make(map[string][]*store.Message),
	}
}

// Runs returns the Runs port view.
func (s *Store) Runs() store.Runs { return runsView{s} }

// Threads returns the Threads port view.
func (s *Store) Threads() store.Threads { return threadsView{s} }

// Projects returns the Projects port view.
func (s *Store) Projects() store.Projects { return projectsView{s} }

// Messages returns the Messages port view.
func (s *Store) Messages() store.Messages { return messagesView{s} }

func (v runsView) Insert(ctx context.Context, r *run.Run) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, exists := v.s.runs[r.ID]; exists {
		return fmt.Errorf("run %s: %w", r.ID, store.ErrConflict)
	}
	v.s.runs[r.ID] = cloneRun(r)
	return nil
}

func (v runsView) Get(ctx context.Context, runID string) (*run.Run, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return cloneRun(r), nil
}

func (v runsView) ListByThread(ctx context.Context, threadID string) ([]*run.Run, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*run.Run
	for _, r := range v.s.runs {
		if r.ThreadID == threadID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (v runsView) RunningByProject(ctx context.Context, projectID string) ([]*run.Run, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*run.Run
	for _, r := range v.s.runs {
		if r.Status != run.StatusRunning {
			continue
		}
		if t, ok := v.s.threads[r.ThreadID]; ok && t.ProjectID == projectID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (v runsView) Finalize(ctx context.Context, runID string, status run.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.FailFinalizes > 0 {
		v.s.FailFinalizes--
		return fmt.Errorf("finalize %s: forced failure", runID)
	}
	r, ok := v.s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if r.Status.Terminal() {
		return fmt.Errorf("run %s: %w", runID, run.ErrAlreadyTerminal)
	}
	r.Status = status
	r.Error = errMsg
	r.CompletedAt = &completedAt
	r.Responses = cloneResponses(responses)
	return nil
}

func (v threadsView) Insert(ctx context.Context, t *store.Thread) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, exists := v.s.threads[t.ThreadID]; exists {
		return fmt.Errorf("thread %s: %w", t.ThreadID, store.ErrConflict)
	}
	cp := *t
	v.s.threads[t.ThreadID] = &cp
	return nil
}

func (v threadsView) Get(ctx context.Context, threadID string) (*store.Thread, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	t, ok := v.s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (v projectsView) Insert(ctx context.Context, p *store.Project) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, exists := v.s.projects[p.ProjectID]; exists {
		return fmt.Errorf("project %s: %w", p.ProjectID, store.ErrConflict)
	}
	v.s.projects[p.ProjectID] = cloneProject(p)
	return nil
}

func (v projectsView) Get(ctx context.Context, projectID string) (*store.Project, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	p, ok := v.s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	return cloneProject(p), nil
}

func (v projectsView) SetName(ctx context.Context, projectID, name string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	p, ok := v.s.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	p.Name = name
	return nil
}

func (v projectsView) SetSandbox(ctx context.Context, projectID string, info *sandbox.Info) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	p, ok := v.s.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	if info == nil {
		p.Sandbox = nil
		return nil
	}
	cp := *info
	p.Sandbox = &cp
	return nil
}

func (v messagesView) Insert(ctx context.Context, m *store.Message) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cp := *m
	cp.Content = append(json.RawMessage(nil), m.Content...)
	cp.Metadata = append(json.RawMessage(nil), m.Metadata...)
	v.s.messages[m.ThreadID] = append(v.s.messages[m.ThreadID], &cp)
	return nil
}

func (v messagesView) ListByThread(ctx context.Context, threadID string) ([]*store.Message, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	msgs := v.s.messages[threadID]
	out := make([]*store.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (v messagesView) FirstUserMessage(ctx context.Context, threadID string) (*store.Message, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, m := range v.s.messages[threadID] {
		if m.Type == store.MessageTypeUser {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("thread %s first user message: %w", threadID, store.ErrNotFound)
}

func cloneRun(r *run.Run) *run.Run {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Responses = cloneResponses(r.Responses)
	return &cp
}

func cloneResponses(responses []json.RawMessage) []json.RawMessage {
	if responses == nil {
		return nil
	}
	out := make([]json.RawMessage, len(responses))
	for i, r := range responses {
		out[i] = append(json.RawMessage(nil), r...)
	}
	return out
}

func cloneProject(p *store.Project) *store.Project {
	cp := *p
	if p.Sandbox != nil {
		sb := *p.Sandbox
		cp.Sandbox = &sb
	}
	return &cp
}
