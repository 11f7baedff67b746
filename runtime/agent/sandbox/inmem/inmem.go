// Package inmem provides a scriptable in-memory sandbox for tests. Commands
// resolve through registered handlers; unmatched commands succeed with empty
// output so orchestration paths (cleanup, probes) run unscripted.
package inmem

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
)

type (
	// Provider is an in-memory sandbox.Provider.
	Provider struct {
		mu       sync.Mutex
		running  map[string]*Session
		stopped  map[string]bool
		handlers []handler
	}

	// Session is an in-memory sandbox.Session recording every call.
	Session struct {
		id       string
		provider *Provider

		mu       sync.Mutex
		commands []string
		uploads  map[string][]byte
	}

	handler struct {
		match func(cmd string) bool
		run   func(cmd string) (*sandbox.ExecResult, error)
	}
)

var (
	_ sandbox.Provider = (*Provider)(nil)
	_ sandbox.Session  = (*Session)(nil)
)

// NewProvider returns an empty in-memory provider.
func NewProvider() *Provider {
	return &Provider{
		running: make(map[string]*Session),
		stopped: make(map[string]bool),
	}
}

// Handle registers a command handler. Handlers are consulted in registration
// order; the first match wins.
func (p *Provider) Handle(match func(cmd string) bool, run func(cmd string) (*sandbox.ExecResult, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler{match: match, run: run})
}

// HandlePrefix registers a handler for commands starting with prefix.
func (p *Provider) HandlePrefix(prefix string, run func(cmd string) (*sandbox.ExecResult, error)) {
	p.Handle(func(cmd string) bool { return strings.HasPrefix(cmd, prefix) }, run)
}

// Create provisions a new in-memory sandbox descriptor.
func (p *Provider) Create(ctx context.Context, projectID string) (*sandbox.Info, error) {
	info := &sandbox.Info{
		ID:      uuid.NewString(),
		Pass:    uuid.NewString(),
		URL:     "inmem://" + projectID,
		IsLocal: true,
	}
	return info, nil
}

// GetOrStart returns the running session for info.ID, starting one if needed.
func (p *Provider) GetOrStart(ctx context.Context, info *sandbox.Info) (sandbox.Session, error) {
	if info == nil || info.ID == "" {
		return nil, sandbox.ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.running[info.ID]; ok {
		return s, nil
	}
	s := &Session{id: info.ID, provider: p, uploads: make(map[string][]byte)}
	p.running[info.ID] = s
	delete(p.stopped, info.ID)
	return s, nil
}

// Stop halts the sandbox. Unknown ids are ignored.
func (p *Provider) Stop(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, sandboxID)
	p.stopped[sandboxID] = true
	return nil
}

// Stopped reports whether Stop was called for sandboxID.
func (p *Provider) Stopped(sandboxID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped[sandboxID]
}

// ID returns the sandbox id.
func (s *Session) ID() string { return s.id }

// Exec records cmd and resolves it through the provider handlers.
func (s *Session) Exec(ctx context.Context, cmd string, opts ...sandbox.ExecOption) (*sandbox.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	s.provider.mu.Lock()
	handlers := make([]handler, len(s.provider.handlers))
	copy(handlers, s.provider.handlers)
	s.provider.mu.Unlock()

	for _, h := range handlers {
		if h.match(cmd) {
			return h.run(cmd)
		}
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

// Upload records contents under path.
func (s *Session) Upload(ctx context.Context, path string, contents []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[path] = append([]byte(nil), contents...)
	return nil
}

// Commands returns every command executed so far, in order.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Uploaded returns the content recorded for path, with a presence flag.
func (s *Session) Uploaded(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.uploads[path]
	return b, ok
}
