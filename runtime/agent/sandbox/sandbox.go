// Package sandbox defines the execution sandbox contract. Each project owns
// one sandbox; runs obtain a session bound to it and execute tool commands
// inside. The docker backend lives under features/sandbox/docker; inmem
// provides a scriptable fake for tests.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// WorkspacePath is the working directory inside every sandbox. Uploads land
// under it and cleanup at run termination is scoped to it.
const WorkspacePath = "/workspace"

// Exec timeouts. Orchestration commands (directory listings, cleanup) use the
// default; user scripts get the longer bound.
const (
	DefaultExecTimeout = 60 * time.Second
	ScriptExecTimeout  = 300 * time.Second
)

// ErrNotFound reports an unknown sandbox id.
var ErrNotFound = errors.New("sandbox: not found")

type (
	// Provider creates and manages project sandboxes.
	Provider interface {
		// Create provisions a sandbox for a new project and returns its
		// descriptor.
		Create(ctx context.Context, projectID string) (*Info, error)
		// GetOrStart returns a session bound to the described sandbox,
		// starting the sandbox first if it is not running.
		GetOrStart(ctx context.Context, info *Info) (Session, error)
		// Stop halts the sandbox. Stopping an already-stopped or unknown
		// sandbox is not an error.
		Stop(ctx context.Context, sandboxID string) error
	}

	// Session executes commands and uploads files inside a running sandbox.
	Session interface {
		// ID returns the sandbox id the session is bound to.
		ID() string
		// Exec runs cmd through the sandbox shell and returns its outcome.
		// A non-zero exit code is reported in the result, not as an error;
		// errors mean the command could not be run at all.
		Exec(ctx context.Context, cmd string, opts ...ExecOption) (*ExecResult, error)
		// Upload writes contents to path inside the sandbox, creating
		// parent directories as needed.
		Upload(ctx context.Context, path string, contents []byte) error
	}

	// Info describes a provisioned sandbox. It is persisted verbatim in the
	// project row's sandbox blob.
	Info struct {
		ID         string `json:"id"`
		Pass       string `json:"pass"`
		VNCPreview string `json:"vnc_preview"`
		URL        string `json:"sandbox_url"`
		Token      string `json:"token"`
		IsLocal    bool   `json:"is_local"`
	}

	// ExecResult is the outcome of one command.
	ExecResult struct {
		ExitCode int
		Stdout   string
		Stderr   string
	}

	// ExecOption adjusts a single Exec call.
	ExecOption func(*ExecConfig)

	// ExecConfig is the resolved per-call settings. Backends read it after
	// applying options.
	ExecConfig struct {
		Timeout time.Duration
		Workdir string
	}
)

// WithTimeout bounds the command run time. Zero or negative values keep the
// default.
func WithTimeout(d time.Duration) ExecOption {
	return func(c *ExecConfig) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithWorkdir sets the command working directory inside the sandbox.
func WithWorkdir(dir string) ExecOption {
	return func(c *ExecConfig) {
		if dir != "" {
			c.Workdir = dir
		}
	}
}

// NewExecConfig applies opts over the defaults (DefaultExecTimeout,
// WorkspacePath).
func NewExecConfig(opts ...ExecOption) ExecConfig {
	cfg := ExecConfig{Timeout: DefaultExecTimeout, Workdir: WorkspacePath}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return cfg
}

// CleanupCommands are run under WorkspacePath when a run terminates. They
// remove temp files and empty directories. Non-zero exits are logged and
// ignored.
var CleanupCommands = []string{
	"find /workspace -name '*.tmp' -type f -delete",
	"find /workspace -name '__pycache__' -type d -exec rm -rf {} +",
	"find /workspace -mindepth 1 -type d -empty -delete",
}
