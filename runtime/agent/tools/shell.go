package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
)

// Shell tool identifiers.
const (
	ShellToolName   = "ShellTool"
	ShellRunMethod  = "run"
	shellMaxTimeout = sandbox.ScriptExecTimeout
)

// ShellRunIdent is the fully qualified shell-run identifier.
var ShellRunIdent = NewIdent(ShellToolName, ShellRunMethod)

// ShellTool executes shell commands inside the run's sandbox session. The
// coordinator binds one per run.
type ShellTool struct {
	session sandbox.Session
}

var _ Tool = (*ShellTool)(nil)

// NewShellTool binds a shell tool to the given sandbox session.
func NewShellTool(session sandbox.Session) (*ShellTool, error) {
	if session == nil {
		return nil, errors.New("sandbox session is required")
	}
	return &ShellTool{session: session}, nil
}

// Name returns the tool id.
func (*ShellTool) Name() string { return ShellToolName }

// Schemas describes the single run method.
func (*ShellTool) Schemas() []MethodSchema {
	return []MethodSchema{{
		MethodName: ShellRunMethod,
		Description: "Run a shell command in the workspace and return its stdout, " +
			"stderr, and exit code. Commands run under " + sandbox.WorkspacePath + ".",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cmd": map[string]any{
					"type":        "string",
					"description": "The shell command to execute.",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Optional timeout in seconds. Defaults to 60, capped at 300.",
					"minimum":     1,
					"maximum":     300,
				},
			},
			"required": []any{"cmd"},
		},
		XML: &XMLSchema{
			TagName: "shell",
			Mappings: []XMLMapping{
				{ParamName: "cmd", NodeType: "content"},
				{ParamName: "timeout", NodeType: "attribute", Path: "timeout"},
			},
			Example: `<shell timeout="120">python3 main.py</shell>`,
		},
	}}
}

// Invoke runs the command through the sandbox session. A non-zero exit code
// is an invocation failure so the executor fails the subtask.
func (t *ShellTool) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	if method != ShellRunMethod {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	cmd, _ := params["cmd"].(string)
	if cmd == "" {
		return nil, errors.New("cmd is required")
	}
	timeout := sandbox.DefaultExecTimeout
	if secs, ok := params["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > shellMaxTimeout {
			timeout = shellMaxTimeout
		}
	}
	res, err := t.session.Exec(ctx, cmd, sandbox.WithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", cmd, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("command exited with code %d: %s", res.ExitCode, res.Stderr)
	}
	return map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	}, nil
}
