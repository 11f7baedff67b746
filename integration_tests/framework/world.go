package framework

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/lodestar/controlplane"
	brokermem "github.com/lodestar-ai/lodestar/runtime/agent/broker/inmem"
	"github.com/lodestar-ai/lodestar/runtime/agent/coordinator"
	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	regmem "github.com/lodestar-ai/lodestar/runtime/agent/registry/inmem"
	logmem "github.com/lodestar-ai/lodestar/runtime/agent/runlog/inmem"
	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
	sandboxmem "github.com/lodestar-ai/lodestar/runtime/agent/sandbox/inmem"
	storemem "github.com/lodestar-ai/lodestar/runtime/agent/store/inmem"
	"github.com/lodestar-ai/lodestar/runtime/agent/task"
	taskmem "github.com/lodestar-ai/lodestar/runtime/agent/task/inmem"
	"github.com/lodestar-ai/lodestar/server"
)

// Account is the account every scenario authenticates as unless a step says
// otherwise.
const Account = "acct-e2e"

// OtherAccount is a second account for authorization scenarios.
const OtherAccount = "acct-other"

// Model profiles script the model client and the sandbox command handlers
// for a scenario.
const (
	// ProfileSingleEcho plans one echo subtask and completes it.
	ProfileSingleEcho = "single-echo"
	// ProfileFailingTool plans one subtask whose command exits non-zero.
	ProfileFailingTool = "failing-tool"
	// ProfileProsePlan answers planning with prose, so planning fails.
	ProfileProsePlan = "prose-plan"
	// ProfileStopMidRun plans two subtasks; the first one stops the run
	// through the HTTP API while it executes.
	ProfileStopMidRun = "stop-mid-run"
	// ProfileFanInPlan plans two independent subtasks and a third that
	// depends on both.
	ProfileFanInPlan = "fan-in-plan"
)

// World is a full deployment in one process: the HTTP API over in-memory
// backends, and a worker coordinator consuming from the in-memory broker.
type World struct {
	Store     *storemem.Store
	Log       *logmem.Log
	Registry  *regmem.Registry
	Broker    *brokermem.Broker
	Sandboxes *sandboxmem.Provider
	Tokens    *server.Tokens
	Service   *controlplane.Service
	TS        *httptest.Server

	mu         sync.Mutex
	currentRun string
}

// NewWorld builds the in-process deployment with the named model profile and
// registers its teardown with t.Cleanup.
func NewWorld(t *testing.T, profile string) *World {
	t.Helper()
	w := &World{
		Store:     storemem.NewStore(),
		Log:       logmem.New(),
		Registry:  regmem.New(),
		Broker:    brokermem.NewBroker(),
		Sandboxes: sandboxmem.NewProvider(),
	}

	resolver, err := model.NewResolver(model.ResolverOptions{DefaultModel: "sonnet"})
	require.NoError(t, err)
	svc, err := controlplane.New(controlplane.Options{
		InstanceID: "e2e-api",
		Runs:       w.Store.Runs(),
		Threads:    w.Store.Threads(),
		Projects:   w.Store.Projects(),
		Messages:   w.Store.Messages(),
		Log:        w.Log,
		Registry:   w.Registry,
		Broker:     w.Broker,
		Sandboxes:  w.Sandboxes,
		Resolver:   resolver,
	})
	require.NoError(t, err)
	w.Service = svc

	tokens, err := server.NewTokens("e2e-secret", time.Hour)
	require.NoError(t, err)
	w.Tokens = tokens

	srv, err := server.New(server.Options{Service: svc, Tokens: tokens})
	require.NoError(t, err)
	w.TS = httptest.NewServer(srv)
	t.Cleanup(w.TS.Close)

	client, err := w.applyProfile(profile)
	require.NoError(t, err)

	coord, err := coordinator.New(coordinator.Options{
		InstanceID:      "e2e-worker",
		Runs:            w.Store.Runs(),
		Messages:        w.Store.Messages(),
		Projects:        w.Store.Projects(),
		Log:             w.Log,
		Registry:        w.Registry,
		Sandboxes:       w.Sandboxes,
		Model:           client,
		TaskStores:      func() task.Store { return taskmem.NewStore() },
		FinalizeBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, w.Broker.Subscribe(context.Background(), coord.Handler()))
	t.Cleanup(func() { _ = w.Broker.Close(context.Background()) })
	return w
}

// SetCurrentRun records the run a scenario is driving, for profile handlers
// that act on it mid-flight.
func (w *World) SetCurrentRun(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentRun = runID
}

// CurrentRun returns the run recorded by SetCurrentRun.
func (w *World) CurrentRun() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentRun
}

// StopCurrentRun stops the scenario's run through the HTTP API, the way an
// operator would. The runner records the run id only once the initiate
// response is decoded, which can trail the worker's first tool execution on
// busy schedulers, so an unset id is polled for briefly before giving up.
func (w *World) StopCurrentRun() error {
	runID := w.CurrentRun()
	for deadline := time.Now().Add(eventuallyTimeout); runID == ""; runID = w.CurrentRun() {
		if time.Now().After(deadline) {
			return errors.New("no current run to stop")
		}
		time.Sleep(time.Millisecond)
	}
	token, err := w.Tokens.Mint(Account)
	if err != nil {
		return fmt.Errorf("mint stop token: %w", err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		w.TS.URL+"/api/agent-run/"+runID+"/stop", http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := w.TS.Client().Do(req)
	if err != nil {
		return fmt.Errorf("stop run %s: %w", runID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stop run %s: status %d", runID, resp.StatusCode)
	}
	return nil
}

// scriptedClient is a model.Client driven by a response function.
type scriptedClient struct {
	respond func(req *model.Request) (*model.Response, error)
}

func (c *scriptedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return c.respond(req)
}

// respondWith answers planning requests with plan and parameter synthesis
// requests with the params mapped from the tool named in the prompt. Every
// response reports a fixed token usage so terminal events carry totals.
func respondWith(plan string, params map[string]string) func(*model.Request) (*model.Response, error) {
	return func(req *model.Request) (*model.Response, error) {
		resp := &model.Response{Usage: model.TokenUsage{InputTokens: 40, OutputTokens: 9}}
		system := req.Messages[0].Content
		if strings.Contains(system, "planning assistant") {
			resp.Content = plan
			return resp, nil
		}
		prompt := req.Messages[1].Content
		for ident, p := range params {
			if strings.Contains(prompt, ident) {
				resp.Content = p
				return resp, nil
			}
		}
		resp.Content = "{}"
		return resp, nil
	}
}

const echoPlan = `{"subtasks": [{"name": "echo", "description": "run echo", "assigned_tools": ["ShellTool__run"], "dependencies": []}]}`

const crashPlan = `{"subtasks": [{"name": "crash", "description": "run crash", "assigned_tools": ["ShellTool__run"], "dependencies": []}]}`

const twoStepPlan = `{"subtasks": [
	{"name": "first", "description": "one", "assigned_tools": ["ShellTool__run"], "dependencies": []},
	{"name": "second", "description": "two", "assigned_tools": ["ShellTool__run"], "dependencies": [0]}
]}`

const fanInPlan = `{"subtasks": [
	{"name": "first-leg", "description": "fetch the first half", "assigned_tools": ["ShellTool__run"], "dependencies": []},
	{"name": "second-leg", "description": "fetch the second half", "assigned_tools": ["ShellTool__run"], "dependencies": []},
	{"name": "merge", "description": "combine the halves", "assigned_tools": ["ShellTool__run"], "dependencies": [0, 1]}
]}`

// applyProfile registers the sandbox handlers for the named profile and
// returns its model client.
func (w *World) applyProfile(profile string) (model.Client, error) {
	if profile == "" {
		profile = ProfileSingleEcho
	}
	switch profile {
	case ProfileSingleEcho:
		w.Sandboxes.HandlePrefix("echo ", func(cmd string) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{Stdout: strings.TrimPrefix(cmd, "echo ") + "\n"}, nil
		})
		return &scriptedClient{respond: respondWith(echoPlan,
			map[string]string{"ShellTool__run": `{"cmd": "echo hello"}`})}, nil
	case ProfileFailingTool:
		w.Sandboxes.HandlePrefix("crash", func(string) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
		})
		return &scriptedClient{respond: respondWith(crashPlan,
			map[string]string{"ShellTool__run": `{"cmd": "crash now"}`})}, nil
	case ProfileProsePlan:
		return &scriptedClient{respond: func(*model.Request) (*model.Response, error) {
			return &model.Response{Content: "I would rather write prose than JSON."}, nil
		}}, nil
	case ProfileStopMidRun:
		w.Sandboxes.HandlePrefix("slow", func(string) (*sandbox.ExecResult, error) {
			if err := w.StopCurrentRun(); err != nil {
				return nil, err
			}
			return &sandbox.ExecResult{Stdout: "done\n"}, nil
		})
		return &scriptedClient{respond: respondWith(twoStepPlan,
			map[string]string{"ShellTool__run": `{"cmd": "slow"}`})}, nil
	case ProfileFanInPlan:
		w.Sandboxes.HandlePrefix("echo ", func(cmd string) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{Stdout: strings.TrimPrefix(cmd, "echo ") + "\n"}, nil
		})
		// Parameter synthesis prompts embed the subtask name, so each leg
		// resolves to its own command.
		return &scriptedClient{respond: respondWith(fanInPlan, map[string]string{
			"first-leg":  `{"cmd": "echo one"}`,
			"second-leg": `{"cmd": "echo two"}`,
			"merge":      `{"cmd": "echo merged"}`,
		})}, nil
	}
	return nil, fmt.Errorf("unknown model profile %q", profile)
}
