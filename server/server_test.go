package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/lodestar/controlplane"
	brokermem "github.com/lodestar-ai/lodestar/runtime/agent/broker/inmem"
	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	regmem "github.com/lodestar-ai/lodestar/runtime/agent/registry/inmem"
	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	logmem "github.com/lodestar-ai/lodestar/runtime/agent/runlog/inmem"
	sandboxmem "github.com/lodestar-ai/lodestar/runtime/agent/sandbox/inmem"
	"github.com/lodestar-ai/lodestar/runtime/agent/store"
	storemem "github.com/lodestar-ai/lodestar/runtime/agent/store/inmem"
)

const testAccount = "acct-1"

type world struct {
	store     *storemem.Store
	log       *logmem.Log
	registry  *regmem.Registry
	broker    *brokermem.Broker
	sandboxes *sandboxmem.Provider
	tokens    *Tokens
	svc       *controlplane.Service
	ts        *httptest.Server
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		store:     storemem.NewStore(),
		log:       logmem.New(),
		registry:  regmem.New(),
		broker:    brokermem.NewBroker(),
		sandboxes: sandboxmem.NewProvider(),
	}
	resolver, err := model.NewResolver(model.ResolverOptions{DefaultModel: "sonnet"})
	require.NoError(t, err)
	svc, err := controlplane.New(controlplane.Options{
		InstanceID: "api-1",
		Runs:       w.store.Runs(),
		Threads:    w.store.Threads(),
		Projects:   w.store.Projects(),
		Messages:   w.store.Messages(),
		Log:        w.log,
		Registry:   w.registry,
		Broker:     w.broker,
		Sandboxes:  w.sandboxes,
		Resolver:   resolver,
	})
	require.NoError(t, err)
	w.svc = svc

	tokens, err := NewTokens("test-secret", time.Hour)
	require.NoError(t, err)
	w.tokens = tokens

	srv, err := New(Options{Service: svc, Tokens: tokens})
	require.NoError(t, err)
	w.ts = httptest.NewServer(srv)
	t.Cleanup(w.ts.Close)
	t.Cleanup(func() { _ = w.broker.Close(context.Background()) })
	return w
}

func (w *world) bearer(t *testing.T, account string) string {
	t.Helper()
	token, err := w.tokens.Mint(account)
	require.NoError(t, err)
	return token
}

// request issues a request against the test server, authenticated as the
// given account. An empty account sends no Authorization header.
func (w *world) request(t *testing.T, method, path, account, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, w.ts.URL+path, body)
	require.NoError(t, err)
	if account != "" {
		req.Header.Set("Authorization", "Bearer "+w.bearer(t, account))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := w.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// seedThread creates a project with a sandbox and a thread on it, the state
// Initiate would have left behind.
func (w *world) seedThread(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	info, err := w.sandboxes.Create(ctx, "project-1")
	require.NoError(t, err)
	require.NoError(t, w.store.Projects().Insert(ctx, &store.Project{
		ProjectID: "project-1",
		AccountID: testAccount,
		Sandbox:   info,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, w.store.Threads().Insert(ctx, &store.Thread{
		ThreadID:  "thread-1",
		ProjectID: "project-1",
		AccountID: testAccount,
		CreatedAt: time.Now().UTC(),
	}))
	return "thread-1"
}

func (w *world) startRun(t *testing.T, threadID string) string {
	t.Helper()
	runID, err := w.svc.Start(context.Background(), threadID, controlplane.StartRequest{})
	require.NoError(t, err)
	return runID
}

func TestInitiateMultipart(t *testing.T) {
	w := newWorld(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", "build a weather dashboard"))
	require.NoError(t, mw.WriteField("model_name", "gpt-4o"))
	require.NoError(t, mw.WriteField("enable_thinking", "true"))
	require.NoError(t, mw.WriteField("stream", "true"))
	fw, err := mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("use celsius"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := w.request(t, http.MethodPost, "/api/agent/initiate", testAccount, mw.FormDataContentType(), &buf)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body initiateResponse
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.ThreadID)
	require.NotEmpty(t, body.RunID)

	ctx := context.Background()
	r, err := w.store.Runs().Get(ctx, body.RunID)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", r.ModelName)
	assert.True(t, r.Options.EnableThinking)
	assert.True(t, r.Options.Stream)
	assert.Equal(t, testAccount, r.AccountID)

	msg, err := w.store.Messages().FirstUserMessage(ctx, body.ThreadID)
	require.NoError(t, err)
	text := msg.TextContent()
	assert.Contains(t, text, "build a weather dashboard")
	assert.Contains(t, text, "[Uploaded File: /workspace/notes.txt]")
}

func TestInitiateMissingPrompt(t *testing.T) {
	w := newWorld(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model_name", "gpt-4o"))
	require.NoError(t, mw.Close())

	resp := w.request(t, http.MethodPost, "/api/agent/initiate", testAccount, mw.FormDataContentType(), &buf)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "prompt is required")
}

func TestInitiateRejectsBadOptionValue(t *testing.T) {
	w := newWorld(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", "hello"))
	require.NoError(t, mw.WriteField("enable_thinking", "banana"))
	require.NoError(t, mw.Close())

	resp := w.request(t, http.MethodPost, "/api/agent/initiate", testAccount, mw.FormDataContentType(), &buf)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "enable_thinking must be a boolean")
}

func TestRequestsRequireToken(t *testing.T) {
	w := newWorld(t)

	resp := w.request(t, http.MethodPost, "/api/agent/initiate", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, w.ts.URL+"/api/agent-run/some-run", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = w.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "invalid or expired token")
}

func TestStartRunOnThread(t *testing.T) {
	w := newWorld(t)
	threadID := w.seedThread(t)

	payload := strings.NewReader(`{"model_name": "gpt-4o", "stream": true, "reasoning_effort": "high"}`)
	resp := w.request(t, http.MethodPost, "/api/thread/"+threadID+"/agent/start", testAccount, "application/json", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body startResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "running", body.Status)
	require.NotEmpty(t, body.RunID)

	account, err := w.tokens.Verify(body.StreamToken)
	require.NoError(t, err)
	assert.Equal(t, testAccount, account)

	r, err := w.store.Runs().Get(context.Background(), body.RunID)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", r.ModelName)
	assert.True(t, r.Options.Stream)
	assert.Equal(t, model.EffortHigh, r.Options.ReasoningEffort)
}

func TestStartEmptyBodyUsesDefaults(t *testing.T) {
	w := newWorld(t)
	threadID := w.seedThread(t)

	resp := w.request(t, http.MethodPost, "/api/thread/"+threadID+"/agent/start", testAccount, "application/json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body startResponse
	decodeBody(t, resp, &body)

	r, err := w.store.Runs().Get(context.Background(), body.RunID)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", r.ModelName)
	assert.False(t, r.Options.EnableThinking)
}

func TestStartValidation(t *testing.T) {
	w := newWorld(t)
	threadID := w.seedThread(t)

	resp := w.request(t, http.MethodPost, "/api/thread/"+threadID+"/agent/start", testAccount,
		"application/json", strings.NewReader("{nope"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = w.request(t, http.MethodPost, "/api/thread/"+threadID+"/agent/start", testAccount,
		"application/json", strings.NewReader(`{"reasoning_effort": "turbo"}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "reasoning_effort")
}

func TestStartUnknownThread(t *testing.T) {
	w := newWorld(t)

	resp := w.request(t, http.MethodPost, "/api/thread/no-such-thread/agent/start", testAccount,
		"application/json", strings.NewReader("{}"))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "not found")
}

func TestStopRun(t *testing.T) {
	w := newWorld(t)
	runID := w.startRun(t, w.seedThread(t))

	resp := w.request(t, http.MethodPost, "/api/agent-run/"+runID+"/stop", testAccount, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body stopResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "stopped", body.Status)

	r, err := w.store.Runs().Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusStopped, r.Status)

	// Stopping again acknowledges without mutating.
	resp = w.request(t, http.MethodPost, "/api/agent-run/"+runID+"/stop", testAccount, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestStopUnknownRun(t *testing.T) {
	w := newWorld(t)

	resp := w.request(t, http.MethodPost, "/api/agent-run/no-such-run/stop", testAccount, "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "not found")
}

func TestGetRunShape(t *testing.T) {
	w := newWorld(t)
	threadID := w.seedThread(t)
	runID := w.startRun(t, threadID)

	resp := w.request(t, http.MethodGet, "/api/agent-run/"+runID, testAccount, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, runID, body["id"])
	assert.Equal(t, threadID, body["threadId"])
	assert.Equal(t, "running", body["status"])
	assert.NotEmpty(t, body["startedAt"])
	assert.Nil(t, body["completedAt"])
	assert.Equal(t, "", body["error"])
	assert.NotEmpty(t, body["stream_token"])

	require.NoError(t, w.svc.Stop(context.Background(), runID, ""))
	resp = w.request(t, http.MethodGet, "/api/agent-run/"+runID, testAccount, "", nil)
	var after map[string]any
	decodeBody(t, resp, &after)
	assert.Equal(t, "stopped", after["status"])
	assert.NotEmpty(t, after["completedAt"])
}

func TestListRunsMostRecentFirst(t *testing.T) {
	w := newWorld(t)
	threadID := w.seedThread(t)
	first := w.startRun(t, threadID)
	second := w.startRun(t, threadID)

	resp := w.request(t, http.MethodGet, "/api/thread/"+threadID+"/agent-runs", testAccount, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body listResponse
	decodeBody(t, resp, &body)
	require.Len(t, body.AgentRuns, 2)
	assert.Equal(t, second, body.AgentRuns[0].ID)
	assert.Equal(t, "running", body.AgentRuns[0].Status)
	assert.Equal(t, first, body.AgentRuns[1].ID)
	assert.Equal(t, "stopped", body.AgentRuns[1].Status, "starting again stops the previous run")
}

func TestListUnknownThread(t *testing.T) {
	w := newWorld(t)

	resp := w.request(t, http.MethodGet, "/api/thread/no-such-thread/agent-runs", testAccount, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestNewValidatesOptions(t *testing.T) {
	w := newWorld(t)

	_, err := New(Options{Tokens: w.tokens})
	require.EqualError(t, err, "control plane service is required")

	_, err = New(Options{Service: w.svc})
	require.EqualError(t, err, "token signer is required")
}
