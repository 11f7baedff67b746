// Package framework drives end-to-end scenarios against an in-process
// deployment of the run lifecycle: the HTTP API in front of the control
// plane, in-memory backends behind it, and a worker coordinator consuming
// broker jobs with a scripted model. Scenarios are declared in YAML and
// exercise the same wire surface a production client sees.
package framework

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
)

// defaultStreamTimeout bounds how long a stream step waits for the server to
// close the event stream.
const defaultStreamTimeout = 10 * time.Second

// eventuallyTimeout bounds how long an eventually expectation polls. Runs
// finalize within microseconds in-process; the slack covers scheduler noise.
const eventuallyTimeout = 5 * time.Second

type (
	// Scenario is one named sequence of API steps sharing a world.
	Scenario struct {
		Name  string `yaml:"name"`
		Model string `yaml:"model"`
		Steps []Step `yaml:"steps"`
	}

	// Step invokes one API operation and checks its outcome.
	Step struct {
		Name  string         `yaml:"name"`
		Op    string         `yaml:"op"`   // Initiate | Start | Stop | Get | List | Stream
		Auth  string         `yaml:"auth"` // "" (scenario account) | none | other
		Input map[string]any `yaml:"input"`

		Expect       *Expect       `yaml:"expect"`
		StreamExpect *StreamExpect `yaml:"streamExpect"`
	}

	// Expect describes a non-streaming response.
	Expect struct {
		Status     string         `yaml:"status"`      // success (default) | error
		HTTPStatus int            `yaml:"http_status"` // exact code when set
		Error      string         `yaml:"error"`       // substring of the error body
		Result     map[string]any `yaml:"result"`      // subset; "*" means present
		Eventually bool           `yaml:"eventually"`  // poll Get and List until the subset matches
	}

	// StreamExpect describes the captured event stream.
	StreamExpect struct {
		TimeoutMS int            `yaml:"timeout_ms"`
		Terminal  string         `yaml:"terminal"` // required status of the first terminal event
		First     *EventMatcher  `yaml:"first"`    // must match the very first event when set
		Sequence  []EventMatcher `yaml:"sequence"` // must appear in order, gaps allowed
		Absent    []EventMatcher `yaml:"absent"`   // must not appear at all
	}

	// EventMatcher matches one response event. Empty fields match anything.
	EventMatcher struct {
		Type     string         `yaml:"type"`
		Status   string         `yaml:"status"`
		Content  map[string]any `yaml:"content"`
		Metadata map[string]any `yaml:"metadata"`
	}

	scenariosFile struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}
)

// LoadScenarios loads scenarios from a YAML file path.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- test helper reads a scenarios file from the repo
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	var f scenariosFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	return f.Scenarios, nil
}

// Runner executes one scenario's steps against a world, carrying the thread
// and run ids from step to step the way a client session would.
type Runner struct {
	world    *World
	threadID string
	runID    string
}

// NewRunner returns a runner bound to the world.
func NewRunner(w *World) *Runner {
	return &Runner{world: w}
}

// Run executes the scenario's steps in order. Steps share runner state, so a
// failed step aborts the scenario.
func (r *Runner) Run(t *testing.T, sc Scenario) {
	t.Helper()
	for _, st := range sc.Steps {
		name := st.Name
		if name == "" {
			name = st.Op
		}
		switch st.Op {
		case "Initiate":
			r.runInitiate(t, name, st)
		case "Start":
			r.runStart(t, name, st)
		case "Stop":
			r.runJSON(t, name, st, http.MethodPost, "/api/agent-run/"+r.runID+"/stop", nil)
		case "Get":
			r.runJSON(t, name, st, http.MethodGet, "/api/agent-run/"+r.runID, nil)
		case "List":
			r.runJSON(t, name, st, http.MethodGet, "/api/thread/"+r.threadID+"/agent-runs", nil)
		case "Stream":
			r.runStream(t, name, st)
		default:
			t.Fatalf("step %s: unknown op %q", name, st.Op)
		}
	}
}

// token returns the bearer token for the step's auth mode, or "" for none.
func (r *Runner) token(t *testing.T, auth string) string {
	t.Helper()
	account := Account
	switch auth {
	case "none":
		return ""
	case "other":
		account = OtherAccount
	}
	token, err := r.world.Tokens.Mint(account)
	require.NoError(t, err)
	return token
}

func (r *Runner) do(t *testing.T, st Step, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, r.world.TS.URL+path, body)
	require.NoError(t, err)
	if token := r.token(t, st.Auth); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := r.world.TS.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// runInitiate posts the multipart initiate form and captures the thread and
// run ids on success.
func (r *Runner) runInitiate(t *testing.T, name string, st Step) {
	t.Helper()
	body, contentType, err := multipartForm(st.Input)
	require.NoError(t, err, "step %s", name)
	resp := r.do(t, st, http.MethodPost, "/api/agent/initiate", contentType, body)
	result := r.checkResponse(t, name, st.Expect, resp)
	if result == nil {
		return
	}
	if id, ok := result["thread_id"].(string); ok {
		r.threadID = id
	}
	if id, ok := result["agent_run_id"].(string); ok {
		r.runID = id
		r.world.SetCurrentRun(id)
	}
}

// runStart posts the JSON start body against the captured thread and adopts
// the new run id.
func (r *Runner) runStart(t *testing.T, name string, st Step) {
	t.Helper()
	payload := []byte("{}")
	if st.Input != nil {
		var err error
		payload, err = json.Marshal(st.Input)
		require.NoError(t, err, "step %s", name)
	}
	resp := r.do(t, st, http.MethodPost, "/api/thread/"+r.threadID+"/agent/start",
		"application/json", bytes.NewReader(payload))
	result := r.checkResponse(t, name, st.Expect, resp)
	if result == nil {
		return
	}
	if id, ok := result["agent_run_id"].(string); ok {
		r.runID = id
		r.world.SetCurrentRun(id)
	}
}

// runJSON performs a bodyless JSON operation, polling when the expectation
// says eventually.
func (r *Runner) runJSON(t *testing.T, name string, st Step, method, path string, body io.Reader) {
	t.Helper()
	if st.Expect != nil && st.Expect.Eventually {
		r.checkEventually(t, name, st, method, path)
		return
	}
	resp := r.do(t, st, method, path, "", body)
	r.checkResponse(t, name, st.Expect, resp)
}

// checkEventually re-issues the request until the expected subset matches or
// the deadline passes. Terminal row writes trail the terminal event by one
// scheduler beat, so expectations on a just-streamed run poll.
func (r *Runner) checkEventually(t *testing.T, name string, st Step, method, path string) {
	t.Helper()
	deadline := time.Now().Add(eventuallyTimeout)
	var last map[string]any
	for {
		resp := r.do(t, st, method, path, "", nil)
		result, ok := decodeJSON(t, resp)
		last = result
		if ok && resp.StatusCode == http.StatusOK && matchSubset(result, st.Expect.Result) {
			return
		}
		if time.Now().After(deadline) {
			require.Failf(t, "eventually expectation not met",
				"step %s: want subset %v, last response %v", name, st.Expect.Result, last)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// checkResponse validates status and body against the expectation and
// returns the decoded body for captures, or nil on an error expectation.
func (r *Runner) checkResponse(t *testing.T, name string, exp *Expect, resp *http.Response) map[string]any {
	t.Helper()
	result, _ := decodeJSON(t, resp)

	if exp != nil && exp.Status == "error" {
		if exp.HTTPStatus != 0 {
			assert.Equal(t, exp.HTTPStatus, resp.StatusCode, "step %s: body %v", name, result)
		} else {
			assert.GreaterOrEqual(t, resp.StatusCode, 400, "step %s: body %v", name, result)
		}
		if exp.Error != "" {
			msg, _ := result["error"].(string)
			assert.Contains(t, msg, exp.Error, "step %s", name)
		}
		return nil
	}

	wantStatus := http.StatusOK
	if exp != nil && exp.HTTPStatus != 0 {
		wantStatus = exp.HTTPStatus
	}
	require.Equal(t, wantStatus, resp.StatusCode, "step %s: body %v", name, result)
	if exp != nil && exp.Result != nil {
		require.True(t, matchSubset(result, exp.Result),
			"step %s: want subset %v, got %v", name, exp.Result, result)
	}
	return result
}

func decodeJSON(t *testing.T, resp *http.Response) (map[string]any, bool) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

// runStream attaches to the run's SSE endpoint and validates the captured
// events. The server closes the stream after the terminal event, so the
// reader runs to EOF under a deadline.
func (r *Runner) runStream(t *testing.T, name string, st Step) {
	t.Helper()
	timeout := defaultStreamTimeout
	if st.StreamExpect != nil && st.StreamExpect.TimeoutMS > 0 {
		timeout = time.Duration(st.StreamExpect.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	url := r.world.TS.URL + "/api/agent-run/" + r.runID + "/stream"
	if token := r.token(t, st.Auth); token != "" {
		url += "?token=" + token
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	resp, err := r.world.TS.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if st.Expect != nil && st.Expect.Status == "error" {
		if st.Expect.HTTPStatus != 0 {
			assert.Equal(t, st.Expect.HTTPStatus, resp.StatusCode, "step %s", name)
		} else {
			assert.GreaterOrEqual(t, resp.StatusCode, 400, "step %s", name)
		}
		return
	}
	require.Equal(t, http.StatusOK, resp.StatusCode, "step %s", name)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"),
		"step %s: content type %q", name, resp.Header.Get("Content-Type"))

	events, err := readSSE(resp.Body)
	require.NoError(t, err, "step %s: captured %v", name, eventLabels(events))
	if st.StreamExpect != nil {
		r.checkStream(t, name, st.StreamExpect, events)
	}
}

// readSSE collects the data frames until the server closes the stream.
func readSSE(body io.Reader) ([]stream.Event, error) {
	var events []stream.Event
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return events, nil
			}
			return events, err
		}
		line = strings.TrimRight(line, "\r\n")
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		ev, err := stream.Unmarshal([]byte(data))
		if err != nil {
			return events, fmt.Errorf("decode frame %q: %w", data, err)
		}
		events = append(events, ev)
	}
}

// checkStream asserts the first-event and terminal expectations, then the
// ordered sequence and absent matchers, over the captured events.
func (r *Runner) checkStream(t *testing.T, name string, exp *StreamExpect, events []stream.Event) {
	t.Helper()
	labels := eventLabels(events)

	if exp.First != nil {
		require.NotEmpty(t, events, "step %s: stream closed without events", name)
		assert.True(t, matchEvent(events[0], *exp.First),
			"step %s: first event %s does not match %+v", name, eventLabel(events[0]), *exp.First)
	}

	if exp.Terminal != "" {
		first := ""
		for _, ev := range events {
			if s, ok := ev.TerminalStatus(); ok {
				first = s
				break
			}
		}
		assert.Equal(t, exp.Terminal, first, "step %s: events %v", name, labels)
	}

	next := 0
	for _, ev := range events {
		if next < len(exp.Sequence) && matchEvent(ev, exp.Sequence[next]) {
			next++
		}
	}
	require.Equal(t, len(exp.Sequence), next,
		"step %s: sequence stalled at matcher %d (%+v), events %v",
		name, next, matcherAt(exp.Sequence, next), labels)

	for _, m := range exp.Absent {
		for _, ev := range events {
			assert.False(t, matchEvent(ev, m),
				"step %s: event %s matches absent matcher %+v", name, eventLabel(ev), m)
		}
	}
}

func matcherAt(seq []EventMatcher, i int) EventMatcher {
	if i < len(seq) {
		return seq[i]
	}
	return EventMatcher{}
}

// matchEvent reports whether the event satisfies every set matcher field.
func matchEvent(ev stream.Event, m EventMatcher) bool {
	if m.Type != "" && string(ev.Type) != m.Type {
		return false
	}
	if m.Status != "" {
		s, ok := ev.Status()
		if !ok || s != m.Status {
			return false
		}
	}
	if m.Content != nil && !matchSubset(ev.Content, m.Content) {
		return false
	}
	if m.Metadata != nil && !matchSubset(ev.Metadata, m.Metadata) {
		return false
	}
	return true
}

// matchSubset reports whether every expected entry is present in actual.
// Maps recurse, arrays match per index, and the string "*" accepts any
// non-empty value.
func matchSubset(actual, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok {
			return false
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

func matchValue(got, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		return ok && matchSubset(g, w)
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) < len(w) {
			return false
		}
		for i := range w {
			if !matchValue(g[i], w[i]) {
				return false
			}
		}
		return true
	case string:
		if w == "*" {
			return got != nil && got != ""
		}
		return fmt.Sprintf("%v", got) == w
	default:
		return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
	}
}

func eventLabel(ev stream.Event) string {
	if s, ok := ev.Status(); ok {
		return "status:" + s
	}
	return string(ev.Type)
}

func eventLabels(events []stream.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = eventLabel(ev)
	}
	return out
}

// multipartForm renders the step input as an initiate form. The "files" map
// becomes file parts; every other entry becomes a string field.
func multipartForm(input map[string]any) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range input {
		if k == "files" {
			continue
		}
		if err := mw.WriteField(k, fmt.Sprintf("%v", v)); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if files, ok := input["files"].(map[string]any); ok {
		for name, content := range files {
			fw, err := mw.CreateFormFile("files", name)
			if err != nil {
				return nil, "", fmt.Errorf("create file part %s: %w", name, err)
			}
			if _, err := io.WriteString(fw, fmt.Sprintf("%v", content)); err != nil {
				return nil, "", fmt.Errorf("write file part %s: %w", name, err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
