package controlplane

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
)

func initiateAndWait(t *testing.T, w *world, prompt string) string {
	t.Helper()
	ctx := context.Background()
	res, err := w.svc.Initiate(ctx, InitiateRequest{AccountID: "acct-1", Prompt: prompt})
	require.NoError(t, err)
	w.svc.Wait()

	thread, err := w.store.Threads().Get(ctx, res.ThreadID)
	require.NoError(t, err)
	return thread.ProjectID
}

func projectName(t *testing.T, w *world, projectID string) string {
	t.Helper()
	project, err := w.store.Projects().Get(context.Background(), projectID)
	require.NoError(t, err)
	return project.Name
}

func TestInitiateNamesProject(t *testing.T) {
	namer := &scriptedModel{respond: func(*model.Request) (*model.Response, error) {
		return &model.Response{Content: `{"title": "Weather Dashboard"}`}, nil
	}}
	w := newWorld(t, namer)

	projectID := initiateAndWait(t, w, "build a weather dashboard")
	assert.Equal(t, "Weather Dashboard", projectName(t, w, projectID))

	namer.mu.Lock()
	defer namer.mu.Unlock()
	assert.Equal(t, 1, namer.calls)
	require.NotNil(t, namer.last)
	assert.True(t, namer.last.JSONMode)
	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", namer.last.Model)
	require.Len(t, namer.last.Messages, 2)
	assert.Equal(t, model.RoleSystem, namer.last.Messages[0].Role)
	assert.Contains(t, namer.last.Messages[1].Content, "build a weather dashboard")
}

func TestNamingToleratesFencedReply(t *testing.T) {
	namer := &scriptedModel{respond: func(*model.Request) (*model.Response, error) {
		return &model.Response{Content: "```json\n{\"title\": \"Code Fixer\"}\n```"}, nil
	}}
	w := newWorld(t, namer)

	projectID := initiateAndWait(t, w, "fix my build")
	assert.Equal(t, "Code Fixer", projectName(t, w, projectID))
}

func TestNamingFailureLeavesNameEmpty(t *testing.T) {
	namer := &scriptedModel{respond: func(*model.Request) (*model.Response, error) {
		return nil, errors.New("provider down")
	}}
	w := newWorld(t, namer)

	projectID := initiateAndWait(t, w, "anything")
	assert.Empty(t, projectName(t, w, projectID))
}

func TestNamingGarbageReplyLeavesNameEmpty(t *testing.T) {
	namer := &scriptedModel{respond: func(*model.Request) (*model.Response, error) {
		return &model.Response{Content: "A fine project indeed."}, nil
	}}
	w := newWorld(t, namer)

	projectID := initiateAndWait(t, w, "anything")
	assert.Empty(t, projectName(t, w, projectID))
}

func TestNamingTruncatesLongPrompts(t *testing.T) {
	namer := &scriptedModel{respond: func(*model.Request) (*model.Response, error) {
		return &model.Response{Content: `{"title": "Long Prompt"}`}, nil
	}}
	w := newWorld(t, namer)

	initiateAndWait(t, w, strings.Repeat("x", 5*namingPromptLimit))

	namer.mu.Lock()
	defer namer.mu.Unlock()
	require.NotNil(t, namer.last)
	user := namer.last.Messages[1].Content
	assert.Less(t, len(user), namingPromptLimit+100)
}

func TestNoNamerSkipsNaming(t *testing.T) {
	w := newWorld(t, nil)
	projectID := initiateAndWait(t, w, "anything")
	assert.Empty(t, projectName(t, w, projectID))
}

func TestParseTitle(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{`{"title": "Data Pipeline"}`, "Data Pipeline"},
		{"Sure! Here you go: {\"title\": \"Data Pipeline\"} Hope that helps.", "Data Pipeline"},
		{"```json\n{\"title\": \" Spaced Out \"}\n```", "Spaced Out"},
		{`{"title": "'Quoted'"}`, "Quoted"},
		{`{"name": "wrong key"}`, ""},
		{"no json here", ""},
		{`{"title": 42}`, ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseTitle(tc.content), "content %q", tc.content)
	}
}
