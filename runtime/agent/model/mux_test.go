package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	lastModel string
}

var _ Client = (*recordingClient)(nil)

func (c *recordingClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	c.lastModel = req.Model
	return &Response{Content: "ok"}, nil
}

func TestMuxRoutesByPrefix(t *testing.T) {
	anthropic := &recordingClient{}
	openai := &recordingClient{}
	mux, err := NewMux(ProviderAnthropic, map[string]Client{
		ProviderAnthropic: anthropic,
		ProviderOpenAI:    openai,
	})
	require.NoError(t, err)

	_, err = mux.Complete(context.Background(), &Request{Model: "openai/gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", openai.lastModel)
	assert.Empty(t, anthropic.lastModel)
}

func TestMuxUnprefixedGoesToFallback(t *testing.T) {
	anthropic := &recordingClient{}
	mux, err := NewMux(ProviderAnthropic, map[string]Client{ProviderAnthropic: anthropic})
	require.NoError(t, err)

	_, err = mux.Complete(context.Background(), &Request{Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", anthropic.lastModel)
}

func TestMuxUnknownProviderErrors(t *testing.T) {
	anthropic := &recordingClient{}
	mux, err := NewMux(ProviderAnthropic, map[string]Client{ProviderAnthropic: anthropic})
	require.NoError(t, err)

	_, err = mux.Complete(context.Background(), &Request{Model: "bedrock/anthropic.claude-v2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no client for provider "bedrock"`)
}

func TestMuxDoesNotMutateRequest(t *testing.T) {
	mux, err := NewMux(ProviderOpenAI, map[string]Client{ProviderOpenAI: &recordingClient{}})
	require.NoError(t, err)

	req := &Request{Model: "openai/gpt-4o"}
	_, err = mux.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", req.Model)
}

func TestNewMuxValidation(t *testing.T) {
	_, err := NewMux("", map[string]Client{ProviderOpenAI: &recordingClient{}})
	require.EqualError(t, err, "fallback provider is required")

	_, err = NewMux(ProviderOpenAI, nil)
	require.EqualError(t, err, "at least one provider client is required")

	_, err = NewMux(ProviderOpenAI, map[string]Client{ProviderAnthropic: &recordingClient{}})
	require.EqualError(t, err, `no client registered for fallback provider "openai"`)
}

func TestResolutionName(t *testing.T) {
	res := Resolution{Provider: ProviderBedrock, Model: "anthropic.claude-sonnet-4-20250514-v1:0"}
	assert.Equal(t, "bedrock/anthropic.claude-sonnet-4-20250514-v1:0", res.Name())
}
