package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolverRequiresDefaultModel(t *testing.T) {
	_, err := NewResolver(ResolverOptions{})
	require.Error(t, err)
}

func TestResolvePrefixedName(t *testing.T) {
	r, err := NewResolver(ResolverOptions{DefaultModel: "anthropic/claude-sonnet-4-20250514"})
	require.NoError(t, err)

	res := r.Resolve("openai/gpt-4o")
	assert.Equal(t, ProviderOpenAI, res.Provider)
	assert.Equal(t, "gpt-4o", res.Model)
	assert.Empty(t, res.BaseURL)
}

func TestResolveAlias(t *testing.T) {
	r, err := NewResolver(ResolverOptions{DefaultModel: "sonnet"})
	require.NoError(t, err)

	res := r.Resolve("gpt-4o-mini")
	assert.Equal(t, ProviderOpenAI, res.Provider)
	assert.Equal(t, "gpt-4o-mini", res.Model)
}

func TestResolveEmptyFallsBackToDefault(t *testing.T) {
	r, err := NewResolver(ResolverOptions{DefaultModel: "sonnet"})
	require.NoError(t, err)

	res := r.Resolve("")
	assert.Equal(t, ProviderAnthropic, res.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", res.Model)
}

func TestResolveUnprefixedUsesDefaultProvider(t *testing.T) {
	r, err := NewResolver(ResolverOptions{
		DefaultModel:    "sonnet",
		DefaultProvider: ProviderOpenAI,
	})
	require.NoError(t, err)

	res := r.Resolve("some-local-model")
	assert.Equal(t, ProviderOpenAI, res.Provider)
	assert.Equal(t, "some-local-model", res.Model)
}

func TestResolveServerOverrideWins(t *testing.T) {
	r, err := NewResolver(ResolverOptions{
		DefaultModel: "sonnet",
		ServerModel:  "openai/local-llama",
		LocalBaseURL: "http://localhost:11434/v1",
	})
	require.NoError(t, err)

	res := r.Resolve("anthropic/claude-sonnet-4-20250514")
	assert.Equal(t, ProviderOpenAI, res.Provider)
	assert.Equal(t, "local-llama", res.Model)
	assert.Equal(t, "http://localhost:11434/v1", res.BaseURL)
}

func TestResolveServerModelAloneDoesNotOverride(t *testing.T) {
	r, err := NewResolver(ResolverOptions{
		DefaultModel: "sonnet",
		ServerModel:  "openai/local-llama",
	})
	require.NoError(t, err)

	res := r.Resolve("gpt-4o")
	assert.Equal(t, ProviderOpenAI, res.Provider)
	assert.Equal(t, "gpt-4o", res.Model)
	assert.Empty(t, res.BaseURL)
}

func TestResolveUnrecognizedPrefixPassesThrough(t *testing.T) {
	r, err := NewResolver(ResolverOptions{DefaultModel: "sonnet"})
	require.NoError(t, err)

	res := r.Resolve("org/custom-model")
	assert.Equal(t, ProviderAnthropic, res.Provider)
	assert.Equal(t, "org/custom-model", res.Model)
}

func TestResolveCustomAliasRemoval(t *testing.T) {
	r, err := NewResolver(ResolverOptions{
		DefaultModel: "sonnet",
		Aliases: map[string]string{
			"fast":   "openai/gpt-4o-mini",
			"gpt-4o": "",
		},
	})
	require.NoError(t, err)

	res := r.Resolve("fast")
	assert.Equal(t, "gpt-4o-mini", res.Model)

	res = r.Resolve("gpt-4o")
	assert.Equal(t, ProviderAnthropic, res.Provider)
	assert.Equal(t, "gpt-4o", res.Model)
}

func TestChainOrdering(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(next Client) Client {
			return tracingClient{tag: tag, order: &order, next: next}
		}
	}
	base := tracingClient{tag: "base", order: &order}
	chained := Chain(base, mw("outer"), mw("inner"))

	_, err := chained.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "base"}, order)
}

type tracingClient struct {
	tag   string
	order *[]string
	next  Client
}

var _ Client = tracingClient{}

func (c tracingClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	*c.order = append(*c.order, c.tag)
	if c.next != nil {
		return c.next.Complete(ctx, req)
	}
	return &Response{}, nil
}

func TestWithTimeoutBoundsCompletion(t *testing.T) {
	mw := WithTimeout(10 * time.Millisecond)
	require.NotNil(t, mw)
	client := mw(blockingClient{})

	_, err := client.Complete(context.Background(), &Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeoutDisabledForNonPositive(t *testing.T) {
	assert.Nil(t, WithTimeout(0))
	assert.Nil(t, WithTimeout(-time.Second))
}

type blockingClient struct{}

func (blockingClient) Complete(ctx context.Context, _ *Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
