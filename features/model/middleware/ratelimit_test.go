package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
)

type fakeClient struct {
	completeErr   error
	completeCalls int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &model.Response{}, nil
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.currentTPM

	client := &fakeClient{
		completeErr: model.ErrRateLimited,
	}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err == nil || !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// Configure an impossible limiter so any non-zero token request fails
	// immediately. This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: strings.Repeat("a", 600)},
		},
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls",
			client.completeCalls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	smallReq := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "short"},
		},
	}
	bigReq := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "this is a much longer message"},
		},
	}

	small := estimateTokens(smallReq)
	big := estimateTokens(bigReq)

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d",
			small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d",
			small, big)
	}
}

func TestEstimateTokensCountsToolSchemas(t *testing.T) {
	bare := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
	}
	withTools := &model.Request{
		Messages: bare.Messages,
		Tools: []*model.ToolDefinition{
			{
				Name:        "create_task",
				Description: strings.Repeat("d", 300),
				InputSchema: []byte(`{"type":"object","properties":{"name":{"type":"string"}}}`),
			},
		},
	}

	if estimateTokens(withTools) <= estimateTokens(bare) {
		t.Fatal("expected tool schemas to increase the estimate")
	}
}
