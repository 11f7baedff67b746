// Package model provides the provider-agnostic LLM client contract used by
// the planner and executor. Implementations wrap provider SDKs (OpenAI,
// Anthropic, Bedrock) and translate Request/Response to provider-specific
// formats; they live under features/model. The package also resolves
// user-facing model names to a provider and provider-native model id.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRateLimited marks provider throttling. Adapters wrap the provider error
// with this sentinel so middleware can identify rate-limit failures and back
// off without parsing provider-specific error types.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Client defines the contract the planner and executor use to invoke LLM
	// calls. Implementations must be safe for concurrent use, honor ctx
	// cancellation, and wrap throttling errors with ErrRateLimited.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Returns an error if the provider is unavailable, the
		// request is malformed, or quota is exceeded.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Request captures the normalized parameters for a model invocation.
	// Fields map to common provider parameters but may not be supported by
	// every backend; unsupported fields are ignored by the adapter.
	Request struct {
		// Model is the provider-native model identifier (e.g. "gpt-4o",
		// "claude-sonnet-4-20250514"). Callers obtain it from Resolve.
		Model string

		// Messages is the ordered conversation, including system prompts,
		// user inputs, and prior assistant turns.
		Messages []*Message

		// Tools describes tool schemas exposed to the model for function
		// calling. Empty when the model should not invoke tools.
		Tools []*ToolDefinition

		// Temperature overrides the provider default sampling temperature
		// when non-nil.
		Temperature *float64

		// MaxTokens caps completion length when non-nil; nil uses the
		// adapter default.
		MaxTokens *int

		// JSONMode instructs the provider to emit exactly one JSON object.
		// Adapters without a native JSON mode approximate it via prompting.
		JSONMode bool

		// Thinking configures extended reasoning for models that support it.
		// Nil disables thinking.
		Thinking *ThinkingOptions
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is one of RoleSystem, RoleUser, or RoleAssistant.
		Role Role

		// Content is the message text. May be empty for assistant turns
		// that only carried tool calls.
		Content string
	}

	// Role identifies the author of a conversation message.
	Role string

	// ToolDefinition describes a tool schema passed to providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model. Providers restrict
		// allowed characters to alphanumerics and underscores.
		Name string

		// Description documents when and how to invoke the tool.
		Description string

		// InputSchema is the JSON schema object for the tool parameters.
		InputSchema json.RawMessage
	}

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call id, echoed back in results.
		ID string

		// Name matches a ToolDefinition.Name from the request.
		Name string

		// Arguments holds the parsed call arguments. Adapters that receive
		// unparseable argument payloads preserve them under the "raw" key.
		Arguments map[string]any
	}

	// Response wraps the generated content and any tool calls.
	Response struct {
		// Content is the assistant text. Empty when the model only
		// requested tool calls.
		Content string

		// ToolCalls lists requested tool invocations, if any.
		ToolCalls []*ToolCall

		// FinishReason is the provider stop reason verbatim (for example
		// "stop", "max_tokens", "tool_calls"). May be empty.
		FinishReason string

		// Usage reports token consumption when the provider supplies it.
		Usage TokenUsage
	}

	// TokenUsage records prompt and completion token counts for one call.
	// Zero values mean the provider did not report usage.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}

	// ThinkingOptions configures extended reasoning modes.
	ThinkingOptions struct {
		// Enabled turns extended reasoning on.
		Enabled bool

		// BudgetTokens bounds reasoning tokens on providers with explicit
		// budgets (Anthropic). Zero means the adapter default.
		BudgetTokens int

		// Effort selects the reasoning tier on providers that use tiers
		// (OpenAI): EffortLow, EffortMedium, or EffortHigh.
		Effort string
	}

	// Middleware decorates a Client, typically with rate limiting or
	// instrumentation.
	Middleware func(Client) Client
)

// Conversation roles understood by every adapter.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Reasoning effort tiers accepted in run options.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// Chain wraps client with the given middleware. The first middleware listed
// becomes the outermost layer.
func Chain(client Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			client = mws[i](client)
		}
	}
	return client
}

// WithTimeout returns middleware that bounds each completion call to d.
// Non-positive d returns nil, which Chain skips.
func WithTimeout(d time.Duration) Middleware {
	if d <= 0 {
		return nil
	}
	return func(next Client) Client {
		return &timeoutClient{next: next, timeout: d}
	}
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

func (c *timeoutClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Complete(ctx, req)
}
