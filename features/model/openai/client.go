// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates planner requests into ChatCompletion
// calls using github.com/sashabaranov/go-openai and maps responses back to
// the generic model structures. The same adapter also serves OpenAI-compatible
// local endpoints via NewFromBaseURL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := opts.DefaultModel
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// NewFromBaseURL constructs a client against an OpenAI-compatible endpoint
// such as a local inference server. The API key may be empty when the
// endpoint does not authenticate.
func NewFromBaseURL(baseURL, apiKey, defaultModel string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return New(Options{Client: openai.NewClientWithConfig(cfg), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: messages,
		Tools:    tools,
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		request.MaxTokens = *req.MaxTokens
	}
	if req.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if th := req.Thinking; th != nil && th.Enabled {
		effort := th.Effort
		if effort == "" {
			effort = model.EffortMedium
		}
		request.ReasoningEffort = effort
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(response), nil
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		if !json.Valid(def.InputSchema) {
			return nil, fmt.Errorf("tool %s schema is not valid JSON", def.Name)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, &model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: parseToolArguments(call.Function.Arguments),
		})
	}
	return out
}

// parseToolArguments decodes the provider-supplied argument JSON. Payloads
// that fail to parse are preserved verbatim under the "raw" key so the
// orchestrator can surface them in the tool failure event.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}
