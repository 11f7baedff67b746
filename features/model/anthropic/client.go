// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates planner requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool calls, usage) back into the generic model
// structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
)

// Defaults applied when neither the request nor the options specify a value.
// The Messages API requires max_tokens on every call, and enabled thinking
// requires an explicit budget of at least 1024 tokens.
const (
	defaultMaxTokens      = 4096
	defaultThinkingBudget = 2048
	minThinkingBudget     = 1024
)

// jsonModeInstruction approximates JSON mode for a provider without a native
// response format parameter.
const jsonModeInstruction = "Respond with a single valid JSON object and nothing else. " +
	"Do not wrap the object in markdown fences or add commentary."

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers listed in
		// Anthropic's model catalogue.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero or negative selects the package default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64

		// ThinkingBudget defines the default thinking token budget when
		// thinking is enabled. Zero or negative selects the package default.
		ThinkingBudget int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
		think        int
	}
)

// New builds an Anthropic-backed model client from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	budget := opts.ThinkingBudget
	if budget <= 0 {
		budget = defaultThinkingBudget
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTokens,
		temp:         opts.Temperature,
		think:        budget,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into the generic model structures.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if req == nil {
		return nil, errors.New("anthropic: request is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if req.JSONMode {
		system = append(system, sdk.TextBlockParam{Text: jsonModeInstruction})
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	maxTokens := c.maxTok
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := c.temp
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = c.think
		}
		if budget < minThinkingBudget {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be >= %d", budget, minThinkingBudget)
		}
		if budget >= maxTokens {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return &params, nil
}

func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.RoleSystem {
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
			continue
		}
		if m.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(block))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if !isProviderSafeToolName(def.Name) {
			return nil, fmt.Errorf("anthropic: tool name %q contains unsupported characters", def.Name)
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return toolList, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{FinishReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, &model.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: decodeToolInput(block.Input),
			})
		}
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp, nil
}

// decodeToolInput parses the raw tool_use input JSON. Unparseable payloads
// are preserved under the "raw" key.
func decodeToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return args
}
