// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages,
// encodes tool schemas into Bedrock's ToolConfiguration, and translates
// Converse responses (text + tool_use blocks) back into the generic model
// structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
)

// jsonModeInstruction approximates JSON mode for a provider without a native
// response format parameter.
const jsonModeInstruction = "Respond with a single valid JSON object and nothing else. " +
	"Do not wrap the object in markdown fences or add commentary."

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// DefaultModel is the model identifier used when model.Request.Model is
	// empty (for example "anthropic.claude-sonnet-4-20250514-v1:0").
	DefaultModel string

	// MaxTokens sets the default completion cap when a request does not
	// specify MaxTokens. When zero or negative, the client omits MaxTokens so
	// Bedrock uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float64

	// ThinkingBudget defines the thinking token budget when thinking is
	// enabled. When zero or negative, the client omits budget_tokens so
	// Bedrock uses its own default budget.
	ThinkingBudget int
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float64
	think        int
}

// New builds a Bedrock-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
	}, nil
}

// NewFromRegion constructs a client using the default AWS credential chain.
func NewFromRegion(ctx context.Context, region, defaultModel string) (*Client, error) {
	if region == "" {
		return nil, errors.New("aws region is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(Options{Runtime: bedrockruntime.NewFromConfig(cfg), DefaultModel: defaultModel})
}

// Complete issues a Converse request and translates the response into the
// generic model structures.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.buildConverseInput(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

func (c *Client) buildConverseInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if req == nil {
		return nil, errors.New("bedrock: request is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if req.JSONMode {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: jsonModeInstruction})
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		thinking := map[string]any{"type": "enabled"}
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = c.think
		}
		if budget > 0 {
			thinking["budget_tokens"] = budget
		}
		fields := map[string]any{"thinking": thinking}
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input, nil
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := c.maxTok
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		tokens = *req.MaxTokens
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	temp := c.temp
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(float32(temp))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []*model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.RoleSystem {
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
			continue
		}
		if m.Content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		conversation = append(conversation, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("bedrock: tool %q is missing description", def.Name)
		}
		schemaDoc, err := schemaDocument(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDoc},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func schemaDocument(raw json.RawMessage) (document.Interface, error) {
	var m map[string]any
	if len(raw) == 0 {
		m = map[string]any{}
	} else if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return document.NewLazyDocument(m), nil
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{FinishReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				call := &model.ToolCall{Arguments: decodeDocument(v.Value.Input)}
				if v.Value.ToolUseId != nil {
					call.ID = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					call.Name = *v.Value.Name
				}
				resp.ToolCalls = append(resp.ToolCalls, call)
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
		}
	}
	return resp, nil
}

// decodeDocument unmarshals a tool_use input document. Payloads that cannot
// be decoded into an object are preserved under the "raw" key.
func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return args
}

func ptrValue(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
