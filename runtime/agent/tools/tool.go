// Package tools defines the tool contract and the orchestrator that
// registers, describes, validates, and invokes tools on behalf of the plan
// executor. Tools register at compile time against the Tool interface; there
// is no dynamic loading.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Tool is a capability the plan executor can invoke. Implementations
	// must be safe for concurrent use; the orchestrator may run methods of
	// the same tool from multiple executions.
	Tool interface {
		// Name returns the stable tool id (e.g. "ShellTool").
		Name() string
		// Schemas describes every invocable method.
		Schemas() []MethodSchema
		// Invoke runs the named method with the validated parameters and
		// returns arbitrary structured data. Errors and panics become
		// failed tool results; cooperative cancellation arrives through
		// ctx.
		Invoke(ctx context.Context, method string, params map[string]any) (any, error)
	}

	// MethodSchema describes one invocable tool method.
	MethodSchema struct {
		// MethodName is the method component of the tool's Ident.
		MethodName string
		// Description documents the method for planning prompts.
		Description string
		// Parameters is the JSON schema object validating the method
		// parameters.
		Parameters map[string]any
		// XML optionally describes an XML tag form of the invocation for
		// models prompted with tag examples.
		XML *XMLSchema
	}

	// XMLSchema describes the XML tag form of a method invocation.
	XMLSchema struct {
		// TagName is the XML tag the model should emit.
		TagName string
		// Mappings bind tag parts to method parameters.
		Mappings []XMLMapping
		// Example is a complete literal usage example.
		Example string
	}

	// XMLMapping binds one XML node to one method parameter.
	XMLMapping struct {
		// ParamName is the method parameter receiving the node value.
		ParamName string
		// NodeType is "attribute", "element", or "content".
		NodeType string
		// Path locates the node relative to the tag; empty for the tag
		// itself.
		Path string
	}

	// FunctionSchema is the OpenAPI-style description of one method,
	// keyed by the method's fully qualified Ident.
	FunctionSchema struct {
		Type     string          `json:"type"`
		Function FunctionDetails `json:"function"`
	}

	// FunctionDetails carries the function name, description, and
	// parameter schema.
	FunctionDetails struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	}
)

// FunctionSchemaFor renders the OpenAPI-style schema for one method of tool.
func FunctionSchemaFor(tool string, ms MethodSchema) FunctionSchema {
	params := ms.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return FunctionSchema{
		Type: "function",
		Function: FunctionDetails{
			Name:        NewIdent(tool, ms.MethodName).String(),
			Description: ms.Description,
			Parameters:  params,
		},
	}
}

// MarshalParameters renders the parameter schema as canonical JSON, used when
// handing schemas to model clients.
func (ms MethodSchema) MarshalParameters() (json.RawMessage, error) {
	params := ms.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters for method %q: %w", ms.MethodName, err)
	}
	return b, nil
}
