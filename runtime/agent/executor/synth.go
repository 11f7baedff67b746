package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	"github.com/lodestar-ai/lodestar/runtime/agent/task"
	"github.com/lodestar-ai/lodestar/runtime/agent/tools"
)

// maxSynthAttempts bounds the LLM calls made to obtain one parameters
// object.
const maxSynthAttempts = 3

const paramsSystemPrompt = `You produce parameters for a tool call. Respond with a single JSON object matching the tool's parameter schema. No prose, no code fences. Respond with {} if the tool needs no parameters.`

const jsonObjectReminder = `Your previous output was not a single JSON object. Respond with exactly one JSON object matching the schema, or {} if the tool needs no parameters.`

// synthesizeParams asks the model for the parameters object of one tool
// invocation. Non-object output is retried with a corrective reminder up to
// maxSynthAttempts total attempts; exhaustion returns an error carrying the
// last raw output.
func (e *Executor) synthesizeParams(ctx context.Context, goal string, st *task.Task, id tools.Ident, ms tools.MethodSchema) (map[string]any, error) {
	schemaJSON, err := ms.MarshalParameters()
	if err != nil {
		return nil, fmt.Errorf("render schema for %s: %w", id, err)
	}
	messages := []*model.Message{
		{Role: model.RoleSystem, Content: paramsSystemPrompt},
		{Role: model.RoleUser, Content: buildParamsPrompt(goal, st, id, ms.Description, schemaJSON)},
	}

	var lastRaw string
	for attempt := 1; attempt <= maxSynthAttempts; attempt++ {
		resp, err := e.model.Complete(ctx, &model.Request{
			Model:    e.modelName,
			JSONMode: true,
			Messages: messages,
		})
		if err != nil {
			return nil, fmt.Errorf("parameter synthesis for %s: %w", id, err)
		}
		lastRaw = resp.Content

		if doc := model.ExtractJSONObject(resp.Content); doc != "" {
			var params map[string]any
			if jsonErr := json.Unmarshal([]byte(doc), &params); jsonErr == nil {
				if params == nil {
					params = map[string]any{}
				}
				return params, nil
			}
		}
		e.logger.Debug(ctx, "parameter synthesis retry",
			"tool", id.String(), "attempt", attempt, "output_len", len(resp.Content))
		messages = append(messages,
			&model.Message{Role: model.RoleAssistant, Content: resp.Content},
			&model.Message{Role: model.RoleUser, Content: jsonObjectReminder},
		)
	}
	return nil, fmt.Errorf("parameter synthesis for %s exhausted after %d attempts; last output: %s",
		id, maxSynthAttempts, rawSnippet(lastRaw))
}

func buildParamsPrompt(goal string, st *task.Task, id tools.Ident, description string, schemaJSON json.RawMessage) string {
	var b strings.Builder
	b.WriteString("Overall goal:\n")
	b.WriteString(goal)
	b.WriteString("\n\nCurrent subtask:\n")
	fmt.Fprintf(&b, "%s: %s\n", st.Name, st.Description)
	fmt.Fprintf(&b, "\nTool: %s\n%s\n\nParameter schema:\n%s\n", id, description, schemaJSON)
	b.WriteString("\nProduce the parameters JSON object now.")
	return b.String()
}

func rawSnippet(raw string) string {
	raw = strings.TrimSpace(raw)
	const max = 300
	if len(raw) <= max {
		return raw
	}
	return raw[:max] + "..."
}
