package planner

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/lodestar-ai/lodestar/runtime/agent/tools"
)

// planningSystemPrompt pins the model to the plan JSON contract.
const planningSystemPrompt = `You are a planning assistant. Break the user's request into a short sequence of concrete subtasks.

Respond with a single JSON object of the form:
{"subtasks": [{"name": "...", "description": "...", "assigned_tools": ["Tool__method", ...], "dependencies": [0, "earlier subtask name", ...]}]}

Rules:
- assigned_tools entries must come from the tool catalog, verbatim.
- dependencies reference earlier subtasks only, by zero-based index or by name.
- A subtask with no tool work may have an empty assigned_tools list.
- Keep the plan minimal; do not invent subtasks the request does not need.
- Respond with JSON only, no prose and no code fences.`

// BuildPlanningPrompt renders the user request together with the tool
// catalog the plan may draw from.
func BuildPlanningPrompt(description string, schemas []tools.FunctionSchema) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(description)
	b.WriteString("\n\nTool catalog:\n")
	if len(schemas) == 0 {
		b.WriteString("(none)\n")
	}
	for _, s := range schemas {
		fmt.Fprintf(&b, "- %s: %s\n", s.Function.Name, s.Function.Description)
	}
	b.WriteString("\nProduce the plan JSON now.")
	return b.String()
}

// snippet truncates model output for error messages.
func snippet(content string) string {
	content = strings.TrimSpace(content)
	const max = 200
	if len(content) <= max {
		return content
	}
	return content[:max] + "..."
}

// taskName derives a short display name from the request text.
func taskName(description string) string {
	name := strings.TrimSpace(description)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	const max = 60
	if len(name) <= max {
		if name == "" {
			return "Agent task"
		}
		return name
	}
	cut := max
	for cut > 0 && !unicode.IsSpace(rune(name[cut])) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return strings.TrimSpace(name[:cut]) + "..."
}
