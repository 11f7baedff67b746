package controlplane

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/model"
)

const (
	// defaultNamingTimeout bounds the detached naming call.
	defaultNamingTimeout = 30 * time.Second
	// namingPromptLimit caps how much of the user prompt is sent along.
	namingPromptLimit = 500
)

const namingSystemPrompt = `You name software projects. ` +
	`Reply with a single JSON object of the form {"title": "..."} where the ` +
	`title is an extremely concise name, 2 to 4 words, for the project ` +
	`described by the user. Plain words only, no quotes or punctuation ` +
	`inside the title.`

// nameProject gives the project a short human-readable title: one JSON-mode
// model call, then a best-effort rename. It runs detached from the initiating
// request with its own deadline, and failures are only logged.
func (s *Service) nameProject(projectID, prompt string) {
	defer s.naming.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.namingTimeout)
	defer cancel()

	if len(prompt) > namingPromptLimit {
		prompt = strings.ToValidUTF8(prompt[:namingPromptLimit], "")
	}
	resp, err := s.namer.Complete(ctx, &model.Request{
		Model:    s.resolver.Resolve("").Name(),
		JSONMode: true,
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: namingSystemPrompt},
			{Role: model.RoleUser, Content: "Name the project started from this prompt:\n\n" + prompt},
		},
	})
	if err != nil {
		s.logger.Warn(ctx, "project naming call failed", "project_id", projectID, "error", err)
		return
	}
	title := parseTitle(resp.Content)
	if title == "" {
		s.logger.Warn(ctx, "project naming returned no title",
			"project_id", projectID, "content", resp.Content)
		return
	}
	if err := s.projects.SetName(ctx, projectID, title); err != nil {
		s.logger.Warn(ctx, "project rename failed", "project_id", projectID, "error", err)
		return
	}
	s.logger.Info(ctx, "project named", "project_id", projectID, "name", title)
}

// parseTitle extracts the title from the model reply, tolerating fences and
// surrounding prose.
func parseTitle(content string) string {
	doc := model.ExtractJSONObject(content)
	if doc == "" {
		return ""
	}
	var out struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return ""
	}
	return strings.TrimSpace(strings.Trim(out.Title, `"'`))
}
