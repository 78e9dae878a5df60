package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/voice-tutor/internal/domain"
	"github.com/ashureev/voice-tutor/internal/llm"
)

// Tool names exposed to the model.
const (
	ToolSetLessonStatus = "set_lesson_status"
	ToolUpdatePrompt    = "update_prompt"
)

// ErrUnknownTool is returned for tool names no command implements.
var ErrUnknownTool = errors.New("unknown tool")

// Command is a script-driven request to publish one status event.
type Command interface {
	Name() string
	Event() (domain.StatusEvent, error)
	failure() string
}

// SetLessonStatus marks one lesson section as pending, active or completed.
type SetLessonStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (SetLessonStatus) Name() string    { return ToolSetLessonStatus }
func (SetLessonStatus) failure() string { return msgLessonStatusFailure }

// Event implements Command.
func (c SetLessonStatus) Event() (domain.StatusEvent, error) {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		return nil, errors.New("lesson id is required")
	}
	st, err := domain.ParseSectionStatus(c.Status)
	if err != nil {
		return nil, err
	}
	return domain.LessonStatus{ID: id, Status: st}, nil
}

// UpdatePrompt replaces the suggested prompt.
type UpdatePrompt struct {
	Text string `json:"text"`
}

func (UpdatePrompt) Name() string    { return ToolUpdatePrompt }
func (UpdatePrompt) failure() string { return msgPromptFailure }

// Event implements Command. Empty text is allowed and clears the prompt.
func (c UpdatePrompt) Event() (domain.StatusEvent, error) {
	return domain.PromptUpdate{Text: c.Text}, nil
}

// ParseToolCall decodes a model tool call into a Command.
func ParseToolCall(name, arguments string) (Command, error) {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	switch name {
	case ToolSetLessonStatus:
		var c SetLessonStatus
		if err := json.Unmarshal([]byte(arguments), &c); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", name, err)
		}
		return c, nil
	case ToolUpdatePrompt:
		var c UpdatePrompt
		if err := json.Unmarshal([]byte(arguments), &c); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", name, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
}

// Tools returns the function definitions for the named tools, in order.
// Unknown names are skipped.
func Tools(names ...string) []llm.Tool {
	out := make([]llm.Tool, 0, len(names))
	for _, n := range names {
		switch n {
		case ToolSetLessonStatus:
			out = append(out, llm.Tool{
				Name:        ToolSetLessonStatus,
				Description: "Update the status of a lesson section in the sidebar. Use 'active' when starting a section and 'completed' when it is finished.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "string",
							"description": "Section id, for example \"0\" for the introduction.",
						},
						"status": map[string]any{
							"type":        "string",
							"enum":        []string{"pending", "active", "completed"},
							"description": "At the start of the conversation section 0 is active and the rest are pending.",
						},
					},
					"required":             []string{"id", "status"},
					"additionalProperties": false,
				},
			})
		case ToolUpdatePrompt:
			out = append(out, llm.Tool{
				Name:        ToolUpdatePrompt,
				Description: "Set or update the suggested prompt shown in the UI. Call this again as the prompt evolves.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{
							"type":        "string",
							"description": "The prompt text to display.",
						},
					},
					"required":             []string{"text"},
					"additionalProperties": false,
				},
			})
		}
	}
	return out
}
