package skill

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"openassistant/internal/domain"
)

// Tool wraps a skill Definition as a domain.Tool for LLM function calling.
type Tool struct {
	def    Definition
	models domain.ModelResolver
	logger *slog.Logger
}

// ToolOption configures optional Tool dependencies.
type ToolOption func(*Tool)

// WithModelResolver lets the skill run its rendered template through the
// active model instead of returning the rendered text directly.
func WithModelResolver(m domain.ModelResolver) ToolOption {
	return func(t *Tool) { t.models = m }
}

// WithLogger sets the logger for the tool.
func WithLogger(l *slog.Logger) ToolOption {
	return func(t *Tool) { t.logger = l }
}

// NewTool creates a tool from a skill definition.
func NewTool(def Definition, opts ...ToolOption) *Tool {
	t := &Tool{def: def, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements domain.Tool.
func (t *Tool) Name() string { return t.def.Name }

// Description implements domain.Tool.
func (t *Tool) Description() string { return t.def.Description }

// Schema implements domain.Tool.
func (t *Tool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.def.Name,
		Description: t.def.Description,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"input": {
					"type": "string",
					"description": "The input to process with this skill"
				}
			},
			"required": ["input"]
		}`),
	}
}

// Execute implements domain.Tool.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var p struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return &domain.ToolResult{
			Content: "invalid parameters: " + err.Error(),
			IsError: true,
		}, nil
	}

	if p.Input == "" {
		t.logger.Warn("skill executed with empty input", "skill", t.def.Name)
	}

	rendered := strings.ReplaceAll(t.def.Template, "{{.input}}", p.Input)

	if t.models == nil {
		return &domain.ToolResult{Content: rendered}, nil
	}

	provider, model, err := t.models.Resolve()
	if err != nil {
		t.logger.Warn("model resolution failed, returning rendered template",
			"skill", t.def.Name, "error", err)
		return &domain.ToolResult{Content: rendered}, nil
	}

	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: rendered},
		},
	})
	if err != nil {
		return &domain.ToolResult{
			Content: "skill LLM call failed: " + err.Error(),
			IsError: true,
		}, nil
	}
	return &domain.ToolResult{Content: resp.Message.Content}, nil
}
