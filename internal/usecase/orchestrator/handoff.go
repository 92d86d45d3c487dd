package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"openassistant/internal/domain"
)

// handoffTool lets a unit signal that it wants to delegate the task to
// another agent. Invoking it does not transfer control: the structured
// payload comes back as a tool result for the caller to interpret.
type handoffTool struct{}

func (handoffTool) Name() string { return "handoff" }

func (handoffTool) Description() string {
	return "Request a handoff of the current task to another agent. The request is recorded for the orchestrator; it does not transfer control by itself."
}

func (handoffTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        "handoff",
		Description: handoffTool{}.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"target_agent": {"type": "string", "description": "ID of the agent that should take over"},
				"reason": {"type": "string", "description": "Why the handoff is needed"},
				"context": {"type": "string", "description": "Context to pass along"}
			},
			"required": ["target_agent"]
		}`),
	}
}

func (handoffTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var req struct {
		TargetAgent string `json:"target_agent"`
		Reason      string `json:"reason"`
		Context     string `json:"context"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("handoff: parse arguments: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"target_agent": req.TargetAgent,
		"reason":       req.Reason,
		"context":      req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("handoff: marshal payload: %w", err)
	}
	return &domain.ToolResult{Content: string(payload)}, nil
}

// integrationTool adapts one integration skill into a unit tool. Execution
// goes through the owning instance so connection state stays with it, and
// the description is prefixed with the integration name so the model can
// tell instances apart.
type integrationTool struct {
	instance domain.IntegrationInstance
	skill    domain.Tool
	desc     string
}

func newIntegrationTool(instance domain.IntegrationInstance, skill domain.Tool) *integrationTool {
	return &integrationTool{
		instance: instance,
		skill:    skill,
		desc:     fmt.Sprintf("[%s] %s", instance.Definition().Name, skill.Description()),
	}
}

func (t *integrationTool) Name() string        { return t.skill.Name() }
func (t *integrationTool) Description() string { return t.desc }

func (t *integrationTool) Schema() domain.ToolSchema {
	schema := t.skill.Schema()
	schema.Description = t.desc
	return schema
}

func (t *integrationTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return t.instance.ExecuteSkill(ctx, t.skill.Name(), params)
}
