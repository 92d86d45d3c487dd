package domain

import (
	"context"
	"encoding/json"
)

// IntegrationDefinition describes an installed integration and the skills
// it contributes.
type IntegrationDefinition struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Skills []Tool `json:"-"`
}

// IntegrationInstance is one user's active connection to an integration.
type IntegrationInstance interface {
	// Definition returns the integration's static description.
	Definition() IntegrationDefinition
	// ExecuteSkill runs one of the integration's skills in the instance's
	// connection context.
	ExecuteSkill(ctx context.Context, skillID string, args json.RawMessage) (*ToolResult, error)
}

// IntegrationRegistry resolves the active integration instances for a user.
// Execution units filter the result by their persona's IntegrationIDs.
type IntegrationRegistry interface {
	ActiveInstancesForUser(ctx context.Context, userID string) ([]IntegrationInstance, error)
}
