package integration

import (
	"context"
	"encoding/json"
	"sync"

	"openassistant/internal/domain"
)

// Instance is an in-memory integration instance: a static definition whose
// skills execute locally. Remote integrations (Slack, Telegram, MCP) plug
// in behind the same domain interface.
type Instance struct {
	def domain.IntegrationDefinition
}

// NewInstance wraps a definition.
func NewInstance(def domain.IntegrationDefinition) *Instance {
	return &Instance{def: def}
}

// Definition implements domain.IntegrationInstance.
func (i *Instance) Definition() domain.IntegrationDefinition { return i.def }

// ExecuteSkill implements domain.IntegrationInstance by dispatching to the
// named skill's own executor.
func (i *Instance) ExecuteSkill(ctx context.Context, skillID string, args json.RawMessage) (*domain.ToolResult, error) {
	for _, skill := range i.def.Skills {
		if skill.Name() == skillID {
			return skill.Execute(ctx, args)
		}
	}
	return nil, domain.NewDomainError("integration.ExecuteSkill", domain.ErrSkillNotFound, skillID)
}

// Registry is an in-memory integration registry mapping users to their
// active instances. It implements domain.IntegrationRegistry.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string][]domain.IntegrationInstance
	global []domain.IntegrationInstance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string][]domain.IntegrationInstance)}
}

// Activate makes an instance available to one user.
func (r *Registry) Activate(userID string, inst domain.IntegrationInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = append(r.byUser[userID], inst)
}

// ActivateGlobal makes an instance available to every user.
func (r *Registry) ActivateGlobal(inst domain.IntegrationInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, inst)
}

// ActiveInstancesForUser implements domain.IntegrationRegistry. Global
// instances come first, then the user's own, in activation order.
func (r *Registry) ActiveInstancesForUser(_ context.Context, userID string) ([]domain.IntegrationInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]domain.IntegrationInstance, 0, len(r.global)+len(r.byUser[userID]))
	instances = append(instances, r.global...)
	instances = append(instances, r.byUser[userID]...)
	return instances, nil
}

var (
	_ domain.IntegrationInstance = (*Instance)(nil)
	_ domain.IntegrationRegistry = (*Registry)(nil)
)
