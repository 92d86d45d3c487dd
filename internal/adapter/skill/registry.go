package skill

import (
	"sync"

	"openassistant/internal/domain"
)

// Registry is an in-memory skill registry. It implements
// domain.SkillRegistry; execution units pull their allowed tools from it.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]domain.Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]domain.Tool)}
}

// Register adds a tool. Returns ErrDuplicate if the name is taken.
func (r *Registry) Register(tool domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("skill.Register", domain.ErrDuplicate, name)
	}
	r.order = append(r.order, name)
	r.tools[name] = tool
	return nil
}

// LoadDir parses skill files from dir and registers one tool per skill.
func (r *Registry) LoadDir(dir string, opts ...ToolOption) error {
	defs, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := r.Register(NewTool(def, opts...)); err != nil {
			return err
		}
	}
	return nil
}

// All implements domain.SkillRegistry. Tools come back in registration order.
func (r *Registry) All() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]domain.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Get implements domain.SkillRegistry.
func (r *Registry) Get(id string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[id]
	if !ok {
		return nil, domain.NewDomainError("skill.Get", domain.ErrSkillNotFound, id)
	}
	return tool, nil
}

var _ domain.SkillRegistry = (*Registry)(nil)
