package domain

// SkillRegistry exposes the globally available skills as executable tools.
// Execution units filter this set by their persona's SkillIDs.
type SkillRegistry interface {
	// All returns every registered skill.
	All() []Tool
	// Get returns the skill with the given ID, or ErrSkillNotFound.
	Get(id string) (Tool, error)
}
