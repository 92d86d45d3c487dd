package domain

import "fmt"

// Sentinel errors for the domain layer.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrSkillNotFound    = fmt.Errorf("skill not found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrMaxIterations    = fmt.Errorf("agent reached max tool iterations")

	// Structural roster errors: raised immediately, they indicate a
	// malformed definition rather than a runtime condition.
	ErrSupervisorNotFound = fmt.Errorf("supervisor agent not found")
	ErrEmptyRoster        = fmt.Errorf("roster has no agents")

	// Resilience errors mapped from provider HTTP responses.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrProviderError   = fmt.Errorf("provider error")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Team.Run")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
