package domain

import "fmt"

// Error kinds recorded on task executions and matched by the quality gate and
// recovery engine. Matched as tagged values, never by sniffing message text.
const (
	ErrKindRateLimit          = "rate_limit"
	ErrKindTimeout            = "timeout"
	ErrKindNetwork            = "network"
	ErrKindValidation         = "validation"
	ErrKindDependencyMissing  = "dependency_missing"
	ErrKindResourceExhaustion = "resource_exhaustion"
)

// TaskError is a classified failure of a task attempt.
type TaskError struct {
	Kind    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Transient reports whether the kind is retriable without intervention.
func (e *TaskError) Transient() bool {
	return TransientKind(e.Kind)
}

// TransientKind reports whether an error kind names a transient external
// failure (auto-retried by the recovery engine).
func TransientKind(kind string) bool {
	switch kind {
	case ErrKindRateLimit, ErrKindTimeout, ErrKindNetwork:
		return true
	}
	return false
}
