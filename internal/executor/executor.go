// Package executor defines the boundary to the external completion service
// that performs task work. The engine treats it as fallible and slow; every
// call must honour ctx cancellation so timed-out attempts can be abandoned.
package executor

import (
	"context"
	"encoding/json"

	"flowline/internal/domain"
)

// TaskSpec is what an executor receives for one attempt.
type TaskSpec struct {
	TaskID      string   `json:"task_id"`
	WorkspaceID string   `json:"workspace_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	OutputShape []string `json:"output_shape,omitempty"`
	AgentRef    string   `json:"agent_ref,omitempty"`
	Attempt     int      `json:"attempt"`
}

// Result is the raw outcome of one attempt. Payload keys are checked by the
// quality gate against the task's declared output shape.
type Result struct {
	Payload            map[string]any `json:"payload"`
	Title              string         `json:"title,omitempty"`
	BusinessValueScore float64        `json:"business_value_score,omitempty"`
}

// PayloadJSON renders the payload for the task_executions audit row.
func (r Result) PayloadJSON() (string, error) {
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Executor performs the actual work of a task.
type Executor interface {
	Name() string
	Execute(ctx context.Context, spec TaskSpec) (Result, error)
}

// Func adapts a function to the Executor interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, spec TaskSpec) (Result, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Execute(ctx context.Context, spec TaskSpec) (Result, error) {
	return f.Fn(ctx, spec)
}

// Echo is a trivial executor that turns the task description into content.
// It exists for local runs and tests; real deployments plug in a completion
// service client behind the same interface.
func Echo() Executor {
	return Func{
		ID: "echo",
		Fn: func(ctx context.Context, spec TaskSpec) (Result, error) {
			if err := ctx.Err(); err != nil {
				return Result{}, &domain.TaskError{Kind: domain.ErrKindTimeout, Message: err.Error()}
			}
			payload := map[string]any{"content": spec.Description}
			for _, k := range spec.OutputShape {
				if _, ok := payload[k]; !ok {
					payload[k] = ""
				}
			}
			return Result{Payload: payload, Title: spec.Title, BusinessValueScore: 1}, nil
		},
	}
}
