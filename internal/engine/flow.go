package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowline/internal/domain"
	"flowline/internal/repo"
)

// RefreshFlow recomputes the flow's stage, completed-stage list and progress
// from the persisted goal, tasks and deliverables. The computation is a pure
// function of that state, so replaying or duplicating events converges on the
// same flow row instead of drifting.
func (e *Engine) RefreshFlow(ctx context.Context, goalID string) (domain.OrchestrationFlow, error) {
	mu := e.lockGoal(goalID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrchestrationFlow{}, err
	}
	defer tx.Rollback()

	flow, err := e.Repo.GetFlowByGoalTx(ctx, tx, goalID)
	if err != nil {
		return flow, err
	}
	// Terminal and paused flows only change through explicit operations.
	if flow.Status != "active" {
		return flow, nil
	}
	g, err := e.Repo.GetGoalTx(ctx, tx, goalID)
	if err != nil {
		return flow, err
	}

	var totalTasks, openTasks, openRecovery int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN ('pending','in_progress','failed','timed_out') THEN 1 ELSE 0 END),0)
FROM tasks WHERE goal_id=?`, goalID).Scan(&totalTasks, &openTasks); err != nil {
		return flow, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM recovery_states rs JOIN tasks t ON t.id=rs.task_id
WHERE t.goal_id=? AND rs.state IN ('detected','retrying','escalated_to_human')`, goalID).Scan(&openRecovery); err != nil {
		return flow, err
	}
	deliverables, err := e.Repo.CountCompletedForGoal(ctx, tx, goalID)
	if err != nil {
		return flow, err
	}

	var done []string
	push := func(stage string, ok bool) bool {
		if ok {
			done = append(done, stage)
		}
		return ok
	}
	// Stages complete strictly in order; the first incomplete one is current.
	complete := push(domain.StageGoalDecomposition, true)
	complete = complete && push(domain.StageTaskGeneration, totalTasks > 0)
	complete = complete && push(domain.StageTaskExecution, openTasks == 0)
	complete = complete && push(domain.StageQualityValidation, openRecovery == 0)
	complete = complete && push(domain.StageAssetCreation, deliverables > 0)
	complete = complete && push(domain.StageDeliverableGeneration, g.CurrentValue >= g.TargetValue)

	stage := domain.StageCompleted
	if !complete {
		stage = domain.Stages[len(done)]
	}
	ratio := 0.0
	if g.TargetValue > 0 {
		ratio = g.CurrentValue / g.TargetValue
		if ratio > 1 {
			ratio = 1
		}
	}
	progress := 50*float64(len(done))/float64(len(domain.Stages)-1) + 50*ratio
	status := flow.Status
	if stage == domain.StageCompleted && g.Status == "completed" {
		status = "completed"
		progress = 100
	}

	if flow.CurrentStage == stage && flow.Status == status &&
		len(flow.StagesCompleted) == len(done) && flow.ProgressPercentage == progress {
		return flow, nil
	}
	flow.CurrentStage = stage
	flow.StagesCompleted = done
	flow.ProgressPercentage = progress
	flow.Status = status
	flow.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateFlow(ctx, tx, flow); err != nil {
		return flow, err
	}
	if err := tx.Commit(); err != nil {
		return flow, err
	}
	return flow, nil
}

// FailFlow moves the flow to failed with a reason. Only recovery exhaustion
// reaches this; ordinary task failures are absorbed by retries.
func (e *Engine) FailFlow(ctx context.Context, goalID, reason string) error {
	return e.setFlowStatus(ctx, goalID, "failed", &reason, "active")
}

// PauseFlow suspends automatic stage advancement.
func (e *Engine) PauseFlow(ctx context.Context, goalID string) error {
	return e.setFlowStatus(ctx, goalID, "paused", nil, "active")
}

// ResumeFlow reactivates a paused flow.
func (e *Engine) ResumeFlow(ctx context.Context, goalID string) error {
	return e.setFlowStatus(ctx, goalID, "active", nil, "paused")
}

func (e *Engine) setFlowStatus(ctx context.Context, goalID, status string, reason *string, from string) error {
	mu := e.lockGoal(goalID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	flow, err := e.Repo.GetFlowByGoalTx(ctx, tx, goalID)
	if err != nil {
		return err
	}
	if flow.Status != from {
		return fmt.Errorf("flow for goal %s is %s, expected %s", goalID, flow.Status, from)
	}
	flow.Status = status
	flow.FailureReason = reason
	flow.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateFlow(ctx, tx, flow); err != nil {
		return err
	}
	return tx.Commit()
}

// FlowStatus is the aggregated view served by the status endpoints.
type FlowStatus struct {
	Flow       domain.OrchestrationFlow `json:"flow"`
	Goal       domain.Goal              `json:"goal"`
	TaskCounts map[string]int           `json:"task_counts"`
	OpenReview int                      `json:"open_review"`
}

func (e *Engine) FlowStatus(ctx context.Context, goalID string) (FlowStatus, error) {
	var st FlowStatus
	flow, err := e.Repo.GetFlowByGoal(ctx, goalID)
	if err != nil {
		return st, err
	}
	g, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return st, err
	}
	counts, err := e.Repo.CountTasksByStatusForGoal(ctx, goalID)
	if err != nil {
		return st, err
	}
	states, err := e.Repo.ListRecoveryStates(ctx, "escalated_to_human", g.WorkspaceID)
	if err != nil {
		return st, err
	}
	st.Flow = flow
	st.Goal = g
	st.TaskCounts = counts
	st.OpenReview = len(states)
	return st, nil
}

// TaskGraph returns the tasks and edges of a workspace for inspection.
type TaskGraph struct {
	Tasks []domain.Task           `json:"tasks"`
	Edges []domain.TaskDependency `json:"edges"`
}

func (e *Engine) TaskGraph(ctx context.Context, workspaceID string) (TaskGraph, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{WorkspaceID: workspaceID})
	if err != nil {
		return TaskGraph{}, err
	}
	edges, err := e.Repo.ListEdges(ctx, workspaceID)
	if err != nil {
		return TaskGraph{}, err
	}
	return TaskGraph{Tasks: tasks, Edges: edges}, nil
}

// IsNotFound reports whether err is the repository's missing-row sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
