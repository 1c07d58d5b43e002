// Package recovery turns classified task failures into corrective action. It
// walks a fixed strategy ladder per task, persists where it got to, and
// escalates to a human when the ladder runs out. The walk is bounded: retry
// rungs consume the task's retry budget, every other rung advances the
// persisted index past itself, so a failing task crosses the ladder at most
// once before escalation.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/graph"
	"flowline/internal/repo"
)

type Strategy string

const (
	StrategyImmediateRetry   Strategy = "immediate_retry"
	StrategyDelayedRetry     Strategy = "delayed_retry"
	StrategyReassignment     Strategy = "reassignment"
	StrategyDecomposition    Strategy = "decomposition"
	StrategyDegradedFallback Strategy = "degraded_fallback"
)

// DefaultOrder is the strategy ladder, cheapest first.
var DefaultOrder = []Strategy{
	StrategyImmediateRetry,
	StrategyDelayedRetry,
	StrategyReassignment,
	StrategyDecomposition,
	StrategyDegradedFallback,
}

// Failure is the classified outcome handed over by the quality gate.
type Failure struct {
	TaskID      string
	ExecutionID string
	ErrorKind   string
	Message     string
	Retriable   bool
}

// Decision records what the engine did about a failure.
type Decision struct {
	Strategy      Strategy `json:"strategy,omitempty"`
	Escalated     bool     `json:"escalated"`
	Reason        string   `json:"reason,omitempty"`
	NextAttemptAt *string  `json:"next_attempt_at,omitempty"`
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Graph  *graph.Store
	Config *config.Config
	Now    func() time.Time

	// Ranker orders the strategies considered for a failure. Defaults to
	// DefaultOrder; deployments can plug in their own ranking.
	Ranker func(task domain.Task, f Failure) []Strategy

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(db *sql.DB, g *graph.Store, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Graph:  g,
		Config: cfg,
		Now:    time.Now,
		timers: map[string]*time.Timer{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Stop cancels pending delayed-retry timers.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// ResumeTimers reschedules delayed retries recorded before a restart.
func (e *Engine) ResumeTimers(ctx context.Context) error {
	states, err := e.Repo.ListRecoveryStates(ctx, "retrying", "")
	if err != nil {
		return err
	}
	for _, st := range states {
		if st.NextAttemptAt == nil {
			continue
		}
		at, err := time.Parse(time.RFC3339, *st.NextAttemptAt)
		if err != nil {
			continue
		}
		e.scheduleRequeue(st.TaskID, time.Until(at))
	}
	return nil
}

// HandleFailure picks and applies the first applicable strategy at or past
// the task's persisted strategy index. When nothing applies the task is
// escalated to the human review queue.
func (e *Engine) HandleFailure(ctx context.Context, f Failure) (Decision, error) {
	task, err := e.Repo.GetTask(ctx, f.TaskID)
	if err != nil {
		return Decision{}, err
	}
	if task.Status == "completed" || task.Status == "canceled" {
		return Decision{}, nil
	}
	state, err := e.Repo.GetRecoveryState(ctx, f.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		state = domain.RecoveryState{
			TaskID:    f.TaskID,
			State:     "detected",
			CreatedAt: e.now().UTC().Format(time.RFC3339),
		}
	} else if err != nil {
		return Decision{}, err
	}

	// Corrective work gets no second layer of correction.
	if task.IsCorrective {
		return e.escalate(ctx, task, state, fmt.Sprintf("corrective task failed: %s", f.Message))
	}

	order := DefaultOrder
	if e.Ranker != nil {
		order = e.Ranker(task, f)
	}
	for i := state.StrategyIndex; i < len(order); i++ {
		s := order[i]
		if !e.applies(ctx, s, task, f) {
			continue
		}
		// Retry rungs may repeat while the task has retry budget left; every
		// other rung gets exactly one attempt, so the walk crosses the ladder
		// in at most len(order) applications before escalating.
		if s == StrategyImmediateRetry || s == StrategyDelayedRetry {
			state.StrategyIndex = i
		} else {
			state.StrategyIndex = i + 1
		}
		state.Attempted = append(state.Attempted, string(s))
		return e.apply(ctx, s, task, f, state)
	}
	return e.escalate(ctx, task, state, exhaustedReason(state.Attempted, f))
}

func exhaustedReason(attempted []string, f Failure) string {
	msg := f.Message
	if msg == "" {
		msg = f.ErrorKind
	}
	if len(attempted) == 0 {
		return fmt.Sprintf("no recovery strategy applies: %s", msg)
	}
	return fmt.Sprintf("recovery exhausted after %s: %s", strings.Join(attempted, ", "), msg)
}

func (e *Engine) applies(ctx context.Context, s Strategy, task domain.Task, f Failure) bool {
	switch s {
	case StrategyImmediateRetry:
		return (f.ErrorKind == domain.ErrKindRateLimit || f.ErrorKind == domain.ErrKindTimeout) &&
			task.RetryCount < task.MaxRetries
	case StrategyDelayedRetry:
		return (domain.TransientKind(f.ErrorKind) || f.Retriable) && task.RetryCount < task.MaxRetries
	case StrategyReassignment:
		return f.ErrorKind == domain.ErrKindNetwork
	case StrategyDecomposition:
		return f.ErrorKind == domain.ErrKindValidation && task.DelegationDepth == 0
	case StrategyDegradedFallback:
		_, ok := e.lastResult(ctx, task.ID)
		return ok
	}
	return false
}

func (e *Engine) apply(ctx context.Context, s Strategy, task domain.Task, f Failure, state domain.RecoveryState) (Decision, error) {
	switch s {
	case StrategyImmediateRetry:
		return e.requeueNow(ctx, task, state, s)
	case StrategyDelayedRetry:
		return e.requeueLater(ctx, task, state)
	case StrategyReassignment:
		return e.reassign(ctx, task, state)
	case StrategyDecomposition:
		return e.decompose(ctx, task, state, f)
	case StrategyDegradedFallback:
		return e.fallback(ctx, task, state)
	}
	return Decision{}, fmt.Errorf("unknown strategy %s", s)
}

// requeueNow puts the task straight back in the ready queue.
func (e *Engine) requeueNow(ctx context.Context, task domain.Task, state domain.RecoveryState, s Strategy) (Decision, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, task.ID, "pending", task.RetryCount+1, now, nil); err != nil {
		return Decision{}, err
	}
	state.State = "retrying"
	state.NextAttemptAt = nil
	state.UpdatedAt = now
	if err := e.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
		return Decision{}, err
	}
	if err := e.appendApplied(ctx, tx, task, s, events.EventPayload{"retry_count": task.RetryCount + 1}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	e.Graph.MarkStatus(task.ID, "pending")
	return Decision{Strategy: s}, nil
}

// requeueLater schedules a retry after exponential backoff. The task stays
// out of the ready queue until the timer fires.
func (e *Engine) requeueLater(ctx context.Context, task domain.Task, state domain.RecoveryState) (Decision, error) {
	delay := e.Config.BackoffBase() << uint(task.RetryCount)
	if cap := e.Config.BackoffCap(); delay > cap {
		delay = cap
	}
	at := e.now().UTC().Add(delay).Format(time.RFC3339)
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()
	state.State = "retrying"
	state.NextAttemptAt = &at
	state.UpdatedAt = now
	if err := e.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
		return Decision{}, err
	}
	if err := e.appendApplied(ctx, tx, task, StrategyDelayedRetry, events.EventPayload{"next_attempt_at": at}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	e.scheduleRequeue(task.ID, delay)
	return Decision{Strategy: StrategyDelayedRetry, NextAttemptAt: &at}, nil
}

func (e *Engine) scheduleRequeue(taskID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if old := e.timers[taskID]; old != nil {
		old.Stop()
	}
	e.timers[taskID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, taskID)
		e.mu.Unlock()
		e.fireRequeue(taskID)
	})
}

func (e *Engine) fireRequeue(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if task.Status != "failed" && task.Status != "timed_out" {
		return // resolved some other way in the meantime
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, "pending", task.RetryCount+1, now, nil); err != nil {
		return
	}
	state, err := e.Repo.GetRecoveryStateTx(ctx, tx, taskID)
	if err == nil {
		state.NextAttemptAt = nil
		state.UpdatedAt = now
		if err := e.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
			return
		}
	}
	if err := tx.Commit(); err != nil {
		return
	}
	e.Graph.MarkStatus(taskID, "pending")
}

// reassign requeues the task under an alternate executor identity so an
// environment-bound failure does not hit the same host again.
func (e *Engine) reassign(ctx context.Context, task domain.Task, state domain.RecoveryState) (Decision, error) {
	now := e.now().UTC().Format(time.RFC3339)
	base := task.AgentRef
	if i := strings.Index(base, "-alt"); i >= 0 {
		base = base[:i]
	}
	alt := fmt.Sprintf("alt%d", task.RetryCount+1)
	if base != "" {
		alt = fmt.Sprintf("%s-%s", base, alt)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskAgentRef(ctx, tx, task.ID, alt, now); err != nil {
		return Decision{}, err
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, task.ID, "pending", task.RetryCount+1, now, nil); err != nil {
		return Decision{}, err
	}
	state.State = "retrying"
	state.UpdatedAt = now
	if err := e.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
		return Decision{}, err
	}
	if err := e.appendApplied(ctx, tx, task, StrategyReassignment, events.EventPayload{"agent_ref": alt}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	e.Graph.MarkStatus(task.ID, "pending")
	return Decision{Strategy: StrategyReassignment}, nil
}

// decompose replaces the failing task with two corrective subtasks that split
// its expected contribution. Dependents are rewired onto the subtasks so the
// graph stays connected. Depth is capped at one level of correction.
func (e *Engine) decompose(ctx context.Context, task domain.Task, state domain.RecoveryState, f Failure) (Decision, error) {
	now := e.now().UTC().Format(time.RFC3339)
	dependents, err := e.Repo.ListDependents(ctx, task.ID)
	if err != nil {
		return Decision{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()

	var parts []domain.Task
	for i := 1; i <= 2; i++ {
		part := domain.Task{
			ID:                   uuid.New().String(),
			WorkspaceID:          task.WorkspaceID,
			GoalID:               task.GoalID,
			Title:                fmt.Sprintf("%s (part %d/2)", task.Title, i),
			Description:          task.Description,
			Status:               "pending",
			Priority:             task.Priority,
			IsCorrective:         true,
			DelegationDepth:      task.DelegationDepth + 1,
			ContributionExpected: task.ContributionExpected / 2,
			MaxRetries:           task.MaxRetries,
			OutputShape:          task.OutputShape,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := e.Repo.InsertTask(ctx, tx, part); err != nil {
			return Decision{}, err
		}
		parts = append(parts, part)
	}
	// Dependents now wait on the replacement parts instead of the dead task.
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE depends_on_task_id=?`, task.ID); err != nil {
		return Decision{}, err
	}
	for _, dep := range dependents {
		for _, part := range parts {
			if err := e.Repo.AddDependency(ctx, tx, dep, part.ID); err != nil {
				return Decision{}, err
			}
		}
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, task.ID, "failed", task.RetryCount, now, nil); err != nil {
		return Decision{}, err
	}
	state.State = "resolved"
	state.Reason = fmt.Sprintf("decomposed into %d corrective tasks: %s", len(parts), f.Message)
	state.UpdatedAt = now
	if err := e.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
		return Decision{}, err
	}
	partIDs := make([]string, len(parts))
	for i, p := range parts {
		partIDs[i] = p.ID
	}
	if err := e.appendApplied(ctx, tx, task, StrategyDecomposition, events.EventPayload{"corrective_task_ids": partIDs}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	// The rewired edges invalidate the incremental counters; rebuild.
	if err := e.Graph.Load(ctx); err != nil {
		return Decision{}, err
	}
	return Decision{Strategy: StrategyDecomposition}, nil
}

// fallback accepts the task's last result at reduced value instead of
// blocking the goal on a perfect one.
func (e *Engine) fallback(ctx context.Context, task domain.Task, state domain.RecoveryState) (Decision, error) {
	exec, ok := e.lastResult(ctx, task.ID)
	if !ok {
		return Decision{}, fmt.Errorf("task %s has no result to fall back on", task.ID)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetDeliverableByExecution(ctx, tx, exec.ID); err == nil {
		return Decision{Strategy: StrategyDegradedFallback}, tx.Commit()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Decision{}, err
	}
	d := domain.Deliverable{
		ID:                 uuid.New().String(),
		WorkspaceID:        task.WorkspaceID,
		GoalID:             task.GoalID,
		TaskID:             &task.ID,
		ExecutionID:        exec.ID,
		Title:              task.Title + " (degraded)",
		Status:             "completed",
		Content:            derefOr(exec.ResultPayload),
		BusinessValueScore: task.ContributionExpected / 2,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
		return Decision{}, err
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, task.ID, "completed", task.RetryCount, now, &now); err != nil {
		return Decision{}, err
	}
	state.State = "resolved"
	state.Reason = "accepted degraded result"
	state.UpdatedAt = now
	if err := e.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
		return Decision{}, err
	}
	flowID := flowIDForTask(ctx, tx, e.Repo, task)
	if err := e.Events.Append(ctx, tx, events.TypeDeliverableCreated, "recovery", "synchronizer", flowID, task.Priority, events.EventPayload{
		"deliverable_id": d.ID,
		"task_id":        task.ID,
		"goal_id":        goalIDOf(task),
		"workspace_id":   task.WorkspaceID,
		"degraded":       true,
	}); err != nil {
		return Decision{}, err
	}
	if err := e.appendApplied(ctx, tx, task, StrategyDegradedFallback, events.EventPayload{"deliverable_id": d.ID}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	e.Graph.MarkStatus(task.ID, "completed")
	return Decision{Strategy: StrategyDegradedFallback}, nil
}

func (e *Engine) escalate(ctx context.Context, task domain.Task, state domain.RecoveryState, reason string) (Decision, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()

	if task.Status != "failed" && task.Status != "timed_out" {
		if err := e.Repo.UpdateTaskStatus(ctx, tx, task.ID, "failed", task.RetryCount, now, nil); err != nil {
			return Decision{}, err
		}
	}
	state.State = "escalated_to_human"
	state.Reason = reason
	state.UpdatedAt = now
	if state.CreatedAt == "" {
		state.CreatedAt = now
	}
	if err := e.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
		return Decision{}, err
	}
	flowID := flowIDForTask(ctx, tx, e.Repo, task)
	if err := e.Events.Append(ctx, tx, events.TypeRecoveryEscalated, "recovery", "operator", flowID, task.Priority, events.EventPayload{
		"task_id":      task.ID,
		"goal_id":      goalIDOf(task),
		"workspace_id": task.WorkspaceID,
		"reason":       reason,
	}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	e.Graph.MarkStatus(task.ID, "failed")
	return Decision{Escalated: true, Reason: reason}, nil
}

func (e *Engine) appendApplied(ctx context.Context, tx *sql.Tx, task domain.Task, s Strategy, extra events.EventPayload) error {
	payload := events.EventPayload{
		"task_id":      task.ID,
		"goal_id":      goalIDOf(task),
		"workspace_id": task.WorkspaceID,
		"strategy":     string(s),
	}
	for k, v := range extra {
		payload[k] = v
	}
	flowID := flowIDForTask(ctx, tx, e.Repo, task)
	return e.Events.Append(ctx, tx, events.TypeRecoveryApplied, "recovery", "flow", flowID, task.Priority, payload)
}

// lastResult returns the most recent completed execution carrying a payload.
func (e *Engine) lastResult(ctx context.Context, taskID string) (domain.TaskExecution, bool) {
	execs, err := e.Repo.ListExecutionsForTask(ctx, taskID)
	if err != nil {
		return domain.TaskExecution{}, false
	}
	for _, ex := range execs {
		if ex.Status == "completed" && ex.ResultPayload != nil && *ex.ResultPayload != "" {
			return ex, true
		}
	}
	return domain.TaskExecution{}, false
}

func flowIDForTask(ctx context.Context, tx *sql.Tx, r repo.Repo, task domain.Task) *string {
	if task.GoalID == nil {
		return nil
	}
	f, err := r.GetFlowByGoalTx(ctx, tx, *task.GoalID)
	if err != nil {
		return nil
	}
	return &f.ID
}

func goalIDOf(task domain.Task) string {
	if task.GoalID == nil {
		return ""
	}
	return *task.GoalID
}

func derefOr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
