package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/graph"
	"flowline/internal/repo"
)

// Engine owns the goal lifecycle: decomposition into a task DAG, progress
// synchronization and the per-goal orchestration flow. Task execution and
// failure handling live in their own components and talk to the engine only
// through integration events.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Graph  *graph.Store
	Config *config.Config
	Now    func() time.Time

	goalMu    sync.Mutex
	goalLocks map[string]*sync.Mutex
}

func New(db *sql.DB, g *graph.Store, cfg *config.Config) *Engine {
	return &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Graph:     g,
		Config:    cfg,
		Now:       time.Now,
		goalLocks: map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockGoal serializes progress writes per goal. Two unrelated goals never
// block each other.
func (e *Engine) lockGoal(goalID string) *sync.Mutex {
	e.goalMu.Lock()
	defer e.goalMu.Unlock()
	mu := e.goalLocks[goalID]
	if mu == nil {
		mu = &sync.Mutex{}
		e.goalLocks[goalID] = mu
	}
	return mu
}

// TaskSpec describes one task of a goal decomposition. DependsOn refers to
// Key values of other tasks in the same spec.
type TaskSpec struct {
	Key                  string   `json:"key"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Priority             int      `json:"priority,omitempty"`
	ContributionExpected float64  `json:"contribution_expected,omitempty"`
	MaxRetries           int      `json:"max_retries,omitempty"`
	OutputShape          []string `json:"output_shape,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty"`
}

// GoalSpec is the submitGoal input.
type GoalSpec struct {
	WorkspaceID string     `json:"workspace_id,omitempty"`
	Description string     `json:"description"`
	MetricType  string     `json:"metric_type,omitempty" enum:"count,business_value"`
	TargetValue float64    `json:"target_value"`
	Priority    int        `json:"priority,omitempty"`
	Tasks       []TaskSpec `json:"tasks"`
}

// SubmitGoal materializes a goal and its task DAG in one transaction and
// opens the orchestration flow at GOAL_DECOMPOSITION. The flow advances via
// the emitted integration events, never by direct calls.
func (e *Engine) SubmitGoal(ctx context.Context, spec GoalSpec) (domain.Goal, error) {
	if e.Config == nil {
		return domain.Goal{}, errors.New("config not loaded")
	}
	if spec.WorkspaceID == "" {
		spec.WorkspaceID = e.Config.Workspace.ID
	}
	if spec.TargetValue <= 0 {
		return domain.Goal{}, errors.New("target_value must be positive")
	}
	if spec.MetricType == "" {
		spec.MetricType = "count"
	}
	if spec.MetricType != "count" && spec.MetricType != "business_value" {
		return domain.Goal{}, fmt.Errorf("unknown metric_type %s", spec.MetricType)
	}
	if spec.Priority == 0 {
		spec.Priority = 3
	}
	if spec.Priority < 1 || spec.Priority > 5 {
		return domain.Goal{}, errors.New("priority must be 1..5")
	}
	if len(spec.Tasks) == 0 {
		return domain.Goal{}, errors.New("at least one task is required")
	}
	order, err := topoOrder(spec.Tasks)
	if err != nil {
		return domain.Goal{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	g := domain.Goal{
		ID:          uuid.New().String(),
		WorkspaceID: spec.WorkspaceID,
		Description: spec.Description,
		MetricType:  spec.MetricType,
		TargetValue: spec.TargetValue,
		Status:      "active",
		Priority:    spec.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	flow := domain.OrchestrationFlow{
		ID:           uuid.New().String(),
		WorkspaceID:  g.WorkspaceID,
		GoalID:       g.ID,
		CurrentStage: domain.StageGoalDecomposition,
		Status:       "active",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	if err := e.Repo.InsertFlow(ctx, tx, flow); err != nil {
		return domain.Goal{}, fmt.Errorf("insert flow: %w", err)
	}

	idByKey := map[string]string{}
	tasks := make([]domain.Task, 0, len(spec.Tasks))
	for _, ts := range order {
		maxRetries := ts.MaxRetries
		if maxRetries == 0 {
			maxRetries = e.Config.Retry.MaxRetries
		}
		contribution := ts.ContributionExpected
		if contribution == 0 {
			contribution = 1
		}
		priority := ts.Priority
		if priority == 0 {
			priority = spec.Priority
		}
		t := domain.Task{
			ID:                   uuid.New().String(),
			WorkspaceID:          g.WorkspaceID,
			GoalID:               &g.ID,
			Title:                ts.Title,
			Description:          ts.Description,
			Status:               "pending",
			Priority:             priority,
			ContributionExpected: contribution,
			MaxRetries:           maxRetries,
			OutputShape:          ts.OutputShape,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return domain.Goal{}, fmt.Errorf("insert task %s: %w", ts.Title, err)
		}
		idByKey[ts.Key] = t.ID
		for _, depKey := range ts.DependsOn {
			depID, ok := idByKey[depKey]
			if !ok {
				return domain.Goal{}, fmt.Errorf("task %s depends on unknown key %s", ts.Key, depKey)
			}
			if err := e.Repo.AddDependency(ctx, tx, t.ID, depID); err != nil {
				return domain.Goal{}, err
			}
			t.DependsOn = append(t.DependsOn, depID)
		}
		tasks = append(tasks, t)
	}

	if err := e.Events.Append(ctx, tx, events.TypeGoalSubmitted, "engine", "flow", &flow.ID, g.Priority, events.EventPayload{
		"goal_id": g.ID, "workspace_id": g.WorkspaceID,
	}); err != nil {
		return domain.Goal{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTasksGenerated, "engine", "flow", &flow.ID, g.Priority, events.EventPayload{
		"goal_id": g.ID, "task_count": len(tasks),
	}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}

	for _, t := range tasks {
		e.Graph.AddTaskWithDeps(t, t.DependsOn)
	}
	return g, nil
}

// topoOrder validates the spec's dependency keys form a DAG and returns the
// tasks in an order where prerequisites come first.
func topoOrder(specs []TaskSpec) ([]TaskSpec, error) {
	byKey := map[string]TaskSpec{}
	indeg := map[string]int{}
	dependents := map[string][]string{}
	for _, ts := range specs {
		if ts.Key == "" || ts.Title == "" {
			return nil, errors.New("task key and title are required")
		}
		if _, dup := byKey[ts.Key]; dup {
			return nil, fmt.Errorf("duplicate task key %s", ts.Key)
		}
		byKey[ts.Key] = ts
		indeg[ts.Key] = 0
	}
	for _, ts := range specs {
		for _, dep := range ts.DependsOn {
			if _, ok := byKey[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown key %s", ts.Key, dep)
			}
			indeg[ts.Key]++
			dependents[dep] = append(dependents[dep], ts.Key)
		}
	}
	var queue []string
	for _, ts := range specs {
		if indeg[ts.Key] == 0 {
			queue = append(queue, ts.Key)
		}
	}
	var order []TaskSpec
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		order = append(order, byKey[key])
		for _, dep := range dependents[key] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != len(specs) {
		return nil, &graph.CycleError{}
	}
	return order, nil
}

// CancelGoal cancels the goal, its flow and every task that has not started.
// In-flight executions are left to run out their timeout so the audit trail
// stays consistent.
func (e *Engine) CancelGoal(ctx context.Context, goalID string) error {
	mu := e.lockGoal(goalID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGoalTx(ctx, tx, goalID)
	if err != nil {
		return err
	}
	if g.Status == "completed" || g.Status == "cancelled" {
		return fmt.Errorf("goal %s already %s", goalID, g.Status)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE goal_id=? AND status IN ('pending','failed','timed_out')`, goalID)
	if err != nil {
		return err
	}
	var cancelled []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		cancelled = append(cancelled, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range cancelled {
		if err := e.Repo.UpdateTaskStatus(ctx, tx, id, "canceled", 0, now, nil); err != nil {
			return err
		}
	}
	if err := e.Repo.UpdateGoalStatus(ctx, tx, goalID, "cancelled", now); err != nil {
		return err
	}
	flow, err := e.Repo.GetFlowByGoalTx(ctx, tx, goalID)
	if err == nil {
		flow.Status = "cancelled"
		flow.UpdatedAt = now
		if err := e.Repo.UpdateFlow(ctx, tx, flow); err != nil {
			return err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, id := range cancelled {
		e.Graph.MarkStatus(id, "canceled")
	}
	return nil
}

// SyncGoalProgress recomputes the goal's current value from its completed
// deliverables. It is safe to call concurrently and with duplicated or
// out-of-order deliverable events: the value is always derived from the
// source of truth, never incremented.
func (e *Engine) SyncGoalProgress(ctx context.Context, goalID string) (domain.Goal, error) {
	mu := e.lockGoal(goalID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGoalTx(ctx, tx, goalID)
	if err != nil {
		return g, err
	}
	if g.Status == "completed" || g.Status == "cancelled" {
		return g, nil
	}
	var current float64
	switch g.MetricType {
	case "business_value":
		current, err = e.Repo.SumBusinessValueForGoal(ctx, tx, goalID)
	default:
		current, err = e.Repo.CountCompletedForGoal(ctx, tx, goalID)
	}
	if err != nil {
		return g, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	status := g.Status
	var completedAt *string
	justCompleted := false
	if current >= g.TargetValue {
		status = "completed"
		completedAt = &now
		justCompleted = true
	}
	if err := e.Repo.UpdateGoalProgress(ctx, tx, goalID, current, status, now, completedAt); err != nil {
		return g, err
	}
	flowID := flowIDForGoal(ctx, tx, e.Repo, goalID)
	if err := e.Events.Append(ctx, tx, events.TypeGoalProgressSynced, "synchronizer", "flow", flowID, g.Priority, events.EventPayload{
		"goal_id": goalID, "current_value": current, "target_value": g.TargetValue,
	}); err != nil {
		return g, err
	}
	if justCompleted {
		if err := e.Events.Append(ctx, tx, events.TypeGoalCompleted, "synchronizer", "flow", flowID, g.Priority, events.EventPayload{
			"goal_id": goalID,
		}); err != nil {
			return g, err
		}
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	g.CurrentValue = current
	g.Status = status
	g.UpdatedAt = now
	g.CompletedAt = completedAt
	return g, nil
}

func flowIDForGoal(ctx context.Context, tx *sql.Tx, r repo.Repo, goalID string) *string {
	f, err := r.GetFlowByGoalTx(ctx, tx, goalID)
	if err != nil {
		return nil
	}
	return &f.ID
}
