package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/graph"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type testEnv struct {
	Ctx    context.Context
	DB     *sql.DB
	Repo   repo.Repo
	Graph  *graph.Store
	Engine *engine.Engine
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	g := graph.NewStore(conn)
	eng := engine.New(conn, g, config.Default("ws-1"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{
		Ctx:    context.Background(),
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Graph:  g,
		Engine: eng,
	}
}

func threeTaskSpec() engine.GoalSpec {
	return engine.GoalSpec{
		Description: "Ship the docs site",
		MetricType:  "count",
		TargetValue: 3,
		Tasks: []engine.TaskSpec{
			{Key: "outline", Title: "Write outline"},
			{Key: "draft", Title: "Write draft", DependsOn: []string{"outline"}},
			{Key: "publish", Title: "Publish", DependsOn: []string{"draft"}},
		},
	}
}

func TestSubmitGoalBuildsGraphAndFlow(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.Engine.SubmitGoal(env.Ctx, threeTaskSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if g.WorkspaceID != "ws-1" || g.Status != "active" {
		t.Fatalf("unexpected goal %+v", g)
	}

	flow, err := env.Repo.GetFlowByGoal(env.Ctx, g.ID)
	if err != nil {
		t.Fatalf("flow: %v", err)
	}
	if flow.CurrentStage != domain.StageGoalDecomposition || flow.Status != "active" {
		t.Fatalf("unexpected flow %+v", flow)
	}

	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{GoalID: g.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	// Only the root of the chain may be ready.
	ready := env.Graph.ReadyTasks("ws-1")
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready task, got %v", ready)
	}

	events, err := eventTypes(env)
	if err != nil {
		t.Fatal(err)
	}
	if !events["goal_submitted"] || !events["tasks_generated"] {
		t.Fatalf("missing submission events: %v", events)
	}
}

func eventTypes(env testEnv) (map[string]bool, error) {
	rows, err := env.DB.Query(`SELECT event_type FROM integration_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			return nil, err
		}
		types[et] = true
	}
	return types, rows.Err()
}

func TestSubmitGoalRejectsCyclicSpec(t *testing.T) {
	env := newTestEnv(t)
	spec := engine.GoalSpec{
		Description: "impossible",
		TargetValue: 1,
		Tasks: []engine.TaskSpec{
			{Key: "a", Title: "a", DependsOn: []string{"b"}},
			{Key: "b", Title: "b", DependsOn: []string{"a"}},
		},
	}
	_, err := env.Engine.SubmitGoal(env.Ctx, spec)
	var ce *graph.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	goals, err := env.Repo.ListGoals(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(goals) != 0 {
		t.Fatalf("cyclic submission persisted a goal")
	}
}

// seedDeliverable records an accepted deliverable with its backing execution,
// the way the quality gate does.
func seedDeliverable(t *testing.T, env testEnv, goalID, taskID, title string, score float64) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	exec := domain.TaskExecution{
		ID: uuid.New().String(), TaskID: taskID, AgentRef: "test", Status: "started", StartedAt: now,
	}
	if err := env.Repo.InsertExecution(env.Ctx, tx, exec); err != nil {
		t.Fatal(err)
	}
	payload := `{"content":"x"}`
	if err := env.Repo.FinishExecution(env.Ctx, tx, exec.ID, "completed", &payload, nil, nil, now); err != nil {
		t.Fatal(err)
	}
	d := domain.Deliverable{
		ID: uuid.New().String(), WorkspaceID: "ws-1", GoalID: &goalID, TaskID: &taskID,
		ExecutionID: exec.ID, Title: title, Status: "completed", BusinessValueScore: score,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := env.Repo.InsertDeliverable(env.Ctx, tx, d); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestSyncGoalProgressIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.Engine.SubmitGoal(env.Ctx, threeTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{GoalID: g.ID})
	seedDeliverable(t, env, g.ID, tasks[0].ID, "one", 1)
	seedDeliverable(t, env, g.ID, tasks[1].ID, "two", 1)

	for i := 0; i < 3; i++ {
		got, err := env.Engine.SyncGoalProgress(env.Ctx, g.ID)
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if got.CurrentValue != 2 {
			t.Fatalf("sync %d: current=%v want 2", i, got.CurrentValue)
		}
		if got.Status != "active" {
			t.Fatalf("goal completed early: %+v", got)
		}
	}

	seedDeliverable(t, env, g.ID, tasks[2].ID, "three", 1)
	got, err := env.Engine.SyncGoalProgress(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" || got.CurrentValue != 3 || got.CompletedAt == nil {
		t.Fatalf("expected completion, got %+v", got)
	}
	firstCompletedAt := *got.CompletedAt

	// Further syncs must not move the value or the completion timestamp.
	again, err := env.Engine.SyncGoalProgress(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.CurrentValue != 3 {
		t.Fatalf("replayed sync changed value: %+v", again)
	}
	final, _ := env.Repo.GetGoal(env.Ctx, g.ID)
	if final.CompletedAt == nil || *final.CompletedAt != firstCompletedAt {
		t.Fatalf("completion timestamp moved: %+v", final)
	}
}

func TestConcurrentSyncConverges(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.Engine.SubmitGoal(env.Ctx, threeTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{GoalID: g.ID})
	seedDeliverable(t, env, g.ID, tasks[0].ID, "one", 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.SyncGoalProgress(env.Ctx, g.ID); err != nil {
				t.Errorf("sync: %v", err)
			}
		}()
	}
	wg.Wait()
	got, err := env.Repo.GetGoal(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentValue != 1 {
		t.Fatalf("concurrent syncs drifted: current=%v", got.CurrentValue)
	}
}

func TestBusinessValueMetric(t *testing.T) {
	env := newTestEnv(t)
	spec := threeTaskSpec()
	spec.MetricType = "business_value"
	spec.TargetValue = 5
	g, err := env.Engine.SubmitGoal(env.Ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{GoalID: g.ID})
	seedDeliverable(t, env, g.ID, tasks[0].ID, "one", 2)
	seedDeliverable(t, env, g.ID, tasks[1].ID, "two", 2.5)

	got, err := env.Engine.SyncGoalProgress(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentValue != 4.5 || got.Status != "active" {
		t.Fatalf("expected 4.5 and still active, got %+v", got)
	}

	seedDeliverable(t, env, g.ID, tasks[2].ID, "three", 1)
	got, err = env.Engine.SyncGoalProgress(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentValue != 5.5 || got.Status != "completed" {
		t.Fatalf("expected completion at 5.5, got %+v", got)
	}
}

func TestCancelGoalCancelsUnstartedTasks(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.Engine.SubmitGoal(env.Ctx, threeTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{GoalID: g.ID})
	// Simulate one task already running.
	now := time.Now().UTC().Format(time.RFC3339)
	tx, _ := env.DB.BeginTx(env.Ctx, nil)
	if err := env.Repo.UpdateTaskStatus(env.Ctx, tx, tasks[0].ID, "in_progress", 0, now, nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.CancelGoal(env.Ctx, g.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := env.Repo.GetGoal(env.Ctx, g.ID)
	if got.Status != "cancelled" {
		t.Fatalf("goal not cancelled: %+v", got)
	}
	after, _ := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{GoalID: g.ID})
	var inProgress, canceled int
	for _, task := range after {
		switch task.Status {
		case "in_progress":
			inProgress++
		case "canceled":
			canceled++
		}
	}
	if inProgress != 1 || canceled != 2 {
		t.Fatalf("expected running task untouched and 2 canceled, got %+v", after)
	}
	flow, _ := env.Repo.GetFlowByGoal(env.Ctx, g.ID)
	if flow.Status != "cancelled" {
		t.Fatalf("flow not cancelled: %+v", flow)
	}
	if err := env.Engine.CancelGoal(env.Ctx, g.ID); err == nil {
		t.Fatal("second cancel should error")
	}
}

func TestRefreshFlowAdvancesStages(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.Engine.SubmitGoal(env.Ctx, threeTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	flow, err := env.Engine.RefreshFlow(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Tasks exist but none finished: execution is the current stage.
	if flow.CurrentStage != domain.StageTaskExecution {
		t.Fatalf("stage %s, want TASK_EXECUTION", flow.CurrentStage)
	}
	if len(flow.StagesCompleted) != 2 {
		t.Fatalf("stages completed %v", flow.StagesCompleted)
	}

	tasks, _ := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{GoalID: g.ID})
	now := time.Now().UTC().Format(time.RFC3339)
	for _, task := range tasks {
		seedDeliverable(t, env, g.ID, task.ID, task.Title, 1)
		tx, _ := env.DB.BeginTx(env.Ctx, nil)
		if err := env.Repo.UpdateTaskStatus(env.Ctx, tx, task.ID, "completed", 0, now, &now); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.SyncGoalProgress(env.Ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	flow, err = env.Engine.RefreshFlow(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if flow.CurrentStage != domain.StageCompleted || flow.Status != "completed" {
		t.Fatalf("expected completed flow, got %+v", flow)
	}
	if flow.ProgressPercentage != 100 {
		t.Fatalf("progress %v", flow.ProgressPercentage)
	}

	// Recomputation of a terminal flow is a no-op.
	again, err := env.Engine.RefreshFlow(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != "completed" || again.CurrentStage != domain.StageCompleted {
		t.Fatalf("terminal flow drifted: %+v", again)
	}
}

func TestPauseBlocksRefresh(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.Engine.SubmitGoal(env.Ctx, threeTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.PauseFlow(env.Ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	flow, err := env.Engine.RefreshFlow(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if flow.Status != "paused" || flow.CurrentStage != domain.StageGoalDecomposition {
		t.Fatalf("paused flow advanced: %+v", flow)
	}
	if err := env.Engine.PauseFlow(env.Ctx, g.ID); err == nil {
		t.Fatal("pausing a paused flow should error")
	}
	if err := env.Engine.ResumeFlow(env.Ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	flow, _ = env.Engine.RefreshFlow(env.Ctx, g.ID)
	if flow.Status != "active" || flow.CurrentStage != domain.StageTaskExecution {
		t.Fatalf("resume did not reactivate: %+v", flow)
	}
}
