package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/executor"
	"flowline/internal/migrate"
	"flowline/internal/orchestrator"
	"flowline/internal/repo"
)

// startOrchestrator builds a full pipeline over a fresh database and runs it
// until the test ends.
func startOrchestrator(t *testing.T, exec executor.Executor) *orchestrator.Orchestrator {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	cfg.Retry.BackoffBaseMS = 1
	cfg.Retry.BackoffCapMS = 5
	o, err := orchestrator.New(context.Background(), conn, cfg, exec)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChainedGoalRunsToCompletion(t *testing.T) {
	o := startOrchestrator(t, executor.Echo())
	ctx := context.Background()

	g, err := o.SubmitGoal(ctx, engine.GoalSpec{
		Description: "publish a report",
		TargetValue: 3,
		Tasks: []engine.TaskSpec{
			{Key: "outline", Title: "Outline", Description: "outline the report"},
			{Key: "draft", Title: "Draft", Description: "write the draft", DependsOn: []string{"outline"}},
			{Key: "publish", Title: "Publish", Description: "publish it", DependsOn: []string{"draft"}},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 15*time.Second, "flow to complete", func() bool {
		flow, err := o.Repo.GetFlowByGoal(ctx, g.ID)
		return err == nil && flow.Status == "completed"
	})

	goal, err := o.Repo.GetGoal(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if goal.Status != "completed" || goal.CurrentValue != 3 {
		t.Fatalf("goal not finished: %+v", goal)
	}
	flow, err := o.Repo.GetFlowByGoal(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if flow.CurrentStage != domain.StageCompleted || flow.ProgressPercentage != 100 {
		t.Fatalf("flow not finished: %+v", flow)
	}
	items, err := o.Repo.ListDeliverables(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 deliverables, got %d", len(items))
	}
	tasks, _ := o.Repo.ListTasks(ctx, repo.TaskFilters{GoalID: g.ID})
	for _, task := range tasks {
		if task.Status != "completed" {
			t.Fatalf("task %s not completed: %s", task.Title, task.Status)
		}
		execs, err := o.Repo.ListExecutionsForTask(ctx, task.ID)
		if err != nil || len(execs) != 1 {
			t.Fatalf("task %s executions: %v %v", task.Title, execs, err)
		}
	}
}

func TestRateLimitedTaskRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	exec := executor.Func{ID: "throttled", Fn: func(ctx context.Context, spec executor.TaskSpec) (executor.Result, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			return executor.Result{}, &domain.TaskError{Kind: domain.ErrKindRateLimit, Message: "429 from upstream"}
		}
		return executor.Result{Payload: map[string]any{"content": "done"}, Title: spec.Title}, nil
	}}
	o := startOrchestrator(t, exec)
	ctx := context.Background()

	g, err := o.SubmitGoal(ctx, engine.GoalSpec{
		Description: "one flaky task",
		TargetValue: 1,
		Tasks:       []engine.TaskSpec{{Key: "t", Title: "Flaky"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 15*time.Second, "goal to complete after retries", func() bool {
		got, err := o.Repo.GetGoal(ctx, g.ID)
		return err == nil && got.Status == "completed"
	})

	tasks, _ := o.Repo.ListTasks(ctx, repo.TaskFilters{GoalID: g.ID})
	if len(tasks) != 1 {
		t.Fatalf("tasks: %v", tasks)
	}
	execs, err := o.Repo.ListExecutionsForTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	// Two rate-limited attempts plus the success: every attempt leaves a row.
	if len(execs) != 3 {
		t.Fatalf("expected 3 execution rows, got %d", len(execs))
	}
	failed := 0
	for _, e := range execs {
		if e.Status == "failed_retriable" {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("expected 2 failed attempts, got %d of %v", failed, execs)
	}
	state, err := o.Repo.GetRecoveryState(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("recovery state: %v", err)
	}
	if state.State != "resolved" {
		t.Fatalf("recovery not resolved after acceptance: %+v", state)
	}
}

func TestSameTitleDeliverablesDisambiguated(t *testing.T) {
	o := startOrchestrator(t, executor.Echo())
	ctx := context.Background()

	g, err := o.SubmitGoal(ctx, engine.GoalSpec{
		Description: "two independent reports",
		TargetValue: 2,
		Tasks: []engine.TaskSpec{
			{Key: "r1", Title: "Weekly report", Description: "east region"},
			{Key: "r2", Title: "Weekly report", Description: "west region"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 15*time.Second, "both deliverables", func() bool {
		items, err := o.Repo.ListDeliverables(ctx, g.ID)
		return err == nil && len(items) == 2
	})

	items, _ := o.Repo.ListDeliverables(ctx, g.ID)
	titles := map[string]bool{}
	for _, d := range items {
		titles[d.Title] = true
	}
	if !titles["Weekly report"] || !titles["Weekly report (2)"] {
		t.Fatalf("titles not disambiguated: %v", titles)
	}
}

func TestTerminalFailureEscalatesAndFailsFlow(t *testing.T) {
	exec := executor.Func{ID: "broken", Fn: func(ctx context.Context, spec executor.TaskSpec) (executor.Result, error) {
		return executor.Result{}, &domain.TaskError{Kind: domain.ErrKindDependencyMissing, Message: "upstream asset gone"}
	}}
	o := startOrchestrator(t, exec)
	ctx := context.Background()

	g, err := o.SubmitGoal(ctx, engine.GoalSpec{
		Description: "cannot succeed",
		TargetValue: 1,
		Tasks:       []engine.TaskSpec{{Key: "t", Title: "Doomed"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// dependency_missing offers no retry rung and no prior result to fall back
	// on, so the ladder exhausts and the flow fails.
	waitFor(t, 15*time.Second, "flow to fail", func() bool {
		flow, err := o.Repo.GetFlowByGoal(ctx, g.ID)
		return err == nil && flow.Status == "failed"
	})

	tasks, _ := o.Repo.ListTasks(ctx, repo.TaskFilters{GoalID: g.ID})
	state, err := o.Repo.GetRecoveryState(ctx, tasks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "escalated_to_human" {
		t.Fatalf("expected escalation, got %+v", state)
	}
}
