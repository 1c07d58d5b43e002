package scheduler_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/executor"
	"flowline/internal/graph"
	"flowline/internal/migrate"
	"flowline/internal/repo"
	"flowline/internal/scheduler"
)

type testEnv struct {
	Ctx    context.Context
	DB     *sql.DB
	Repo   repo.Repo
	Graph  *graph.Store
	Engine *engine.Engine
	Config *config.Config
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
	cfg := config.Default("ws-1")
	g := graph.NewStore(conn)
	return testEnv{
		Ctx:    context.Background(),
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Graph:  g,
		Engine: engine.New(conn, g, cfg),
		Config: cfg,
	}
}

func (env testEnv) startScheduler(t *testing.T, exec executor.Executor) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(env.DB, env.Graph, exec, env.Config)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func (env testEnv) submitTasks(t *testing.T, n int) []domain.Task {
	t.Helper()
	specs := make([]engine.TaskSpec, n)
	for i := range specs {
		specs[i] = engine.TaskSpec{Key: string(rune('a' + i)), Title: "task " + string(rune('a'+i))}
	}
	g, err := env.Engine.SubmitGoal(env.Ctx, engine.GoalSpec{
		Description: "batch", TargetValue: float64(n), Tasks: specs,
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{GoalID: g.ID})
	if err != nil {
		t.Fatal(err)
	}
	return tasks
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (env testEnv) countExecutions(t *testing.T, status string) int {
	t.Helper()
	query := `SELECT COUNT(*) FROM task_executions`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	var n int
	if err := env.DB.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestEachTaskDispatchedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.submitTasks(t, 6)

	var mu sync.Mutex
	perTask := map[string]int{}
	concurrent, maxConcurrent := 0, 0
	exec := executor.Func{ID: "counter", Fn: func(ctx context.Context, spec executor.TaskSpec) (executor.Result, error) {
		mu.Lock()
		perTask[spec.TaskID]++
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		concurrent--
		mu.Unlock()
		return executor.Result{Payload: map[string]any{"content": spec.Title}}, nil
	}}
	env.startScheduler(t, exec)

	waitFor(t, 5*time.Second, "all executions to complete", func() bool {
		return env.countExecutions(t, "completed") == len(tasks)
	})
	mu.Lock()
	defer mu.Unlock()
	for id, n := range perTask {
		if n != 1 {
			t.Fatalf("task %s executed %d times", id, n)
		}
	}
	if len(perTask) != len(tasks) {
		t.Fatalf("executed %d of %d tasks", len(perTask), len(tasks))
	}
	// workspace_fraction 0.5 of 8 workers caps one workspace at 4.
	if ceiling := env.Config.WorkspaceCeiling(); maxConcurrent > ceiling {
		t.Fatalf("workspace ceiling exceeded: %d > %d", maxConcurrent, ceiling)
	}
	// The audit row count must equal the task count: one started row each,
	// each finished exactly once.
	if env.countExecutions(t, "") != len(tasks) {
		t.Fatalf("execution rows %d, want %d", env.countExecutions(t, ""), len(tasks))
	}
}

func TestTimeoutMarksTaskTimedOut(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Scheduler.TaskTimeoutSeconds = 1
	tasks := env.submitTasks(t, 1)

	exec := executor.Func{ID: "sleeper", Fn: func(ctx context.Context, spec executor.TaskSpec) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	}}
	env.startScheduler(t, exec)

	waitFor(t, 5*time.Second, "timed out task", func() bool {
		got, err := env.Repo.GetTask(env.Ctx, tasks[0].ID)
		return err == nil && got.Status == "timed_out"
	})
	execs, err := env.Repo.ListExecutionsForTask(env.Ctx, tasks[0].ID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("executions %v err %v", execs, err)
	}
	if execs[0].Status != "failed_retriable" || execs[0].ErrorKind == nil || *execs[0].ErrorKind != domain.ErrKindTimeout {
		t.Fatalf("execution %+v", execs[0])
	}
}

func TestBreakerTripsAndResets(t *testing.T) {
	env := newTestEnv(t)
	// Serial dispatch so the failure sequence is deterministic.
	env.Config.Scheduler.Workers = 1
	env.Config.Scheduler.WorkspaceFraction = 1
	env.Config.Breaker.Threshold = 2
	env.submitTasks(t, 3)

	var mu sync.Mutex
	failing := true
	exec := executor.Func{ID: "flaky", Fn: func(ctx context.Context, spec executor.TaskSpec) (executor.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return executor.Result{}, &domain.TaskError{Kind: domain.ErrKindValidation, Message: "bad output"}
		}
		return executor.Result{Payload: map[string]any{"content": "ok"}}, nil
	}}
	s := env.startScheduler(t, exec)

	waitFor(t, 5*time.Second, "breaker to trip", func() bool {
		return s.BreakerState("ws-1").Open
	})
	if n := env.countExecutions(t, ""); n != 2 {
		t.Fatalf("expected 2 executions before trip, got %d", n)
	}
	// The open breaker must starve the remaining ready task.
	time.Sleep(300 * time.Millisecond)
	if n := env.countExecutions(t, ""); n != 2 {
		t.Fatalf("breaker did not block dispatch: %d executions", n)
	}

	mu.Lock()
	failing = false
	mu.Unlock()
	s.ResetBreaker("ws-1")
	waitFor(t, 5*time.Second, "third task after reset", func() bool {
		return env.countExecutions(t, "completed") == 1
	})
	// A success after reset keeps it closed.
	if st := s.BreakerState("ws-1"); st.Open {
		t.Fatalf("breaker state %+v", st)
	}
}

func TestResourceExhaustionRequeuesWithoutPenalty(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Scheduler.Workers = 1
	env.Config.Scheduler.WorkspaceFraction = 1
	// Any counted failure would trip this breaker immediately.
	env.Config.Breaker.Threshold = 1
	tasks := env.submitTasks(t, 1)

	var mu sync.Mutex
	exhausted := false
	exec := executor.Func{ID: "squeezed", Fn: func(ctx context.Context, spec executor.TaskSpec) (executor.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if !exhausted {
			exhausted = true
			return executor.Result{}, &domain.TaskError{Kind: domain.ErrKindResourceExhaustion, Message: "pool full"}
		}
		return executor.Result{Payload: map[string]any{"content": "ok"}}, nil
	}}
	s := env.startScheduler(t, exec)

	waitFor(t, 5*time.Second, "requeued attempt to complete", func() bool {
		return env.countExecutions(t, "completed") == 1
	})
	// Back-pressure leaves an audit row but neither burns retry budget nor
	// counts toward the breaker.
	execs, err := env.Repo.ListExecutionsForTask(env.Ctx, tasks[0].ID)
	if err != nil || len(execs) != 2 {
		t.Fatalf("executions %v err %v", execs, err)
	}
	var squeezed *domain.TaskExecution
	for i := range execs {
		if execs[i].Status == "failed_retriable" {
			squeezed = &execs[i]
		}
	}
	if squeezed == nil || squeezed.ErrorKind == nil || *squeezed.ErrorKind != domain.ErrKindResourceExhaustion {
		t.Fatalf("no resource_exhaustion attempt recorded: %v", execs)
	}
	got, _ := env.Repo.GetTask(env.Ctx, tasks[0].ID)
	if got.RetryCount != 0 {
		t.Fatalf("retry budget consumed: %+v", got)
	}
	if st := s.BreakerState("ws-1"); st.Open || st.Consecutive != 0 {
		t.Fatalf("breaker counted back-pressure: %+v", st)
	}
	var n int
	if err := env.DB.QueryRow(`SELECT COUNT(*) FROM integration_events WHERE event_type='task_failed'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("back-pressure must not reach the quality gate: %d task_failed events", n)
	}
}

func TestCompletionEmitsEventAndLeavesTaskInProgress(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.submitTasks(t, 1)
	env.startScheduler(t, executor.Echo())

	waitFor(t, 5*time.Second, "completed execution", func() bool {
		return env.countExecutions(t, "completed") == 1
	})
	// Acceptance is the quality gate's call, not the scheduler's.
	got, _ := env.Repo.GetTask(env.Ctx, tasks[0].ID)
	if got.Status != "in_progress" {
		t.Fatalf("scheduler must not complete tasks itself: %+v", got)
	}
	var n int
	if err := env.DB.QueryRow(`SELECT COUNT(*) FROM integration_events WHERE event_type='task_completed'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("task_completed events: %d", n)
	}
}
