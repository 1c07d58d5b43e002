package graph_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/graph"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type testEnv struct {
	Ctx   context.Context
	DB    *sql.DB
	Repo  repo.Repo
	Store *graph.Store
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
	return testEnv{
		Ctx:   context.Background(),
		DB:    conn,
		Repo:  repo.Repo{DB: conn},
		Store: graph.NewStore(conn),
	}
}

func (env testEnv) mkTask(t *testing.T, id string, priority int, createdAt string) domain.Task {
	t.Helper()
	if createdAt == "" {
		createdAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	}
	task := domain.Task{
		ID:          id,
		WorkspaceID: "ws-1",
		Title:       "task " + id,
		Status:      "pending",
		Priority:    priority,
		MaxRetries:  3,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Repo.InsertTask(env.Ctx, tx, task); err != nil {
		t.Fatalf("insert task %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	env.Store.AddTask(task)
	return task
}

func (env testEnv) addDep(t *testing.T, taskID, dependsOn string) error {
	t.Helper()
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Store.AddDependency(env.Ctx, tx, taskID, dependsOn); err != nil {
		return err
	}
	return tx.Commit()
}

func TestReadinessFollowsDependencies(t *testing.T) {
	env := newTestEnv(t)
	env.mkTask(t, "a", 3, "")
	env.mkTask(t, "b", 3, "")
	env.mkTask(t, "c", 3, "")
	if err := env.addDep(t, "b", "a"); err != nil {
		t.Fatalf("add dep: %v", err)
	}
	if err := env.addDep(t, "c", "b"); err != nil {
		t.Fatalf("add dep: %v", err)
	}

	ready := env.Store.ReadyTasks("ws-1")
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only a ready, got %v", ready)
	}

	env.Store.MarkStatus("a", "in_progress")
	env.Store.MarkStatus("a", "completed")
	ready = env.Store.ReadyTasks("ws-1")
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("expected b ready after a completed, got %v", ready)
	}

	// Completing a again must not double-decrement c's counter.
	env.Store.MarkStatus("a", "completed")
	if ready := env.Store.ReadyTasks("ws-1"); len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("replay of completion changed readiness: %v", ready)
	}

	env.Store.MarkStatus("b", "completed")
	ready = env.Store.ReadyTasks("ws-1")
	if len(ready) != 1 || ready[0] != "c" {
		t.Fatalf("expected c ready, got %v", ready)
	}
}

func TestCycleRejectedAndGraphUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.mkTask(t, "a", 3, "")
	env.mkTask(t, "b", 3, "")
	env.mkTask(t, "c", 3, "")
	if err := env.addDep(t, "b", "a"); err != nil {
		t.Fatal(err)
	}
	if err := env.addDep(t, "c", "b"); err != nil {
		t.Fatal(err)
	}

	err := env.addDep(t, "a", "c")
	var ce *graph.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if err := env.addDep(t, "a", "a"); !errors.As(err, &ce) {
		t.Fatalf("expected CycleError for self edge, got %v", err)
	}

	// Rejected edges must leave both the table and the ready-set untouched.
	deps, err := env.Repo.ListTaskDependencies(env.Ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 0 {
		t.Fatalf("cycle edge persisted: %v", deps)
	}
	if ready := env.Store.ReadyTasks("ws-1"); len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("readiness changed after rejected edge: %v", ready)
	}
}

func TestReadyOrderByPriorityThenAge(t *testing.T) {
	env := newTestEnv(t)
	env.mkTask(t, "low", 1, "2024-01-01T00:00:00Z")
	env.mkTask(t, "high-old", 5, "2024-01-01T00:00:00Z")
	env.mkTask(t, "high-new", 5, "2024-01-02T00:00:00Z")

	ready := env.Store.ReadyTasks("ws-1")
	want := []string{"high-old", "high-new", "low"}
	if len(ready) != len(want) {
		t.Fatalf("got %v", ready)
	}
	for i := range want {
		if ready[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", ready, want)
		}
	}

	id, ok := env.Store.NextReady("ws-1", map[string]bool{"high-old": true})
	if !ok || id != "high-new" {
		t.Fatalf("NextReady with exclusion: got %s %v", id, ok)
	}
}

func TestLoadRebuildsReadySet(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.mkTask(t, fmt.Sprintf("t%d", i), 3, "")
	}
	if err := env.addDep(t, "t1", "t0"); err != nil {
		t.Fatal(err)
	}
	// Persist completion the way the scheduler does, then reload fresh.
	tx, _ := env.DB.BeginTx(env.Ctx, nil)
	now := time.Now().UTC().Format(time.RFC3339)
	if err := env.Repo.UpdateTaskStatus(env.Ctx, tx, "t0", "completed", 0, now, &now); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	fresh := graph.NewStore(env.DB)
	if err := fresh.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	ready := fresh.ReadyTasks("ws-1")
	if len(ready) != 2 {
		t.Fatalf("expected t1 and t2 ready after reload, got %v", ready)
	}
}

func TestNotifyFiresOnUnblock(t *testing.T) {
	env := newTestEnv(t)
	var notified []string
	env.Store.Notify = func(ws string) { notified = append(notified, ws) }
	env.mkTask(t, "a", 3, "")
	env.mkTask(t, "b", 3, "")
	if err := env.addDep(t, "b", "a"); err != nil {
		t.Fatal(err)
	}
	notified = nil
	env.Store.MarkStatus("a", "completed")
	if len(notified) != 1 || notified[0] != "ws-1" {
		t.Fatalf("expected notify for ws-1, got %v", notified)
	}
}
