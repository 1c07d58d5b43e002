// Package scheduler dispatches ready tasks to the executor under a bounded
// worker pool. A task is claimed at most once at a time: the inflight set is
// checked and updated under one lock together with the pool counters, so two
// workers can never run the same task concurrently.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/executor"
	"flowline/internal/graph"
	"flowline/internal/repo"
)

type Scheduler struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Graph  *graph.Store
	Exec   executor.Executor
	Config *config.Config
	Now    func() time.Time

	// Wake, when set, is called after the scheduler commits events, so the
	// dispatcher picks them up without waiting for its tick.
	Wake func()

	mu       sync.Mutex
	cond     *sync.Cond
	active   int
	perWS    map[string]int
	inflight map[string]bool
	breakers map[string]*Breaker
	stopping bool

	wg       sync.WaitGroup
	loopDone chan struct{}
}

func New(db *sql.DB, g *graph.Store, exec executor.Executor, cfg *config.Config) *Scheduler {
	s := &Scheduler{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Graph:    g,
		Exec:     exec,
		Config:   cfg,
		Now:      time.Now,
		perWS:    map[string]int{},
		inflight: map[string]bool{},
		breakers: map[string]*Breaker{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start runs the dispatch loop and registers for readiness notifications.
func (s *Scheduler) Start() {
	s.Graph.Notify = func(string) { s.Signal() }
	s.loopDone = make(chan struct{})
	go s.loop()
	go s.heartbeat()
}

// Signal wakes the dispatch loop.
func (s *Scheduler) Signal() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stop drains: no new claims, then waits for in-flight workers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.loopDone != nil {
		<-s.loopDone
	}
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		s.mu.Lock()
		var taskID, ws string
		for {
			if s.stopping {
				s.mu.Unlock()
				return
			}
			taskID, ws = s.pickLocked()
			if taskID != "" {
				break
			}
			s.cond.Wait()
		}
		s.inflight[taskID] = true
		s.active++
		s.perWS[ws]++
		s.mu.Unlock()

		if !s.claim(taskID, ws) {
			s.release(taskID, ws)
		}
	}
}

// pickLocked returns the best dispatchable task and its workspace, or empty
// when the pool is saturated, breakers block everything or nothing is ready.
func (s *Scheduler) pickLocked() (string, string) {
	if s.active >= s.Config.Scheduler.Workers {
		return "", ""
	}
	ceiling := s.Config.WorkspaceCeiling()
	for _, ws := range s.Graph.Workspaces() {
		if s.perWS[ws] >= ceiling {
			continue
		}
		if b := s.breakers[ws]; b != nil && !b.Allow() {
			continue
		}
		if id, ok := s.Graph.NextReady(ws, s.inflight); ok {
			return id, ws
		}
	}
	return "", ""
}

// claim moves the task to in_progress, opens its execution row and hands it
// to a worker. Returns false when the task slipped away (cancelled, already
// claimed by a previous run) and the slot should be released.
func (s *Scheduler) claim(taskID, ws string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("scheduler: load task %s: %v", taskID, err)
		return false
	}
	if task.Status != "pending" {
		// The index was stale; align it so the loop moves on.
		s.Graph.MarkStatus(taskID, task.Status)
		return false
	}
	agentRef := task.AgentRef
	if agentRef == "" {
		agentRef = s.Exec.Name()
	}
	now := s.now().UTC().Format(time.RFC3339)
	exec := domain.TaskExecution{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		AgentRef:   agentRef,
		Status:     "started",
		StartedAt:  now,
		RetryCount: task.RetryCount,
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("scheduler: begin claim %s: %v", taskID, err)
		return false
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateTaskStatus(ctx, tx, task.ID, "in_progress", task.RetryCount, now, nil); err != nil {
		if cur, gerr := s.Repo.GetTask(ctx, task.ID); gerr == nil {
			s.Graph.MarkStatus(task.ID, cur.Status)
		}
		return false
	}
	if err := s.Repo.InsertExecution(ctx, tx, exec); err != nil {
		log.Printf("scheduler: insert execution for %s: %v", taskID, err)
		return false
	}
	if err := tx.Commit(); err != nil {
		log.Printf("scheduler: commit claim %s: %v", taskID, err)
		return false
	}
	s.Graph.MarkStatus(task.ID, "in_progress")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(task.ID, ws)
		s.run(task, exec)
	}()
	return true
}

func (s *Scheduler) release(taskID, ws string) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	s.active--
	s.perWS[ws]--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// run executes one attempt under the per-task timeout and writes exactly one
// terminal update for the execution row.
func (s *Scheduler) run(task domain.Task, exec domain.TaskExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.TaskTimeout())
	defer cancel()

	res, err := s.Exec.Execute(ctx, executor.TaskSpec{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		Title:       task.Title,
		Description: task.Description,
		OutputShape: task.OutputShape,
		AgentRef:    exec.AgentRef,
		Attempt:     task.RetryCount + 1,
	})
	if ctx.Err() == context.DeadlineExceeded {
		err = &domain.TaskError{Kind: domain.ErrKindTimeout, Message: "execution exceeded task timeout"}
	}

	fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fcancel()
	if err != nil {
		s.finishFailed(fctx, task, exec, err)
	} else {
		s.finishCompleted(fctx, task, exec, res)
	}
	if s.Wake != nil {
		s.Wake()
	}
}

func (s *Scheduler) finishCompleted(ctx context.Context, task domain.Task, exec domain.TaskExecution, res executor.Result) {
	payload, err := res.PayloadJSON()
	if err != nil {
		s.finishFailed(ctx, task, exec, &domain.TaskError{Kind: domain.ErrKindValidation, Message: err.Error()})
		return
	}
	if res.Title != "" || res.BusinessValueScore > 0 {
		// Keep title and score retrievable from the audit row.
		full := map[string]any{}
		for k, v := range res.Payload {
			full[k] = v
		}
		if res.Title != "" {
			full["title"] = res.Title
		}
		if res.BusinessValueScore > 0 {
			full["business_value_score"] = res.BusinessValueScore
		}
		if b, err := (executor.Result{Payload: full}).PayloadJSON(); err == nil {
			payload = b
		}
	}
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("scheduler: finish %s: %v", exec.ID, err)
		return
	}
	defer tx.Rollback()
	if err := s.Repo.FinishExecution(ctx, tx, exec.ID, "completed", &payload, nil, nil, now); err != nil {
		log.Printf("scheduler: finish %s: %v", exec.ID, err)
		return
	}
	if err := s.appendOutcome(ctx, tx, events.TypeTaskCompleted, task, exec.ID, ""); err != nil {
		log.Printf("scheduler: event for %s: %v", exec.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("scheduler: commit finish %s: %v", exec.ID, err)
		return
	}
	s.breaker(task.WorkspaceID).RecordSuccess()
	// The task stays in_progress until the quality gate accepts the result.
}

func (s *Scheduler) finishFailed(ctx context.Context, task domain.Task, exec domain.TaskExecution, cause error) {
	kind, msg, retriable := classify(cause)
	if kind == domain.ErrKindResourceExhaustion {
		s.requeueExhausted(ctx, task, exec, msg)
		return
	}
	status := "failed_terminal"
	if retriable {
		status = "failed_retriable"
	}
	taskStatus := "failed"
	if kind == domain.ErrKindTimeout {
		taskStatus = "timed_out"
	}
	now := s.now().UTC().Format(time.RFC3339)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("scheduler: finish %s: %v", exec.ID, err)
		return
	}
	defer tx.Rollback()
	var kindPtr *string
	if kind != "" {
		kindPtr = &kind
	}
	if err := s.Repo.FinishExecution(ctx, tx, exec.ID, status, nil, kindPtr, &msg, now); err != nil {
		log.Printf("scheduler: finish %s: %v", exec.ID, err)
		return
	}
	if err := s.Repo.UpdateTaskStatus(ctx, tx, task.ID, taskStatus, task.RetryCount, now, nil); err != nil {
		log.Printf("scheduler: fail task %s: %v", task.ID, err)
		return
	}
	if err := s.appendOutcome(ctx, tx, events.TypeTaskFailed, task, exec.ID, kind); err != nil {
		log.Printf("scheduler: event for %s: %v", exec.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("scheduler: commit finish %s: %v", exec.ID, err)
		return
	}
	s.Graph.MarkStatus(task.ID, taskStatus)
	if s.breaker(task.WorkspaceID).RecordFailure() {
		log.Printf("scheduler: circuit breaker tripped for workspace %s", task.WorkspaceID)
	}
}

// requeueExhausted handles resource-exhaustion back-pressure: the attempt is
// recorded, then the task goes straight back to pending with its retry budget
// intact. The breaker does not count it and the quality gate never sees it.
func (s *Scheduler) requeueExhausted(ctx context.Context, task domain.Task, exec domain.TaskExecution, msg string) {
	kind := domain.ErrKindResourceExhaustion
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("scheduler: requeue %s: %v", exec.ID, err)
		return
	}
	defer tx.Rollback()
	if err := s.Repo.FinishExecution(ctx, tx, exec.ID, "failed_retriable", nil, &kind, &msg, now); err != nil {
		log.Printf("scheduler: requeue %s: %v", exec.ID, err)
		return
	}
	if err := s.Repo.UpdateTaskStatus(ctx, tx, task.ID, "pending", task.RetryCount, now, nil); err != nil {
		log.Printf("scheduler: requeue task %s: %v", task.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("scheduler: commit requeue %s: %v", exec.ID, err)
		return
	}
	s.Graph.MarkStatus(task.ID, "pending")
}

func (s *Scheduler) appendOutcome(ctx context.Context, tx *sql.Tx, evtType string, task domain.Task, execID, kind string) error {
	payload := events.EventPayload{
		"task_id":      task.ID,
		"execution_id": execID,
		"workspace_id": task.WorkspaceID,
	}
	if task.GoalID != nil {
		payload["goal_id"] = *task.GoalID
	}
	if kind != "" {
		payload["error_kind"] = kind
	}
	var flowID *string
	if task.GoalID != nil {
		if f, err := s.Repo.GetFlowByGoalTx(ctx, tx, *task.GoalID); err == nil {
			flowID = &f.ID
		}
	}
	return s.Events.Append(ctx, tx, evtType, "scheduler", "quality_gate", flowID, task.Priority, payload)
}

// classify maps an executor error to (kind, message, retriable). Unclassified
// errors carry no kind; the quality gate sends those to human review.
func classify(err error) (kind, msg string, retriable bool) {
	var te *domain.TaskError
	if errors.As(err, &te) {
		return te.Kind, te.Message, te.Transient() || te.Kind == domain.ErrKindResourceExhaustion
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindTimeout, err.Error(), true
	}
	return "", err.Error(), false
}

func (s *Scheduler) breaker(workspaceID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[workspaceID]
	if b == nil {
		b = NewBreaker(s.Config.Breaker.Threshold, s.Config.BreakerWindow(), s.Now)
		s.breakers[workspaceID] = b
	}
	return b
}

// BreakerState reports a workspace's breaker for status endpoints.
func (s *Scheduler) BreakerState(workspaceID string) BreakerState {
	return s.breaker(workspaceID).State()
}

// ResetBreaker closes a tripped breaker and wakes the loop.
func (s *Scheduler) ResetBreaker(workspaceID string) {
	s.breaker(workspaceID).Reset()
	s.Signal()
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Active       int            `json:"active"`
	Workers      int            `json:"workers"`
	PerWorkspace map[string]int `json:"per_workspace"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	per := make(map[string]int, len(s.perWS))
	for ws, n := range s.perWS {
		if n > 0 {
			per[ws] = n
		}
	}
	return Stats{Active: s.active, Workers: s.Config.Scheduler.Workers, PerWorkspace: per}
}

func (s *Scheduler) heartbeat() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ts := s.now().UTC().Format(time.RFC3339)
		if err := s.Repo.UpsertComponentHealth(ctx, "scheduler", "ok", ts); err != nil {
			log.Printf("scheduler: heartbeat: %v", err)
		}
		cancel()
		<-ticker.C
	}
}
