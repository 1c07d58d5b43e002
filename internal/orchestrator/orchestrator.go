// Package orchestrator wires the engine, scheduler, quality gate and recovery
// engine together. The components never import each other; every interaction
// crosses this package as an integration event, and the routing table below
// is the full coupling between them.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
	"flowline/internal/executor"
	"flowline/internal/graph"
	"flowline/internal/quality"
	"flowline/internal/recovery"
	"flowline/internal/repo"
	"flowline/internal/scheduler"
)

type Orchestrator struct {
	DB     *sql.DB
	Config *config.Config
	Repo   repo.Repo
	Events events.Writer

	Graph      *graph.Store
	Engine     *engine.Engine
	Gate       *quality.Gate
	Recovery   *recovery.Engine
	Scheduler  *scheduler.Scheduler
	Dispatcher *events.Dispatcher
}

func New(ctx context.Context, db *sql.DB, cfg *config.Config, exec executor.Executor) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := graph.NewStore(db)
	if err := g.Load(ctx); err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}
	o := &Orchestrator{
		DB:        db,
		Config:    cfg,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Graph:     g,
		Engine:    engine.New(db, g, cfg),
		Gate:      quality.New(db, g, cfg),
		Recovery:  recovery.New(db, g, cfg),
		Scheduler: scheduler.New(db, g, exec, cfg),
	}
	o.Dispatcher = events.NewDispatcher(o.Events, o.route, 250*time.Millisecond, cfg.Retry.EventRetriesMax)
	o.Scheduler.Wake = o.Dispatcher.Kick
	return o, nil
}

// Start brings up the scheduler, the event loop and pending retry timers.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Recovery.ResumeTimers(ctx); err != nil {
		return err
	}
	o.Scheduler.Start()
	o.Dispatcher.Start()
	return nil
}

func (o *Orchestrator) Stop() {
	o.Dispatcher.Stop()
	o.Scheduler.Stop()
	o.Recovery.Stop()
}

// SubmitGoal creates the goal and nudges the pipeline.
func (o *Orchestrator) SubmitGoal(ctx context.Context, spec engine.GoalSpec) (domain.Goal, error) {
	g, err := o.Engine.SubmitGoal(ctx, spec)
	if err != nil {
		return g, err
	}
	o.Dispatcher.Kick()
	return g, nil
}

// ProcessPending drains the event queue once. Used by single-shot commands
// that run without the background loop.
func (o *Orchestrator) ProcessPending(ctx context.Context) {
	o.Dispatcher.Drain(ctx)
}

// outcomePayload is the shared shape of task and deliverable event payloads.
type outcomePayload struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	GoalID      string `json:"goal_id"`
	WorkspaceID string `json:"workspace_id"`
	Reason      string `json:"reason"`
}

// route is the dispatcher handler: one switch, no other cross-component calls
// anywhere in the system.
func (o *Orchestrator) route(ctx context.Context, ev domain.IntegrationEvent) error {
	var p outcomePayload
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &p); err != nil {
		return fmt.Errorf("event #%d payload: %w", ev.ID, err)
	}

	switch ev.EventType {
	case events.TypeTaskCompleted, events.TypeTaskFailed:
		if err := o.review(ctx, p); err != nil {
			return err
		}
		return o.refreshFlow(ctx, p.GoalID)

	case events.TypeDeliverableCreated:
		if p.GoalID != "" {
			if _, err := o.Engine.SyncGoalProgress(ctx, p.GoalID); err != nil {
				return err
			}
		}
		return o.refreshFlow(ctx, p.GoalID)

	case events.TypeRecoveryEscalated:
		if p.GoalID != "" {
			if err := o.Engine.FailFlow(ctx, p.GoalID, p.Reason); err != nil && !engine.IsNotFound(err) {
				// Flow may already be terminal; escalation stays recorded.
				return nil
			}
		}
		return nil

	case events.TypeGoalSubmitted, events.TypeTasksGenerated,
		events.TypeGoalProgressSynced, events.TypeGoalCompleted,
		events.TypeRecoveryApplied:
		return o.refreshFlow(ctx, p.GoalID)

	case events.TypeReviewRequested:
		// Surfaced through the review queue; nothing to advance.
		return nil
	}
	return nil
}

// review runs the quality gate over the finished execution and forwards
// rejections to the recovery engine.
func (o *Orchestrator) review(ctx context.Context, p outcomePayload) error {
	if p.ExecutionID == "" {
		return nil
	}
	v, err := o.Gate.Review(ctx, p.ExecutionID)
	if err != nil {
		return err
	}
	switch v.Outcome {
	case quality.OutcomeRejectedRetriable, quality.OutcomeRejectedTerminal:
		_, err := o.Recovery.HandleFailure(ctx, recovery.Failure{
			TaskID:      p.TaskID,
			ExecutionID: p.ExecutionID,
			ErrorKind:   v.ErrorKind,
			Message:     v.Reason,
			Retriable:   v.Retriable,
		})
		return err
	}
	return nil
}

func (o *Orchestrator) refreshFlow(ctx context.Context, goalID string) error {
	if goalID == "" {
		return nil
	}
	_, err := o.Engine.RefreshFlow(ctx, goalID)
	if engine.IsNotFound(err) {
		return nil
	}
	return err
}
