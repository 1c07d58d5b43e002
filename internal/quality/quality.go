// Package quality reviews finished executions: failures are classified
// against the configured signature registry, successful results are checked
// structurally against the task's declared output shape, and accepted work is
// turned into deliverables exactly once per execution.
package quality

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/graph"
	"flowline/internal/repo"
)

// Review outcomes.
const (
	OutcomeAccepted          = "accepted"
	OutcomeRejectedRetriable = "rejected_retriable"
	OutcomeRejectedTerminal  = "rejected_terminal"
	OutcomeNeedsReview       = "needs_review"
)

// Verdict is the gate's classification of one execution.
type Verdict struct {
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
	Signature  string  `json:"signature,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Retriable  bool    `json:"retriable"`
	Reason     string  `json:"reason,omitempty"`
}

type Gate struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Graph  *graph.Store
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, g *graph.Store, cfg *config.Config) *Gate {
	return &Gate{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Graph:  g,
		Config: cfg,
		Now:    time.Now,
	}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Review classifies a finished execution and applies the gate's side of the
// verdict: accepted results become deliverables, ambiguous results land in the
// human review queue. Rejections are left for the recovery engine.
func (g *Gate) Review(ctx context.Context, executionID string) (Verdict, error) {
	exec, err := g.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return Verdict{}, err
	}
	if exec.Status == "started" {
		return Verdict{}, fmt.Errorf("execution %s has not finished", executionID)
	}
	task, err := g.Repo.GetTask(ctx, exec.TaskID)
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	if exec.Status == "completed" {
		v = g.checkResult(task, exec)
	} else {
		v = g.classifyFailure(exec)
	}

	switch v.Outcome {
	case OutcomeAccepted:
		if err := g.accept(ctx, task, exec, v); err != nil {
			return v, err
		}
	case OutcomeNeedsReview:
		if err := g.requestReview(ctx, task, exec, v.Reason); err != nil {
			return v, err
		}
	}
	return v, nil
}

// classifyFailure matches the execution's error kind against the signature
// registry. An unmatched or missing kind is ambiguous and must surface to a
// human rather than be silently retried or dropped.
func (g *Gate) classifyFailure(exec domain.TaskExecution) Verdict {
	kind := ""
	if exec.ErrorKind != nil {
		kind = *exec.ErrorKind
	}
	msg := ""
	if exec.ErrorMessage != nil {
		msg = *exec.ErrorMessage
	}
	if kind != "" {
		for _, sig := range g.Config.Quality.Signatures {
			if sig.ErrorKind != kind {
				continue
			}
			return Verdict{
				Outcome:    sig.Verdict,
				Confidence: sig.Confidence,
				Signature:  sig.Name,
				ErrorKind:  kind,
				Retriable:  sig.Retriable,
				Reason:     msg,
			}
		}
	}
	reason := "no signature matched"
	if kind == "" {
		reason = "failure carries no error kind"
	}
	if msg != "" {
		reason += ": " + msg
	}
	return Verdict{Outcome: OutcomeNeedsReview, ErrorKind: kind, Reason: reason}
}

// checkResult validates the result payload against the task's declared output
// shape and scores confidence as the fraction of declared keys present.
func (g *Gate) checkResult(task domain.Task, exec domain.TaskExecution) Verdict {
	if exec.ResultPayload == nil || *exec.ResultPayload == "" {
		return Verdict{Outcome: OutcomeNeedsReview, Reason: "completed execution has no result payload"}
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(*exec.ResultPayload), &payload); err != nil {
		return Verdict{
			Outcome:   OutcomeRejectedTerminal,
			ErrorKind: domain.ErrKindValidation,
			Reason:    fmt.Sprintf("result payload is not an object: %v", err),
		}
	}
	if len(task.OutputShape) == 0 {
		if len(payload) == 0 {
			return Verdict{Outcome: OutcomeNeedsReview, Reason: "no declared output shape and empty payload"}
		}
		return Verdict{Outcome: OutcomeAccepted, Confidence: 1}
	}
	var missing []string
	for _, key := range task.OutputShape {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	confidence := float64(len(task.OutputShape)-len(missing)) / float64(len(task.OutputShape))
	if len(missing) == 0 {
		return Verdict{Outcome: OutcomeAccepted, Confidence: confidence}
	}
	reason := fmt.Sprintf("result missing keys: %s", strings.Join(missing, ", "))
	if confidence >= g.Config.Quality.ConfidenceThreshold {
		// Close enough to be plausible but not acceptable: a human decides.
		return Verdict{Outcome: OutcomeNeedsReview, Confidence: confidence, Reason: reason}
	}
	return Verdict{
		Outcome:    OutcomeRejectedTerminal,
		Confidence: confidence,
		ErrorKind:  domain.ErrKindValidation,
		Reason:     reason,
	}
}

// accept creates the deliverable for an accepted execution and completes the
// task. Exactly one deliverable exists per execution no matter how often the
// completion event is replayed.
func (g *Gate) accept(ctx context.Context, task domain.Task, exec domain.TaskExecution, v Verdict) error {
	now := g.now().UTC().Format(time.RFC3339)
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := g.Repo.GetDeliverableByExecution(ctx, tx, exec.ID); err == nil {
		return nil // already reviewed
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	title, content, score := deliverableFields(task, exec)
	title, err = g.uniqueTitle(ctx, tx, task, title)
	if err != nil {
		return err
	}
	d := domain.Deliverable{
		ID:                 uuid.New().String(),
		WorkspaceID:        task.WorkspaceID,
		GoalID:             task.GoalID,
		TaskID:             &task.ID,
		ExecutionID:        exec.ID,
		Title:              title,
		Status:             "completed",
		Content:            content,
		BusinessValueScore: score,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := g.Repo.InsertDeliverable(ctx, tx, d); err != nil {
		return err
	}
	if err := g.Repo.UpdateTaskStatus(ctx, tx, task.ID, "completed", task.RetryCount, now, &now); err != nil {
		return err
	}
	if err := g.resolveRecovery(ctx, tx, task.ID, now); err != nil {
		return err
	}
	flowID := flowIDForTask(ctx, tx, g.Repo, task)
	if err := g.Events.Append(ctx, tx, events.TypeDeliverableCreated, "quality_gate", "synchronizer", flowID, task.Priority, events.EventPayload{
		"deliverable_id": d.ID,
		"task_id":        task.ID,
		"goal_id":        derefOr(task.GoalID, ""),
		"workspace_id":   task.WorkspaceID,
		"confidence":     v.Confidence,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	g.Graph.MarkStatus(task.ID, "completed")
	return nil
}

// uniqueTitle disambiguates colliding deliverable titles within the goal by
// suffixing " (2)", " (3)", ... deterministically.
func (g *Gate) uniqueTitle(ctx context.Context, tx *sql.Tx, task domain.Task, base string) (string, error) {
	taken, err := g.Repo.TitlesWithPrefix(ctx, tx, task.WorkspaceID, task.GoalID, base)
	if err != nil {
		return "", err
	}
	if !taken[base] {
		return base, nil
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", base, n)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

func deliverableFields(task domain.Task, exec domain.TaskExecution) (title, content string, score float64) {
	title = task.Title
	score = task.ContributionExpected
	if exec.ResultPayload == nil {
		return title, "", score
	}
	content = *exec.ResultPayload
	var res struct {
		Title              string  `json:"title"`
		BusinessValueScore float64 `json:"business_value_score"`
	}
	if err := json.Unmarshal([]byte(content), &res); err == nil {
		if res.Title != "" {
			title = res.Title
		}
		if res.BusinessValueScore > 0 {
			score = res.BusinessValueScore
		}
	}
	return title, content, score
}

// requestReview parks the task in the human review queue.
func (g *Gate) requestReview(ctx context.Context, task domain.Task, exec domain.TaskExecution, reason string) error {
	now := g.now().UTC().Format(time.RFC3339)
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prev, err := g.Repo.GetRecoveryStateTx(ctx, tx, task.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil && prev.State == "escalated_to_human" {
		return nil // already queued
	}
	state := domain.RecoveryState{
		TaskID:        task.ID,
		State:         "escalated_to_human",
		StrategyIndex: prev.StrategyIndex,
		Attempted:     prev.Attempted,
		Reason:        reason,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if prev.CreatedAt != "" {
		state.CreatedAt = prev.CreatedAt
	}
	if err := g.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
		return err
	}
	flowID := flowIDForTask(ctx, tx, g.Repo, task)
	if err := g.Events.Append(ctx, tx, events.TypeReviewRequested, "quality_gate", "operator", flowID, task.Priority, events.EventPayload{
		"task_id":      task.ID,
		"execution_id": exec.ID,
		"workspace_id": task.WorkspaceID,
		"reason":       reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Resolve applies a human decision on a queued review. Accepting creates the
// deliverable from the task's latest execution; rejecting fails the task for
// good.
func (g *Gate) Resolve(ctx context.Context, taskID string, accept bool, note string) error {
	state, err := g.Repo.GetRecoveryState(ctx, taskID)
	if err != nil {
		return err
	}
	if state.State != "escalated_to_human" {
		return fmt.Errorf("task %s is not awaiting review (state %s)", taskID, state.State)
	}
	task, err := g.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	execs, err := g.Repo.ListExecutionsForTask(ctx, taskID)
	if err != nil {
		return err
	}
	var last *domain.TaskExecution
	for i := range execs {
		if execs[i].Status != "started" {
			last = &execs[i]
			break
		}
	}

	now := g.now().UTC().Format(time.RFC3339)
	if accept {
		if last == nil {
			return fmt.Errorf("task %s has no finished execution to accept", taskID)
		}
		if err := g.accept(ctx, task, *last, Verdict{Outcome: OutcomeAccepted, Confidence: 1, Reason: note}); err != nil {
			return err
		}
		return nil
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := g.Repo.UpdateTaskStatus(ctx, tx, taskID, "failed", task.RetryCount, now, nil); err != nil {
		return err
	}
	state.State = "resolved"
	if note != "" {
		state.Reason = note
	}
	state.UpdatedAt = now
	if err := g.Repo.UpsertRecoveryState(ctx, tx, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	g.Graph.MarkStatus(taskID, "failed")
	return nil
}

func (g *Gate) resolveRecovery(ctx context.Context, tx *sql.Tx, taskID, now string) error {
	state, err := g.Repo.GetRecoveryStateTx(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if state.State == "resolved" {
		return nil
	}
	state.State = "resolved"
	state.UpdatedAt = now
	return g.Repo.UpsertRecoveryState(ctx, tx, state)
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

func derefOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
