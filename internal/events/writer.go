package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"flowline/internal/domain"
)

// Event types flowing between components.
const (
	TypeGoalSubmitted      = "goal_submitted"
	TypeTasksGenerated     = "tasks_generated"
	TypeTaskCompleted      = "task_completed"
	TypeTaskFailed         = "task_failed"
	TypeDeliverableCreated = "deliverable_created"
	TypeGoalProgressSynced = "goal_progress_synced"
	TypeGoalCompleted      = "goal_completed"
	TypeRecoveryApplied    = "recovery_applied"
	TypeRecoveryEscalated  = "recovery_escalated"
	TypeReviewRequested    = "review_requested"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts a pending integration event inside the caller's transaction,
// so the signal commits atomically with the state change that caused it.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, source, target string, flowID *string, priority int, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO integration_events(flow_id,event_type,source_component,target_component,status,priority,retry_count,payload_json,created_at)
VALUES (?,?,?,?,'pending',?,0,?,?)`,
		nullableStringPtr(flowID), evtType, source, target, priority, string(data), ts)
	return err
}

const eventColumns = `id,flow_id,event_type,source_component,target_component,status,priority,retry_count,payload_json,created_at`

func scanEvent(row interface{ Scan(...any) error }) (domain.IntegrationEvent, error) {
	var e domain.IntegrationEvent
	var flowID sql.NullString
	err := row.Scan(&e.ID, &flowID, &e.EventType, &e.SourceComponent, &e.TargetComponent, &e.Status, &e.Priority, &e.RetryCount, &e.PayloadJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, sql.ErrNoRows
	}
	if flowID.Valid {
		e.FlowID = &flowID.String
	}
	return e, err
}

// ClaimNext moves the highest-priority oldest pending event to processing and
// returns it. Returns ok=false when the queue is drained.
func (w Writer) ClaimNext(ctx context.Context) (domain.IntegrationEvent, bool, error) {
	for {
		e, err := scanEvent(w.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM integration_events
WHERE status='pending' ORDER BY priority DESC, id ASC LIMIT 1`))
		if err == sql.ErrNoRows {
			return domain.IntegrationEvent{}, false, nil
		}
		if err != nil {
			return domain.IntegrationEvent{}, false, err
		}
		res, err := w.DB.ExecContext(ctx, `UPDATE integration_events SET status='processing' WHERE id=? AND status='pending'`, e.ID)
		if err != nil {
			return domain.IntegrationEvent{}, false, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			e.Status = "processing"
			return e, true, nil
		}
		// lost the claim race, pick again
	}
}

// Complete marks a processing event as done.
func (w Writer) Complete(ctx context.Context, id int64) error {
	_, err := w.DB.ExecContext(ctx, `UPDATE integration_events SET status='completed' WHERE id=?`, id)
	return err
}

// Fail bumps the retry counter; the event returns to pending until the retry
// budget runs out, then sticks in failed.
func (w Writer) Fail(ctx context.Context, id int64, maxRetries int) error {
	res, err := w.DB.ExecContext(ctx, `UPDATE integration_events SET status='pending', retry_count=retry_count+1
WHERE id=? AND retry_count < ?`, id, maxRetries)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = w.DB.ExecContext(ctx, `UPDATE integration_events SET status='failed' WHERE id=?`, id)
	}
	return err
}

// Latest returns recent events for the log tail, newest first.
func (w Writer) Latest(ctx context.Context, limit int, evtType string) ([]domain.IntegrationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM integration_events`
	var args []any
	if evtType != "" {
		query += ` WHERE event_type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntegrationEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
