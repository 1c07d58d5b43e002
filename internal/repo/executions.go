package repo

import (
	"context"
	"database/sql"
	"fmt"

	"flowline/internal/domain"
)

const executionColumns = `id,task_id,agent_ref,status,started_at,completed_at,result_payload,error_kind,error_message,retry_count`

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.TaskExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.AgentRef, e.Status, e.StartedAt, nullableStringPtr(e.CompletedAt),
		nullableStringPtr(e.ResultPayload), nullableStringPtr(e.ErrorKind), nullableStringPtr(e.ErrorMessage), e.RetryCount)
	return err
}

// FinishExecution writes the single terminal update for an attempt. The
// completed_at IS NULL guard makes a second terminal write a no-op error
// instead of silently overwriting the audit trail.
func (r Repo) FinishExecution(ctx context.Context, tx *sql.Tx, id, status string, resultPayload, errorKind, errorMessage *string, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_executions SET status=?, result_payload=?, error_kind=?, error_message=?, completed_at=?
WHERE id=? AND completed_at IS NULL`,
		status, nullableStringPtr(resultPayload), nullableStringPtr(errorKind), nullableStringPtr(errorMessage), completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s already finished", id)
	}
	return nil
}

func scanExecution(row interface{ Scan(...any) error }) (domain.TaskExecution, error) {
	var e domain.TaskExecution
	var completedAt, payload, errKind, errMsg sql.NullString
	err := row.Scan(&e.ID, &e.TaskID, &e.AgentRef, &e.Status, &e.StartedAt, &completedAt, &payload, &errKind, &errMsg, &e.RetryCount)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	if payload.Valid {
		e.ResultPayload = &payload.String
	}
	if errKind.Valid {
		e.ErrorKind = &errKind.String
	}
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	return e, err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.TaskExecution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id=?`, id))
}

func (r Repo) ListExecutionsForTask(ctx context.Context, taskID string) ([]domain.TaskExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE task_id=? ORDER BY started_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountStartedForTask backs the at-most-one-in-flight invariant checks.
func (r Repo) CountStartedForTask(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM task_executions WHERE task_id=? AND status='started'`, taskID).Scan(&n)
	return n, err
}
