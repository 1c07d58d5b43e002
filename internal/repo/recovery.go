package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/internal/domain"
)

const recoveryColumns = `task_id,state,strategy_index,attempted_json,next_attempt_at,COALESCE(reason,''),created_at,updated_at`

func (r Repo) UpsertRecoveryState(ctx context.Context, tx *sql.Tx, s domain.RecoveryState) error {
	attempted, err := json.Marshal(s.Attempted)
	if err != nil {
		return err
	}
	if s.Attempted == nil {
		attempted = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO recovery_states(task_id,state,strategy_index,attempted_json,next_attempt_at,reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET state=excluded.state, strategy_index=excluded.strategy_index,
attempted_json=excluded.attempted_json, next_attempt_at=excluded.next_attempt_at, reason=excluded.reason, updated_at=excluded.updated_at`,
		s.TaskID, s.State, s.StrategyIndex, string(attempted), nullableStringPtr(s.NextAttemptAt), nullable(s.Reason), s.CreatedAt, s.UpdatedAt)
	return err
}

func scanRecoveryState(row interface{ Scan(...any) error }) (domain.RecoveryState, error) {
	var s domain.RecoveryState
	var attemptedJSON string
	var nextAt sql.NullString
	err := row.Scan(&s.TaskID, &s.State, &s.StrategyIndex, &attemptedJSON, &nextAt, &s.Reason, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if attemptedJSON != "" {
		if err := json.Unmarshal([]byte(attemptedJSON), &s.Attempted); err != nil {
			return s, fmt.Errorf("recovery state %s attempted: %w", s.TaskID, err)
		}
	}
	if nextAt.Valid {
		s.NextAttemptAt = &nextAt.String
	}
	return s, nil
}

func (r Repo) GetRecoveryState(ctx context.Context, taskID string) (domain.RecoveryState, error) {
	return scanRecoveryState(r.DB.QueryRowContext(ctx, `SELECT `+recoveryColumns+` FROM recovery_states WHERE task_id=?`, taskID))
}

func (r Repo) GetRecoveryStateTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.RecoveryState, error) {
	return scanRecoveryState(tx.QueryRowContext(ctx, `SELECT `+recoveryColumns+` FROM recovery_states WHERE task_id=?`, taskID))
}

// ListRecoveryStates returns states matching the given machine state, e.g.
// escalated_to_human for the review queue or retrying for requeue on restart.
func (r Repo) ListRecoveryStates(ctx context.Context, state, workspaceID string) ([]domain.RecoveryState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT rs.task_id,rs.state,rs.strategy_index,rs.attempted_json,rs.next_attempt_at,COALESCE(rs.reason,''),rs.created_at,rs.updated_at
FROM recovery_states rs JOIN tasks t ON t.id=rs.task_id
WHERE rs.state=? AND t.workspace_id=? ORDER BY rs.updated_at ASC`, state, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecoveryState
	for rows.Next() {
		s, err := scanRecoveryState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRecoveryState(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM recovery_states WHERE task_id=?`, taskID)
	return err
}

// --- component health ---

func (r Repo) UpsertComponentHealth(ctx context.Context, name, status, heartbeat string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO component_health(component_name,status,last_heartbeat) VALUES (?,?,?)
ON CONFLICT(component_name) DO UPDATE SET status=excluded.status, last_heartbeat=excluded.last_heartbeat`, name, status, heartbeat)
	return err
}

func (r Repo) ListComponentHealth(ctx context.Context) ([]domain.ComponentHealth, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT component_name,status,last_heartbeat FROM component_health ORDER BY component_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComponentHealth
	for rows.Next() {
		var h domain.ComponentHealth
		if err := rows.Scan(&h.ComponentName, &h.Status, &h.LastHeartbeat); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
