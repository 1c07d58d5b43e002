package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/internal/domain"
)

const flowColumns = `id,workspace_id,goal_id,current_stage,stages_completed_json,progress_percentage,status,failure_reason,created_at,updated_at`

func (r Repo) InsertFlow(ctx context.Context, tx *sql.Tx, f domain.OrchestrationFlow) error {
	stages, err := json.Marshal(f.StagesCompleted)
	if err != nil {
		return err
	}
	if f.StagesCompleted == nil {
		stages = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orchestration_flows(`+flowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.WorkspaceID, f.GoalID, f.CurrentStage, string(stages), f.ProgressPercentage, f.Status,
		nullableStringPtr(f.FailureReason), f.CreatedAt, f.UpdatedAt)
	return err
}

func scanFlow(row interface{ Scan(...any) error }) (domain.OrchestrationFlow, error) {
	var f domain.OrchestrationFlow
	var stagesJSON string
	var failureReason sql.NullString
	err := row.Scan(&f.ID, &f.WorkspaceID, &f.GoalID, &f.CurrentStage, &stagesJSON, &f.ProgressPercentage, &f.Status, &failureReason, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if stagesJSON != "" {
		if err := json.Unmarshal([]byte(stagesJSON), &f.StagesCompleted); err != nil {
			return f, fmt.Errorf("flow %s stages: %w", f.ID, err)
		}
	}
	if failureReason.Valid {
		f.FailureReason = &failureReason.String
	}
	return f, nil
}

func (r Repo) GetFlowByGoal(ctx context.Context, goalID string) (domain.OrchestrationFlow, error) {
	return scanFlow(r.DB.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM orchestration_flows WHERE goal_id=?`, goalID))
}

func (r Repo) GetFlowByGoalTx(ctx context.Context, tx *sql.Tx, goalID string) (domain.OrchestrationFlow, error) {
	return scanFlow(tx.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM orchestration_flows WHERE goal_id=?`, goalID))
}

func (r Repo) ListFlows(ctx context.Context, workspaceID string) ([]domain.OrchestrationFlow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+flowColumns+` FROM orchestration_flows WHERE workspace_id=? ORDER BY created_at DESC, id DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrchestrationFlow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) UpdateFlow(ctx context.Context, tx *sql.Tx, f domain.OrchestrationFlow) error {
	stages, err := json.Marshal(f.StagesCompleted)
	if err != nil {
		return err
	}
	if f.StagesCompleted == nil {
		stages = []byte("[]")
	}
	res, err := tx.ExecContext(ctx, `UPDATE orchestration_flows SET current_stage=?, stages_completed_json=?, progress_percentage=?, status=?, failure_reason=?, updated_at=? WHERE id=?`,
		f.CurrentStage, string(stages), f.ProgressPercentage, f.Status, nullableStringPtr(f.FailureReason), f.UpdatedAt, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
