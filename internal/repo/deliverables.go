package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowline/internal/domain"
)

const deliverableColumns = `id,workspace_id,goal_id,task_id,execution_id,title,status,COALESCE(content,''),business_value_score,created_at,updated_at`

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(id,workspace_id,goal_id,task_id,execution_id,title,status,content,business_value_score,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.WorkspaceID, nullableStringPtr(d.GoalID), nullableStringPtr(d.TaskID), d.ExecutionID, d.Title, d.Status,
		nullable(d.Content), d.BusinessValueScore, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDeliverable(row interface{ Scan(...any) error }) (domain.Deliverable, error) {
	var d domain.Deliverable
	var goalID, taskID sql.NullString
	err := row.Scan(&d.ID, &d.WorkspaceID, &goalID, &taskID, &d.ExecutionID, &d.Title, &d.Status, &d.Content, &d.BusinessValueScore, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if goalID.Valid {
		d.GoalID = &goalID.String
	}
	if taskID.Valid {
		d.TaskID = &taskID.String
	}
	return d, err
}

func (r Repo) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	return scanDeliverable(r.DB.QueryRowContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id=?`, id))
}

// GetDeliverableByExecution is the idempotency lookup for the quality gate:
// re-reviewing the same execution returns the existing row.
func (r Repo) GetDeliverableByExecution(ctx context.Context, tx *sql.Tx, executionID string) (domain.Deliverable, error) {
	return scanDeliverable(tx.QueryRowContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE execution_id=?`, executionID))
}

func (r Repo) ListDeliverables(ctx context.Context, goalID string) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE goal_id=? ORDER BY created_at ASC, id ASC`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountCompletedForGoal is the source of truth for count-metric goals.
func (r Repo) CountCompletedForGoal(ctx context.Context, tx *sql.Tx, goalID string) (float64, error) {
	var n float64
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM deliverables WHERE goal_id=? AND status='completed'`, goalID).Scan(&n)
	return n, err
}

// SumBusinessValueForGoal is the source of truth for business_value goals.
func (r Repo) SumBusinessValueForGoal(ctx context.Context, tx *sql.Tx, goalID string) (float64, error) {
	var n float64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(business_value_score),0) FROM deliverables WHERE goal_id=? AND status='completed'`, goalID).Scan(&n)
	return n, err
}

// TitlesWithPrefix returns existing deliverable titles in the goal's unique
// scope that start with the given base, for collision disambiguation.
func (r Repo) TitlesWithPrefix(ctx context.Context, tx *sql.Tx, workspaceID string, goalID *string, base string) (map[string]bool, error) {
	clauses := []string{"workspace_id=?", "title LIKE ? ESCAPE '\\'"}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(base)
	args := []any{workspaceID, escaped + "%"}
	if goalID == nil {
		clauses = append(clauses, "goal_id IS NULL")
	} else {
		clauses = append(clauses, "goal_id=?")
		args = append(args, *goalID)
	}
	rows, err := tx.QueryContext(ctx, `SELECT title FROM deliverables WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	titles := map[string]bool{}
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, err
		}
		titles[title] = true
	}
	return titles, rows.Err()
}

func (r Repo) UpdateDeliverableStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
