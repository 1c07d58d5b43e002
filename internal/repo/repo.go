package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- goals ---

func (r Repo) InsertGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goals(id,workspace_id,description,metric_type,target_value,current_value,status,priority,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.WorkspaceID, nullable(g.Description), g.MetricType, g.TargetValue, g.CurrentValue, g.Status, g.Priority,
		g.CreatedAt, g.UpdatedAt, nullableStringPtr(g.CompletedAt))
	return err
}

const goalColumns = `id,workspace_id,COALESCE(description,''),metric_type,target_value,current_value,status,priority,created_at,updated_at,completed_at`

func scanGoal(row interface{ Scan(...any) error }) (domain.Goal, error) {
	var g domain.Goal
	var completedAt sql.NullString
	err := row.Scan(&g.ID, &g.WorkspaceID, &g.Description, &g.MetricType, &g.TargetValue, &g.CurrentValue, &g.Status, &g.Priority, &g.CreatedAt, &g.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if completedAt.Valid {
		g.CompletedAt = &completedAt.String
	}
	return g, err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	return scanGoal(r.DB.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
}

func (r Repo) GetGoalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Goal, error) {
	return scanGoal(tx.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
}

func (r Repo) ListGoals(ctx context.Context, workspaceID string) ([]domain.Goal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE workspace_id=? ORDER BY created_at DESC, id DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// UpdateGoalProgress writes a recomputed current_value together with the
// resulting status in one statement, so value and completion never diverge.
func (r Repo) UpdateGoalProgress(ctx context.Context, tx *sql.Tx, id string, current float64, status, updatedAt string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET current_value=?, status=?, updated_at=?, completed_at=? WHERE id=?`,
		current, status, updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateGoalStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskColumns = `id,workspace_id,goal_id,title,description,status,priority,is_corrective,delegation_depth,contribution_expected,retry_count,max_retries,agent_ref,output_shape_json,created_at,updated_at,completed_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	shape, err := marshalStringSlice(t.OutputShape)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WorkspaceID, nullableStringPtr(t.GoalID), t.Title, nullable(t.Description), t.Status, t.Priority,
		boolInt(t.IsCorrective), t.DelegationDepth, t.ContributionExpected, t.RetryCount, t.MaxRetries,
		nullable(t.AgentRef), nullableStringPtr(shape), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var goalID, description, agentRef, shapeJSON, completedAt sql.NullString
	var corrective int
	err := row.Scan(&t.ID, &t.WorkspaceID, &goalID, &t.Title, &description, &t.Status, &t.Priority, &corrective,
		&t.DelegationDepth, &t.ContributionExpected, &t.RetryCount, &t.MaxRetries, &agentRef, &shapeJSON,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IsCorrective = corrective != 0
	if goalID.Valid {
		t.GoalID = &goalID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if agentRef.Valid {
		t.AgentRef = agentRef.String
	}
	if shapeJSON.Valid && shapeJSON.String != "" {
		if err := json.Unmarshal([]byte(shapeJSON.String), &t.OutputShape); err != nil {
			return t, fmt.Errorf("task %s output shape: %w", t.ID, err)
		}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	WorkspaceID string
	GoalID      string
	Status      string
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.GoalID != "" {
		clauses = append(clauses, "goal_id=?")
		args = append(args, f.GoalID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY priority DESC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskStatus moves a task and keeps its retry counter current. Tasks in
// a terminal state (completed, canceled) are immutable.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, status string, retryCount int, updatedAt string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, retry_count=?, updated_at=?, completed_at=?
WHERE id=? AND status NOT IN ('completed','canceled')`,
		status, retryCount, updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %s (missing or terminal): %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) UpdateTaskAgentRef(ctx context.Context, tx *sql.Tx, id, agentRef, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET agent_ref=?, updated_at=? WHERE id=?`, nullable(agentRef), updatedAt, id)
	return err
}

func (r Repo) CountTasksByStatus(ctx context.Context, workspaceID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE workspace_id=? GROUP BY status`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatusForGoal(ctx context.Context, goalID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE goal_id=? GROUP BY status`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- dependencies ---

func (r Repo) AddDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id, depends_on_task_id) VALUES (?,?)`, taskID, dependsOn)
	return err
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) ListDependents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) ListEdges(ctx context.Context, workspaceID string) ([]domain.TaskDependency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.task_id, d.depends_on_task_id FROM task_dependencies d
JOIN tasks t ON t.id=d.task_id WHERE t.workspace_id=? ORDER BY d.task_id, d.depends_on_task_id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDependency
	for rows.Next() {
		var e domain.TaskDependency
		if err := rows.Scan(&e.TaskID, &e.DependsOnTaskID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// --- workspace config ---

func (r Repo) UpsertWorkspaceConfig(ctx context.Context, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, r.DB, nil, workspaceID, cfg)
}

func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, workspaceID, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.ID = workspaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workspace_configs(workspace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workspaceID, string(payload), now, now)
	return err
}

func (r Repo) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE workspace_id=?`, workspaceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = workspaceID
	}
	return &cfg, cfg.Validate()
}
