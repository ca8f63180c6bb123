package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tokengovernor/internal/config"
	"tokengovernor/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

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

func marshalStringSlice(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStringSlice(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(ns.String), &out)
	return out
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,token_budget,tier,owner,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.TokenBudget, p.Tier, p.Owner, p.Status, p.CreatedAt, nullable(p.UpdatedAt))
	return err
}

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var desc, updated sql.NullString
	err := scan(&p.ID, &p.Name, &desc, &p.TokenBudget, &p.Tier, &p.Owner, &p.Status, &p.CreatedAt, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	if updated.Valid {
		p.UpdatedAt = updated.String
	}
	return p, err
}

const projectCols = `id,name,description,token_budget,tier,owner,status,created_at,updated_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectBudget(ctx context.Context, tx *sql.Tx, id string, budget int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET token_budget=?, updated_at=? WHERE id=?`, budget, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- agents ---

const agentCols = `id,project_id,type,status,current_task_id,token_budget,tokens_used,last_heartbeat,created_at`

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Type, a.Status, nullableStringPtr(a.CurrentTaskID), a.TokenBudget, a.TokensUsed, a.LastHeartbeat, a.CreatedAt)
	return err
}

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var current sql.NullString
	err := scan(&a.ID, &a.ProjectID, &a.Type, &a.Status, &current, &a.TokenBudget, &a.TokensUsed, &a.LastHeartbeat, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if current.Valid {
		a.CurrentTaskID = &current.String
	}
	return a, err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

type AgentFilters struct {
	ProjectID string
	Status    string
	Limit     int
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + agentCols + ` FROM agents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgentHeartbeat(ctx context.Context, tx *sql.Tx, id, status, ts string, currentTaskID *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET status=?, last_heartbeat=?, current_task_id=? WHERE id=?`,
		status, ts, nullableStringPtr(currentTaskID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddAgentUsage(ctx context.Context, tx *sql.Tx, id string, tokens int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET tokens_used=tokens_used+? WHERE id=?`, tokens, id)
	return err
}

// MarkAgentsOffline flips every online/busy/initializing agent whose
// heartbeat is older than the cutoff and returns the affected ids.
func (r Repo) MarkAgentsOffline(ctx context.Context, tx *sql.Tx, cutoff string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM agents WHERE status IN ('initializing','online','busy') AND last_heartbeat < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET status='offline', current_task_id=NULL WHERE id=?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// --- tasks ---

const taskCols = `id,agent_id,project_id,name,description,complexity,estimated_tokens,subtask_ids_json,checkpoint_state,checkpoint_uri,checkpoint_gen,checkpoint_attempts,status,pause_reason,error_message,created_at,updated_at,started_at,completed_at,paused_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task, attempts int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AgentID, t.ProjectID, t.Name, nullable(t.Description), t.Complexity, t.EstimatedTokens,
		marshalStringSlice(t.SubtaskIDs), t.CheckpointState, nullableStringPtr(t.CheckpointURI), t.CheckpointGen, attempts,
		t.Status, nullableStringPtr(t.PauseReason), nullableStringPtr(t.ErrorMessage),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.PausedAt))
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, int, error) {
	var t domain.Task
	var desc, subtasks, uri, pauseReason, errMsg, started, completed, paused sql.NullString
	var attempts int
	err := scan(&t.ID, &t.AgentID, &t.ProjectID, &t.Name, &desc, &t.Complexity, &t.EstimatedTokens,
		&subtasks, &t.CheckpointState, &uri, &t.CheckpointGen, &attempts,
		&t.Status, &pauseReason, &errMsg, &t.CreatedAt, &t.UpdatedAt, &started, &completed, &paused)
	if err == sql.ErrNoRows {
		return t, 0, ErrNotFound
	}
	if err != nil {
		return t, 0, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	t.SubtaskIDs = unmarshalStringSlice(subtasks)
	if uri.Valid {
		t.CheckpointURI = &uri.String
	}
	if pauseReason.Valid {
		t.PauseReason = &pauseReason.String
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if started.Valid {
		t.StartedAt = &started.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	if paused.Valid {
		t.PausedAt = &paused.String
	}
	return t, attempts, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, _, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.ConsumedTokens, err = r.TaskConsumed(ctx, id)
	return t, err
}

// GetTaskTx also reports the stored checkpoint attempt count.
func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, int, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ProjectID   string
	AgentID     string
	Status      string
	PauseReason string
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PauseReason != "" {
		clauses = append(clauses, "pause_reason=?")
		args = append(args, f.PauseReason)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
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
		t, _, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PausedTasks returns paused tasks joined with their project tier, ordered
// Tier1 first, then longest-paused.
type PausedTask struct {
	Task domain.Task
	Tier string
}

func (r Repo) PausedTasks(ctx context.Context) ([]PausedTask, error) {
	query := `SELECT t.` + strings.ReplaceAll(taskCols, ",", ",t.") + `, p.tier
FROM tasks t JOIN projects p ON p.id=t.project_id
WHERE t.status='paused'
ORDER BY CASE p.tier WHEN 'tier_1' THEN 0 ELSE 1 END, t.paused_at ASC, t.id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PausedTask
	for rows.Next() {
		var pt PausedTask
		t, _, err := scanTask(func(dest ...any) error {
			return rows.Scan(append(dest, &pt.Tier)...)
		})
		if err != nil {
			return nil, err
		}
		pt.Task = t
		res = append(res, pt)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, status string, pauseReason *string, pausedAt *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, pause_reason=?, paused_at=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(pauseReason), nullableStringPtr(pausedAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskLifecycle(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, pause_reason=?, error_message=?, updated_at=?, started_at=?, completed_at=?, paused_at=? WHERE id=?`,
		t.Status, nullableStringPtr(t.PauseReason), nullableStringPtr(t.ErrorMessage), t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.PausedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateCheckpoint(ctx context.Context, tx *sql.Tx, id, state string, uri *string, gen, attempts int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET checkpoint_state=?, checkpoint_uri=?, checkpoint_gen=?, checkpoint_attempts=?, updated_at=? WHERE id=?`,
		state, nullableStringPtr(uri), gen, attempts, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- packages ---

const packageCols = `id,project_id,name,description,task_ids_json,estimated_tokens,tier,timeline,created_at`

func (r Repo) InsertPackage(ctx context.Context, tx *sql.Tx, p domain.Package) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO packages(`+packageCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.Name, nullable(p.Description), marshalStringSlice(p.TaskIDs), p.EstimatedTokens, p.Tier, nullable(p.Timeline), p.CreatedAt)
	return err
}

func scanPackage(scan func(dest ...any) error) (domain.Package, error) {
	var p domain.Package
	var desc, taskIDs, timeline sql.NullString
	err := scan(&p.ID, &p.ProjectID, &p.Name, &desc, &taskIDs, &p.EstimatedTokens, &p.Tier, &timeline, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	p.TaskIDs = unmarshalStringSlice(taskIDs)
	if timeline.Valid {
		p.Timeline = timeline.String
	}
	return p, err
}

func (r Repo) GetPackage(ctx context.Context, id string) (domain.Package, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+packageCols+` FROM packages WHERE id=?`, id)
	return scanPackage(row.Scan)
}

func (r Repo) ListPackages(ctx context.Context, projectID string) ([]domain.Package, error) {
	var args []any
	query := `SELECT ` + packageCols + ` FROM packages`
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Package
	for rows.Next() {
		p, err := scanPackage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- governor configs ---

func (r Repo) UpsertGovernorConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO governor_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetGovernorConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM governor_configs WHERE project_id=?`, projectID).Scan(&payload)
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
	return &cfg, cfg.Validate()
}
