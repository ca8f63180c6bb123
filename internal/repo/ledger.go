package repo

import (
	"context"
	"database/sql"

	"tokengovernor/internal/domain"
)

const ledgerCols = `id,project_id,task_id,agent_id,tokens,operation_type,success,context_json,ts`

// AppendUsage inserts a ledger record and folds it into the rollup row in
// the same transaction, so the cache can never drift from the ledger
// within a committed snapshot.
func (r Repo) AppendUsage(ctx context.Context, tx *sql.Tx, rec domain.BudgetRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO usage_ledger(`+ledgerCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, rec.TaskID, nullableStringPtr(rec.AgentID), rec.Tokens, rec.OperationType, success, nullable(rec.ContextJSON), rec.TS); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO budget_rollups(task_id,project_id,consumed_tokens,record_count,updated_at) VALUES (?,?,?,1,?)
ON CONFLICT(task_id) DO UPDATE SET consumed_tokens=consumed_tokens+excluded.consumed_tokens, record_count=record_count+1, updated_at=excluded.updated_at`,
		rec.TaskID, rec.ProjectID, rec.Tokens, rec.TS)
	return err
}

func scanBudgetRecord(scan func(dest ...any) error) (domain.BudgetRecord, error) {
	var rec domain.BudgetRecord
	var agentID, contextJSON sql.NullString
	var success int
	err := scan(&rec.ID, &rec.ProjectID, &rec.TaskID, &agentID, &rec.Tokens, &rec.OperationType, &success, &contextJSON, &rec.TS)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if agentID.Valid {
		rec.AgentID = &agentID.String
	}
	if contextJSON.Valid {
		rec.ContextJSON = contextJSON.String
	}
	rec.Success = success != 0
	return rec, err
}

func (r Repo) UsageHistory(ctx context.Context, taskID string, limit int) ([]domain.BudgetRecord, error) {
	query := `SELECT ` + ledgerCols + ` FROM usage_ledger WHERE task_id=? ORDER BY ts DESC, id DESC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetRecord
	for rows.Next() {
		rec, err := scanBudgetRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// TaskConsumed reads the rollup; missing row means nothing reported yet.
func (r Repo) TaskConsumed(ctx context.Context, taskID string) (int64, error) {
	var consumed int64
	err := r.DB.QueryRowContext(ctx, `SELECT consumed_tokens FROM budget_rollups WHERE task_id=?`, taskID).Scan(&consumed)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return consumed, err
}

func (r Repo) TaskConsumedTx(ctx context.Context, tx *sql.Tx, taskID string) (int64, error) {
	var consumed int64
	err := tx.QueryRowContext(ctx, `SELECT consumed_tokens FROM budget_rollups WHERE task_id=?`, taskID).Scan(&consumed)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return consumed, err
}

// ProjectConsumed folds the project's rollups.
func (r Repo) ProjectConsumed(ctx context.Context, projectID string) (int64, error) {
	var consumed int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(consumed_tokens),0) FROM budget_rollups WHERE project_id=?`, projectID).Scan(&consumed)
	return consumed, err
}

// RecomputeRollup rebuilds a task's rollup row from the ledger itself.
// The rollup is a cache; the ledger is the truth.
func (r Repo) RecomputeRollup(ctx context.Context, tx *sql.Tx, taskID, now string) (int64, error) {
	var projectID string
	var consumed int64
	var count int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(project_id),''), COALESCE(SUM(tokens),0), COUNT(*) FROM usage_ledger WHERE task_id=?`, taskID).
		Scan(&projectID, &consumed, &count)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM budget_rollups WHERE task_id=?`, taskID)
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO budget_rollups(task_id,project_id,consumed_tokens,record_count,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET consumed_tokens=excluded.consumed_tokens, record_count=excluded.record_count, updated_at=excluded.updated_at`,
		taskID, projectID, consumed, count, now)
	return consumed, err
}

// ProjectPeakUtilizations returns, for finished tasks of a project, each
// task's consumed/estimated percentage. Input for the adaptive threshold.
func (r Repo) ProjectPeakUtilizations(ctx context.Context, projectID string, limit int) ([]float64, error) {
	query := `SELECT t.estimated_tokens, COALESCE(b.consumed_tokens,0)
FROM tasks t LEFT JOIN budget_rollups b ON b.task_id=t.id
WHERE t.project_id=? AND t.status IN ('completed','failed') AND t.estimated_tokens > 0
ORDER BY t.updated_at DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []float64
	for rows.Next() {
		var estimated, consumed int64
		if err := rows.Scan(&estimated, &consumed); err != nil {
			return nil, err
		}
		res = append(res, float64(consumed)/float64(estimated)*100)
	}
	return res, rows.Err()
}
