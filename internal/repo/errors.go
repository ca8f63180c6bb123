package repo

import (
	"context"
	"database/sql"
	"strings"

	"tokengovernor/internal/domain"
)

const errorCols = `id,agent_id,category,severity,message,resolution,created_at,updated_at`

func (r Repo) InsertErrorRecord(ctx context.Context, tx *sql.Tx, e domain.ErrorRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO error_log(`+errorCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, nullableStringPtr(e.AgentID), e.Category, e.Severity, e.Message, e.Resolution, e.CreatedAt, e.UpdatedAt)
	return err
}

func scanErrorRecord(scan func(dest ...any) error) (domain.ErrorRecord, error) {
	var e domain.ErrorRecord
	var agentID sql.NullString
	err := scan(&e.ID, &agentID, &e.Category, &e.Severity, &e.Message, &e.Resolution, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if agentID.Valid {
		e.AgentID = &agentID.String
	}
	return e, err
}

func (r Repo) GetErrorRecord(ctx context.Context, id string) (domain.ErrorRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+errorCols+` FROM error_log WHERE id=?`, id)
	return scanErrorRecord(row.Scan)
}

func (r Repo) UpdateErrorResolution(ctx context.Context, tx *sql.Tx, id, resolution, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE error_log SET resolution=?, updated_at=? WHERE id=?`, resolution, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ErrorFilters struct {
	AgentID    string
	Category   string
	Severity   string
	Resolution string
	Limit      int
}

func (r Repo) ListErrorRecords(ctx context.Context, f ErrorFilters) ([]domain.ErrorRecord, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Resolution != "" {
		clauses = append(clauses, "resolution=?")
		args = append(args, f.Resolution)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + errorCols + ` FROM error_log ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ErrorRecord
	for rows.Next() {
		e, err := scanErrorRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountRecentErrors counts unresolved records of one category for one
// agent inside the rolling escalation window.
func (r Repo) CountRecentErrors(ctx context.Context, tx *sql.Tx, agentID *string, category, since string) (int, error) {
	var count int
	var err error
	if agentID != nil {
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_log WHERE agent_id=? AND category=? AND created_at>=?`,
			*agentID, category, since).Scan(&count)
	} else {
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_log WHERE agent_id IS NULL AND category=? AND created_at>=?`,
			category, since).Scan(&count)
	}
	return count, err
}

func (r Repo) CountErrorsByAgent(ctx context.Context, agentID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_log WHERE agent_id=? AND resolution='open'`, agentID).Scan(&count)
	return count, err
}

func (r Repo) CountOpenErrors(ctx context.Context) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_log WHERE resolution='open'`).Scan(&count)
	return count, err
}

// CountOpenErrorsByProject attributes errors to a project through the
// reporting agent. Errors with no agent attached count for no project.
func (r Repo) CountOpenErrorsByProject(ctx context.Context, projectID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_log e
JOIN agents a ON a.id=e.agent_id
WHERE a.project_id=? AND e.resolution='open'`, projectID).Scan(&count)
	return count, err
}

// --- events (read side; writes go through events.Writer) ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
