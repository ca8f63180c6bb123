package repo

import (
	"context"
	"database/sql"
	"strings"

	"tokengovernor/internal/domain"
)

const messageCols = `id,channel,sender_id,receiver_id,type,payload_json,priority,status,retry_count,max_retries,next_attempt_at,created_at,expires_at,delivered_at`

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(`+messageCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Channel, m.SenderID, nullableStringPtr(m.ReceiverID), m.Type, nullable(m.PayloadJSON),
		m.Priority, m.Status, m.RetryCount, m.MaxRetries, m.NextAttemptAt, m.CreatedAt, m.ExpiresAt, nullableStringPtr(m.DeliveredAt))
	return err
}

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var receiver, payload, delivered sql.NullString
	err := scan(&m.ID, &m.Channel, &m.SenderID, &receiver, &m.Type, &payload, &m.Priority, &m.Status,
		&m.RetryCount, &m.MaxRetries, &m.NextAttemptAt, &m.CreatedAt, &m.ExpiresAt, &delivered)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if receiver.Valid {
		m.ReceiverID = &receiver.String
	}
	if payload.Valid {
		m.PayloadJSON = payload.String
	}
	if delivered.Valid {
		m.DeliveredAt = &delivered.String
	}
	return m, err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id=?`, id)
	return scanMessage(row.Scan)
}

// NextPendingMessage selects the deliverable message for a channel:
// highest priority first, creation time breaking ties (oldest wins).
// Messages backing off (next_attempt_at in the future) or past expiry
// are skipped.
func (r Repo) NextPendingMessage(ctx context.Context, tx *sql.Tx, channel, now string) (domain.Message, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages
WHERE channel=? AND status='pending' AND next_attempt_at<=? AND expires_at>?
ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`, channel, now, now)
	return scanMessage(row.Scan)
}

func (r Repo) UpdateMessageStatus(ctx context.Context, tx *sql.Tx, id, status string, retryCount int, nextAttemptAt string, deliveredAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET status=?, retry_count=?, next_attempt_at=?, delivered_at=? WHERE id=?`,
		status, retryCount, nextAttemptAt, nullableStringPtr(deliveredAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireMessages marks everything past its expiry regardless of retry
// state and returns how many rows flipped.
func (r Repo) ExpireMessages(ctx context.Context, tx *sql.Tx, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET status='expired' WHERE status IN ('pending','processing') AND expires_at<=?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type MessageFilters struct {
	Channel  string
	Status   string
	Receiver string
	Limit    int
}

func (r Repo) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if f.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, f.Channel)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Receiver != "" {
		clauses = append(clauses, "(receiver_id=? OR receiver_id IS NULL)")
		args = append(args, f.Receiver)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + messageCols + ` FROM messages ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) Channels(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT channel FROM messages ORDER BY channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		res = append(res, ch)
	}
	return res, rows.Err()
}
