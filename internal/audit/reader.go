package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"escrowline/internal/domain"
)

const entryColumns = `seq,id,task_id,action,actor,actor_type,details_json,client_ip,created_at`

type Reader struct {
	DB *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var details string
	var ip sql.NullString
	if err := row.Scan(&e.Seq, &e.ID, &e.TaskID, &e.Action, &e.Actor, &e.ActorType, &details, &ip, &e.CreatedAt); err != nil {
		return e, err
	}
	e.ClientIP = ip.String
	e.Details = map[string]any{}
	if details != "" {
		_ = json.Unmarshal([]byte(details), &e.Details)
	}
	return e, nil
}

func (r Reader) list(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.AuditEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Trail returns every entry for a task in append order.
func (r Reader) Trail(ctx context.Context, taskID string) ([]domain.AuditEntry, error) {
	return r.list(ctx, `SELECT `+entryColumns+` FROM audit_log WHERE task_id=? ORDER BY seq`, taskID)
}

// ByActor returns the newest limit entries written by actor, newest first.
func (r Reader) ByActor(ctx context.Context, actor string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+entryColumns+` FROM audit_log WHERE actor=? ORDER BY seq DESC LIMIT ?`, actor, limit)
}

// After returns entries with seq greater than cursor, oldest first.
func (r Reader) After(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+entryColumns+` FROM audit_log WHERE seq > ? ORDER BY seq LIMIT ?`, cursor, limit)
}

// LatestSeq is the seq of the newest entry, 0 for an empty log.
func (r Reader) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit_log`).Scan(&seq)
	return seq, err
}

// ActionHistogram counts entries per action created at or after since.
func (r Reader) ActionHistogram(ctx context.Context, since string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action, COUNT(*) FROM audit_log WHERE created_at >= ? GROUP BY action`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[action] = n
	}
	return out, rows.Err()
}
