package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

const outboxColumns = `task_id,kind,status,attempts,last_error,next_attempt_at,created_at,updated_at`

func scanOutbox(row rowScanner) (domain.OutboxItem, error) {
	var it domain.OutboxItem
	var lastErr sql.NullString
	err := row.Scan(&it.TaskID, &it.Kind, &it.Status, &it.Attempts, &lastErr, &it.NextAttemptAt, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.LastError = lastErr.String
	return it, nil
}

// EnqueueOutbox makes (taskID, kind) pending. A row that already finished or
// died is revived with a fresh attempt budget; a pending row is left alone.
func (r Repo) EnqueueOutbox(ctx context.Context, tx *sql.Tx, taskID string, kind domain.OutboxKind, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO settlement_outbox(`+outboxColumns+`) VALUES (?,?,'pending',0,NULL,?,?,?)
ON CONFLICT(task_id, kind) DO UPDATE SET status='pending', attempts=0, last_error=NULL, next_attempt_at=excluded.next_attempt_at, updated_at=excluded.updated_at
WHERE settlement_outbox.status <> 'pending'`,
		taskID, kind, now, now, now)
	return err
}

func (r Repo) GetOutbox(ctx context.Context, taskID string, kind domain.OutboxKind) (domain.OutboxItem, error) {
	return scanOutbox(r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM settlement_outbox WHERE task_id=? AND kind=?`, taskID, kind))
}

// DueOutbox returns pending items whose next attempt is not after now.
func (r Repo) DueOutbox(ctx context.Context, now string, limit int) ([]domain.OutboxItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outboxColumns+` FROM settlement_outbox WHERE status='pending' AND next_attempt_at <= ? ORDER BY next_attempt_at, task_id LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxItem
	for rows.Next() {
		it, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) ListOutbox(ctx context.Context, status string) ([]domain.OutboxItem, error) {
	query := `SELECT ` + outboxColumns + ` FROM settlement_outbox`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, task_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.OutboxItem{}
	for rows.Next() {
		it, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// CompleteOutbox marks a pending item done.
func (r Repo) CompleteOutbox(ctx context.Context, taskID string, kind domain.OutboxKind, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE settlement_outbox SET status='done', last_error=NULL, updated_at=? WHERE task_id=? AND kind=? AND status='pending'`, now, taskID, kind)
	return err
}

// FailOutbox records a failed attempt. status is pending (retry at next) or dead.
func (r Repo) FailOutbox(ctx context.Context, taskID string, kind domain.OutboxKind, attempts int, lastErr string, status domain.OutboxStatus, next, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE settlement_outbox SET status=?, attempts=?, last_error=?, next_attempt_at=?, updated_at=? WHERE task_id=? AND kind=? AND status='pending'`,
		status, attempts, lastErr, next, now, taskID, kind)
	return err
}
