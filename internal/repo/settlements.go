package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

const settlementColumns = `task_id,worker_id,total_cents,worker_amount_cents,platform_fee_cents,fee_percent,status,transfer_ref,created_at,updated_at`

func scanSettlement(row rowScanner) (domain.Settlement, error) {
	var s domain.Settlement
	var ref sql.NullString
	err := row.Scan(&s.TaskID, &s.WorkerID, &s.Total, &s.WorkerAmount, &s.PlatformFee, &s.FeePercent, &s.Status, &ref, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.TransferRef = ptrFromNull(ref)
	return s, nil
}

func (r Repo) InsertSettlement(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO settlements(`+settlementColumns+`) VALUES (`+placeholders(10)+`)`,
		s.TaskID, s.WorkerID, int64(s.Total), int64(s.WorkerAmount), int64(s.PlatformFee), s.FeePercent, s.Status,
		nullableStringPtr(s.TransferRef), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSettlement(ctx context.Context, tx *sql.Tx, taskID string) (domain.Settlement, error) {
	return scanSettlement(r.q(tx).QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE task_id=?`, taskID))
}

// UpdateSettlementStatus moves a settlement from one status to another,
// recording the transfer reference when given.
func (r Repo) UpdateSettlementStatus(ctx context.Context, tx *sql.Tx, taskID string, from, to domain.SettlementStatus, ref *string, updatedAt string) error {
	query := `UPDATE settlements SET status=?, updated_at=?`
	args := []any{to, updatedAt}
	if ref != nil {
		query += `, transfer_ref=?`
		args = append(args, *ref)
	}
	query += ` WHERE task_id=? AND status=?`
	args = append(args, taskID, from)
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// DeferredSettlements lists a worker's splits waiting for a payout account.
func (r Repo) DeferredSettlements(ctx context.Context, workerID string) ([]domain.Settlement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE worker_id=? AND status='deferred' ORDER BY created_at`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
