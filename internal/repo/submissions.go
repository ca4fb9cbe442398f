package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

const submissionColumns = `id,task_id,worker_id,blob_key,file_name,size_bytes,digest,notes,review_status,review_issues_json,submitted_at,reviewed_at`

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var s domain.Submission
	var notes, reviewedAt sql.NullString
	var issues string
	err := row.Scan(&s.ID, &s.TaskID, &s.WorkerID, &s.BlobKey, &s.FileName, &s.SizeBytes, &s.Digest, &notes,
		&s.ReviewStatus, &issues, &s.SubmittedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Notes = notes.String
	s.ReviewIssues = domain.ParseStringList(issues)
	s.ReviewedAt = ptrFromNull(reviewedAt)
	return s, nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO submissions(`+submissionColumns+`) VALUES (`+placeholders(12)+`)`,
		s.ID, s.TaskID, s.WorkerID, s.BlobKey, s.FileName, s.SizeBytes, s.Digest, nullable(s.Notes),
		s.ReviewStatus, domain.EncodeStringList(s.ReviewIssues), s.SubmittedAt, nullableStringPtr(s.ReviewedAt))
	return err
}

func (r Repo) GetSubmission(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	return scanSubmission(r.q(tx).QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
}

// LatestSubmission returns the task's most recent submission, the one that
// drives its review state.
func (r Repo) LatestSubmission(ctx context.Context, tx *sql.Tx, taskID string) (domain.Submission, error) {
	return scanSubmission(r.q(tx).QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? ORDER BY submitted_at DESC, rowid DESC LIMIT 1`, taskID))
}

func (r Repo) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? ORDER BY submitted_at DESC, rowid DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// PendingSubmissions lists submissions whose automated review never finished
// while their task is still waiting on it.
func (r Repo) PendingSubmissions(ctx context.Context, limit int) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE review_status='pending' AND task_id IN (SELECT id FROM tasks WHERE status='submitted')
		ORDER BY submitted_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RecordAutoReview moves a pending submission to its automated verdict.
func (r Repo) RecordAutoReview(ctx context.Context, tx *sql.Tx, id string, status domain.ReviewStatus, issues []string, reviewedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE submissions SET review_status=?, review_issues_json=?, reviewed_at=? WHERE id=? AND review_status='pending'`,
		status, domain.EncodeStringList(issues), reviewedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateConflict
	}
	return nil
}
