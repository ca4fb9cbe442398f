package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reviews(id,task_id,submission_id,reviewer_id,result,feedback,rating,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		rv.ID, rv.TaskID, rv.SubmissionID, rv.ReviewerID, rv.Result, nullable(rv.Feedback), nullableIntPtr(rv.Rating), rv.CreatedAt)
	return err
}

// CountReviews counts reviews of one result for a task.
func (r Repo) CountReviews(ctx context.Context, tx *sql.Tx, taskID string, result domain.ReviewResult) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM reviews WHERE task_id=? AND result=?`, taskID, result).Scan(&n)
	return n, err
}

func (r Repo) ListReviews(ctx context.Context, taskID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,submission_id,reviewer_id,result,feedback,rating,created_at FROM reviews WHERE task_id=? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Review{}
	for rows.Next() {
		var rv domain.Review
		var feedback sql.NullString
		var rating sql.NullInt64
		if err := rows.Scan(&rv.ID, &rv.TaskID, &rv.SubmissionID, &rv.ReviewerID, &rv.Result, &feedback, &rating, &rv.CreatedAt); err != nil {
			return nil, err
		}
		rv.Feedback = feedback.String
		if rating.Valid {
			v := int(rating.Int64)
			rv.Rating = &v
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}
