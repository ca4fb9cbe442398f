package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"escrowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

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
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const taskColumns = `id,title,description,skills_json,budget_cents,deadline,status,payment_status,employer_id,worker_id,payment_ref,created_at,updated_at,claimed_at,submitted_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, workerID, paymentRef, claimedAt, submittedAt, completedAt sql.NullString
	var skills string
	err := row.Scan(&t.ID, &t.Title, &description, &skills, &t.Budget, &t.Deadline, &t.Status, &t.PaymentStatus,
		&t.EmployerID, &workerID, &paymentRef, &t.CreatedAt, &t.UpdatedAt, &claimedAt, &submittedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.Skills = domain.ParseStringList(skills)
	t.WorkerID = ptrFromNull(workerID)
	t.PaymentRef = ptrFromNull(paymentRef)
	t.ClaimedAt = ptrFromNull(claimedAt)
	t.SubmittedAt = ptrFromNull(submittedAt)
	t.CompletedAt = ptrFromNull(completedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (`+placeholders(16)+`)`,
		t.ID, t.Title, nullable(t.Description), domain.EncodeStringList(t.Skills), int64(t.Budget), t.Deadline, t.Status, t.PaymentStatus,
		t.EmployerID, nullableStringPtr(t.WorkerID), nullableStringPtr(t.PaymentRef), t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.SubmittedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// GetTaskByPaymentRef finds the task whose escrow hold is ref.
func (r Repo) GetTaskByPaymentRef(ctx context.Context, tx *sql.Tx, ref string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE payment_ref=? LIMIT 1`, ref))
}

// Transition is a compare-and-swap on a task's status.
type Transition struct {
	TaskID string
	From   []domain.TaskStatus
	To     domain.TaskStatus
	// WorkerID, when set, additionally requires worker_id to match.
	WorkerID string
	// Set assigns extra columns; a nil value clears the column.
	Set       map[string]any
	UpdatedAt string
}

var transitionColumns = map[string]bool{
	"worker_id":    true,
	"claimed_at":   true,
	"submitted_at": true,
	"completed_at": true,
}

// TransitionTask applies t in a single conditional UPDATE. Zero affected rows
// is reported as ErrStateConflict, or ErrNotFound when the task does not exist.
func (r Repo) TransitionTask(ctx context.Context, tx *sql.Tx, t Transition) error {
	if len(t.From) == 0 {
		return errors.New("transition requires at least one source status")
	}
	fields := []string{"status=?", "updated_at=?"}
	args := []any{t.To, t.UpdatedAt}
	cols := make([]string, 0, len(t.Set))
	for col := range t.Set {
		if !transitionColumns[col] {
			return fmt.Errorf("column %s cannot be set by a transition", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		fields = append(fields, col+"=?")
		args = append(args, t.Set[col])
	}
	args = append(args, t.TaskID)
	for _, s := range t.From {
		args = append(args, s)
	}
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id=? AND status IN (%s)`, strings.Join(fields, ","), placeholders(len(t.From)))
	if t.WorkerID != "" {
		query += ` AND worker_id=?`
		args = append(args, t.WorkerID)
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return r.casOutcome(ctx, tx, res, t.TaskID)
}

// TransitionPayment is a compare-and-swap on payment_status. ref, when non-nil,
// replaces payment_ref.
func (r Repo) TransitionPayment(ctx context.Context, tx *sql.Tx, taskID string, from []domain.PaymentStatus, to domain.PaymentStatus, ref *string, updatedAt string) error {
	if len(from) == 0 {
		return errors.New("payment transition requires at least one source status")
	}
	fields := []string{"payment_status=?", "updated_at=?"}
	args := []any{to, updatedAt}
	if ref != nil {
		fields = append(fields, "payment_ref=?")
		args = append(args, *ref)
	}
	args = append(args, taskID)
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=? AND payment_status IN (%s)`,
		strings.Join(fields, ","), placeholders(len(from))), args...)
	if err != nil {
		return err
	}
	return r.casOutcome(ctx, tx, res, taskID)
}

func (r Repo) casOutcome(ctx context.Context, tx *sql.Tx, res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStateConflict
}

type TaskFilters struct {
	Status     string
	Skill      string
	EmployerID string
	WorkerID   string
	Limit      int
	Offset     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Skill != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.skills_json) WHERE json_each.value=?)")
		args = append(args, f.Skill)
	}
	if f.EmployerID != "" {
		clauses = append(clauses, "employer_id=?")
		args = append(args, f.EmployerID)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OverdueTasks returns open or claimed tasks whose deadline is before now.
func (r Repo) OverdueTasks(ctx context.Context, now string, limit int) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN ('open','claimed') AND deadline < ? ORDER BY deadline LIMIT ?`, now, limit)
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

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

// SumBudgetByPaymentStatus totals budgets for one payment status.
func (r Repo) SumBudgetByPaymentStatus(ctx context.Context, status domain.PaymentStatus) (domain.Money, error) {
	var total int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(budget_cents),0) FROM tasks WHERE payment_status=?`, status).Scan(&total)
	return domain.Money(total), err
}
