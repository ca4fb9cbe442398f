package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

const agentColumns = `id,name,role,skills_json,processor_customer_id,payout_account_id,created_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var skills string
	var customer, payout sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Role, &skills, &customer, &payout, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Skills = domain.ParseStringList(skills)
	a.ProcessorCustomerID = ptrFromNull(customer)
	a.PayoutAccountID = ptrFromNull(payout)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Role, domain.EncodeStringList(a.Skills), nullableStringPtr(a.ProcessorCustomerID), nullableStringPtr(a.PayoutAccountID), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context, role string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if role != "" {
		query += ` WHERE role=? OR role='both'`
		args = append(args, role)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetProcessorCustomer records the processor customer for an agent that has
// none yet. It returns the customer id now stored, which is the existing one
// when another request won the race.
func (r Repo) SetProcessorCustomer(ctx context.Context, agentID, customerID string) (string, error) {
	if _, err := r.DB.ExecContext(ctx, `UPDATE agents SET processor_customer_id=? WHERE id=? AND processor_customer_id IS NULL`, customerID, agentID); err != nil {
		return "", err
	}
	a, err := r.GetAgent(ctx, nil, agentID)
	if err != nil {
		return "", err
	}
	if a.ProcessorCustomerID == nil {
		return "", ErrStateConflict
	}
	return *a.ProcessorCustomerID, nil
}

func (r Repo) SetPayoutAccount(ctx context.Context, agentID, accountID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET payout_account_id=? WHERE id=?`, nullable(accountID), agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
