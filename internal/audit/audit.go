// Package audit is the append-only log of every state-changing decision.
// Entries are written inside the caller's transaction so that a task
// transition and its log entry commit or roll back together.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrowline/internal/domain"
	"escrowline/internal/ids"
)

var ErrUnknownAction = errors.New("unknown audit action")

type Details map[string]any

type Entry struct {
	TaskID    string
	Action    domain.AuditAction
	Actor     string
	ActorType domain.ActorType
	Details   Details
	ClientIP  string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

// Record appends e within tx and returns the stored entry.
func (w Writer) Record(ctx context.Context, tx *sql.Tx, e Entry) (domain.AuditEntry, error) {
	if tx == nil {
		return domain.AuditEntry{}, errors.New("audit record requires a transaction")
	}
	return w.record(ctx, tx, e)
}

// RecordStandalone appends e in its own transaction. Used for outcomes that
// have no surrounding state change, such as a failed payment hold.
func (w Writer) RecordStandalone(ctx context.Context, db *sql.DB, e Entry) (domain.AuditEntry, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	defer tx.Rollback()
	out, err := w.record(ctx, tx, e)
	if err != nil {
		return out, err
	}
	return out, tx.Commit()
}

func (w Writer) record(ctx context.Context, ex execer, e Entry) (domain.AuditEntry, error) {
	if !e.Action.Valid() {
		return domain.AuditEntry{}, fmt.Errorf("%w: %s", ErrUnknownAction, e.Action)
	}
	if e.TaskID == "" || e.Actor == "" {
		return domain.AuditEntry{}, errors.New("audit entry requires task_id and actor")
	}
	if e.ActorType == "" {
		e.ActorType = domain.ActorSystem
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Details == nil {
		e.Details = Details{}
	}
	data, err := json.Marshal(e.Details)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal audit details: %w", err)
	}
	out := domain.AuditEntry{
		ID:        ids.New("log"),
		TaskID:    e.TaskID,
		Action:    e.Action,
		Actor:     e.Actor,
		ActorType: e.ActorType,
		Details:   map[string]any(e.Details),
		ClientIP:  e.ClientIP,
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO audit_log(id,task_id,action,actor,actor_type,details_json,client_ip,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		out.ID, out.TaskID, out.Action, out.Actor, out.ActorType, string(data), nullable(out.ClientIP), out.CreatedAt)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		out.Seq = seq
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
