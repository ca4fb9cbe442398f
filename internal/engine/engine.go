// Package engine is the task lifecycle controller. Every transition is a
// compare-and-swap on the task row, committed together with its audit entry.
// Slow work (blob writes, digests, processor calls) happens outside those
// transactions.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowline/internal/audit"
	"escrowline/internal/blob"
	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/integrity"
	"escrowline/internal/metrics"
	"escrowline/internal/repo"
	"escrowline/internal/settlement"
)

var tracer = otel.Tracer("escrowline/engine")

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	AuditLog   audit.Reader
	Integrity  integrity.Service
	Settlement *settlement.Service
	Config     *config.Config
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, blobs blob.Store, settle *settlement.Service) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		AuditLog:   audit.Reader{DB: db},
		Integrity:  integrity.Service{Blobs: blobs},
		Settlement: settle,
		Config:     cfg,
		Logger:     zap.NewNop(),
		Now:        time.Now,
	}
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID       string
	ClientIP string
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) audit() audit.Writer {
	return audit.Writer{Now: e.now}
}

func (e Engine) ready() error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if e.Settlement == nil {
		return errors.New("settlement not configured")
	}
	return nil
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// span starts a trace span for op; the returned func ends it and records
// *errp when set.
func (e Engine) span(ctx context.Context, op, taskID string) (context.Context, func(errp *error)) {
	ctx, span := tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("task.id", taskID)))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}

// refusals are the failures that leave a trail entry: the caller was known
// and the request well formed, but the task could not move.
var refusals = map[Reason]bool{
	ReasonStateConflict:  true,
	ReasonTokenInvalid:   true,
	ReasonTokenExpired:   true,
	ReasonDeadlinePassed: true,
	ReasonRejectionLimit: true,
}

// auditRefusal records a failed attempt at action when err is a refusal.
// The entry is written in its own transaction since the attempt rolled back.
func (e Engine) auditRefusal(ctx context.Context, actor Actor, actorType domain.ActorType, taskID string, action domain.AuditAction, err error) {
	reason := ReasonOf(err)
	if !refusals[reason] || taskID == "" || actor.ID == "" {
		return
	}
	details := audit.Details{}
	var le *Error
	if errors.As(err, &le) {
		for k, v := range le.Details {
			details[k] = v
		}
	}
	details["status"] = "failed"
	details["reason"] = string(reason)
	details["error"] = err.Error()
	_, aerr := e.audit().RecordStandalone(context.WithoutCancel(ctx), e.DB, audit.Entry{
		TaskID: taskID, Action: action, Actor: actor.ID, ActorType: actorType,
		ClientIP: actor.ClientIP, Details: details,
	})
	if aerr != nil {
		e.logger().Warn("failed attempt not audited",
			zap.String("task_id", taskID), zap.String("action", string(action)), zap.Error(aerr))
	}
}

func (e Engine) loadAgent(ctx context.Context, id string) (domain.Agent, error) {
	if id == "" {
		return domain.Agent{}, fail(ReasonForbidden, "actor is required")
	}
	a, err := e.Repo.GetAgent(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, wrapErr(ReasonForbidden, err, "unknown agent "+id)
	}
	return a, err
}

func (e Engine) loadTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	return t, classify(err, "task")
}

func (e Engine) transitioned(from, to domain.TaskStatus) {
	e.Metrics.RecordTransition(string(from), string(to))
}

func stateConflict(t domain.Task, action string) *Error {
	return &Error{
		Reason:  ReasonStateConflict,
		Message: "cannot " + action + " a task that is " + string(t.Status),
		Details: map[string]any{"status": t.Status},
	}
}

func statusIn(s domain.TaskStatus, allowed ...domain.TaskStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
