package engine

import (
	"context"
	"errors"
	"time"

	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/repo"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.loadTask(ctx, id)
}

type TaskDetail struct {
	Task        domain.Task         `json:"task"`
	Submissions []domain.Submission `json:"submissions"`
	Reviews     []domain.Review     `json:"reviews"`
	Settlement  *domain.Settlement  `json:"settlement,omitempty"`
}

func (e Engine) TaskDetail(ctx context.Context, id string) (TaskDetail, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return TaskDetail{}, err
	}
	out := TaskDetail{Task: t}
	if out.Submissions, err = e.Repo.ListSubmissions(ctx, id); err != nil {
		return TaskDetail{}, err
	}
	if out.Reviews, err = e.Repo.ListReviews(ctx, id); err != nil {
		return TaskDetail{}, err
	}
	st, err := e.Repo.GetSettlement(ctx, nil, id)
	switch {
	case err == nil:
		out.Settlement = &st
	case !errors.Is(err, repo.ErrNotFound):
		return TaskDetail{}, err
	}
	return out, nil
}

// ListTasks applies the default page size and clamps larger requests.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Status != "" && !domain.TaskStatus(f.Status).Valid() {
		return nil, fail(ReasonValidation, "unknown status %q", f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return e.Repo.ListTasks(ctx, f)
}

// AuditTrail returns a task's entries in append order to its employer or
// worker.
func (e Engine) AuditTrail(ctx context.Context, actor Actor, taskID string) ([]domain.AuditEntry, error) {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireParticipant(actor.ID, t); err != nil {
		return nil, classify(err, "task")
	}
	return e.AuditLog.Trail(ctx, taskID)
}

// ActorHistory returns the newest entries an agent wrote. Agents can only
// read their own history.
func (e Engine) ActorHistory(ctx context.Context, actor Actor, actorID string, limit int) ([]domain.AuditEntry, error) {
	if actor.ID != actorID {
		return nil, fail(ReasonForbidden, "agents can only read their own audit history")
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = DefaultListLimit
	}
	return e.AuditLog.ByActor(ctx, actorID, limit)
}

// Stats summarises the marketplace. Audit actions are counted over the
// trailing window.
func (e Engine) Stats(ctx context.Context, window time.Duration) (domain.Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	var out domain.Stats
	var err error
	if out.TasksByStatus, err = e.Repo.CountTasksByStatus(ctx); err != nil {
		return domain.Stats{}, err
	}
	out.CompletedTasks = out.TasksByStatus[string(domain.TaskCompleted)]
	if out.HeldCents, err = e.Repo.SumBudgetByPaymentStatus(ctx, domain.PaymentHeld); err != nil {
		return domain.Stats{}, err
	}
	if out.CapturedCents, err = e.Repo.SumBudgetByPaymentStatus(ctx, domain.PaymentCaptured); err != nil {
		return domain.Stats{}, err
	}
	since := e.now().Add(-window).UTC().Format(time.RFC3339)
	if out.ActionHistogram, err = e.AuditLog.ActionHistogram(ctx, since); err != nil {
		return domain.Stats{}, err
	}
	out.WindowHours = int(window / time.Hour)
	return out, nil
}

// RetrySettlement runs a queued settle or refund item now, reviving it if
// the outbox had given up on it.
func (e Engine) RetrySettlement(ctx context.Context, taskID string, kind domain.OutboxKind) (domain.OutboxItem, error) {
	if err := e.ready(); err != nil {
		return domain.OutboxItem{}, err
	}
	item, err := e.Repo.GetOutbox(ctx, taskID, kind)
	if err != nil {
		return domain.OutboxItem{}, classify(err, "settlement item")
	}
	if item.Status == domain.OutboxDead {
		if err := e.Settlement.Enqueue(ctx, nil, taskID, kind); err != nil {
			return item, err
		}
	}
	runErr := e.Settlement.Attempt(ctx, taskID, kind)
	item, err = e.Repo.GetOutbox(ctx, taskID, kind)
	if err != nil {
		return item, err
	}
	if runErr != nil {
		if IsReason(classify(runErr, "task"), ReasonAlreadyRefunded) {
			return item, classify(runErr, "task")
		}
		return item, wrapErr(ReasonSettlementFailed, runErr, runErr.Error())
	}
	return item, nil
}

func (e Engine) Outbox(ctx context.Context, status domain.OutboxStatus) ([]domain.OutboxItem, error) {
	return e.Repo.ListOutbox(ctx, string(status))
}
