package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"escrowline/internal/audit"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/ids"
	"escrowline/internal/repo"
	"escrowline/internal/token"
)

type CreateTaskInput struct {
	Title       string
	Description string
	Skills      []string
	Budget      domain.Money
	// Deadline is an RFC3339 timestamp strictly in the future.
	Deadline string
	// Via names the channel the task arrived through (rest, a2a, cli).
	Via string
}

// CreatedTask carries the task token. It is returned once and never stored.
type CreatedTask struct {
	Task  domain.Task `json:"task"`
	Token string      `json:"task_token"`
}

// CreateTask posts a task for the employer. A positive budget is put in
// escrow before anything is written; if the hold cannot be opened no task
// exists afterwards.
func (e Engine) CreateTask(ctx context.Context, actor Actor, in CreateTaskInput) (out CreatedTask, err error) {
	ctx, done := e.span(ctx, "CreateTask", "")
	defer func() { done(&err) }()
	if err := e.ready(); err != nil {
		return CreatedTask{}, err
	}
	employer, err := e.loadAgent(ctx, actor.ID)
	if err != nil {
		return CreatedTask{}, err
	}
	if err := auth.RequireRole(employer, domain.RoleEmployer); err != nil {
		return CreatedTask{}, classify(err, "agent")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return CreatedTask{}, fail(ReasonValidation, "title is required")
	}
	if in.Budget < 0 {
		return CreatedTask{}, fail(ReasonValidation, "budget must not be negative")
	}
	if in.Budget > domain.MaxMoney {
		return CreatedTask{}, fail(ReasonValidation, "budget must not exceed %s", domain.MaxMoney)
	}
	deadline, err := time.Parse(time.RFC3339, strings.TrimSpace(in.Deadline))
	if err != nil {
		return CreatedTask{}, wrapErr(ReasonValidation, err, "deadline must be an RFC3339 timestamp")
	}
	now := e.now()
	if !deadline.After(now) {
		return CreatedTask{}, fail(ReasonValidation, "deadline must be in the future")
	}
	secret := e.Config.Secrets.TaskSecret
	if secret == "" {
		return CreatedTask{}, token.ErrNoSecret
	}
	skills := make([]string, 0, len(in.Skills))
	for _, s := range in.Skills {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, s)
		}
	}

	stamp := now.UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:            ids.New(ids.KindTask),
		Title:         in.Title,
		Description:   strings.TrimSpace(in.Description),
		Skills:        skills,
		Budget:        in.Budget,
		Deadline:      deadline.UTC().Format(time.RFC3339),
		Status:        domain.TaskOpen,
		PaymentStatus: domain.PaymentPending,
		EmployerID:    employer.ID,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}
	tok, err := token.Issue(token.ForTask(t), secret)
	if err != nil {
		return CreatedTask{}, err
	}

	holdRef := ""
	if t.Budget > 0 {
		holdRef, err = e.Settlement.OpenHold(ctx, employer.ID, t.ID, t.Budget)
		if err != nil {
			e.Settlement.RecordHoldFailure(ctx, t.ID, employer.ID, t.Budget, err)
			return CreatedTask{}, wrapErr(ReasonPaymentSetup, err, "could not place the budget in escrow")
		}
		t.PaymentStatus = domain.PaymentHeld
		t.PaymentRef = &holdRef
	}

	details := audit.Details{
		"title":          t.Title,
		"budget":         t.Budget.String(),
		"deadline":       t.Deadline,
		"skills":         t.Skills,
		"payment_status": string(t.PaymentStatus),
	}
	if in.Via != "" {
		details["via"] = in.Via
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		if _, err := e.audit().Record(ctx, tx, audit.Entry{
			TaskID:    t.ID,
			Action:    domain.ActionTaskCreate,
			Actor:     employer.ID,
			ActorType: domain.ActorEmployer,
			ClientIP:  actor.ClientIP,
			Details:   details,
		}); err != nil {
			return err
		}
		if holdRef != "" {
			return e.Settlement.RecordHold(ctx, tx, t.ID, holdRef, t.Budget)
		}
		return nil
	})
	if err != nil {
		if holdRef != "" {
			if cerr := e.Settlement.CancelHold(ctx, t.ID, holdRef); cerr != nil {
				e.logger().Error("hold left open after failed task insert", zap.String("task_id", t.ID), zap.Error(cerr))
			}
		}
		return CreatedTask{}, err
	}
	e.transitioned("", domain.TaskOpen)
	return CreatedTask{Task: t, Token: tok}, nil
}

// Claim assigns an open task to the worker presenting its token.
func (e Engine) Claim(ctx context.Context, actor Actor, taskID, taskToken string) (out domain.Task, err error) {
	ctx, done := e.span(ctx, "Claim", taskID)
	defer func() { done(&err) }()
	defer func() { e.auditRefusal(ctx, actor, domain.ActorWorker, taskID, domain.ActionTaskClaim, err) }()
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	worker, err := e.loadAgent(ctx, actor.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := auth.RequireRole(worker, domain.RoleWorker); err != nil {
		return domain.Task{}, classify(err, "agent")
	}
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := auth.ForbidSelfDealing(worker.ID, t); err != nil {
		return domain.Task{}, classify(err, "task")
	}
	if t.Status != domain.TaskOpen {
		return domain.Task{}, stateConflict(t, "claim")
	}
	now := e.now()
	switch err := token.Verify(token.ForTask(t), taskToken, e.Config.Secrets.TaskSecret, e.Config.TokenMaxAge(), now); {
	case errors.Is(err, token.ErrExpired):
		return domain.Task{}, wrapErr(ReasonTokenExpired, err, "task token has expired")
	case errors.Is(err, token.ErrInvalidSignature):
		return domain.Task{}, wrapErr(ReasonTokenInvalid, err, "task token is not valid for this task")
	case err != nil:
		return domain.Task{}, err
	}
	deadline, err := time.Parse(time.RFC3339, t.Deadline)
	if err != nil {
		return domain.Task{}, err
	}
	if !now.Before(deadline) {
		return domain.Task{}, fail(ReasonDeadlinePassed, "task deadline %s has passed", t.Deadline)
	}

	stamp := now.UTC().Format(time.RFC3339)
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.TransitionTask(ctx, tx, repo.Transition{
			TaskID:    t.ID,
			From:      []domain.TaskStatus{domain.TaskOpen},
			To:        domain.TaskClaimed,
			Set:       map[string]any{"worker_id": worker.ID, "claimed_at": stamp},
			UpdatedAt: stamp,
		}); err != nil {
			return err
		}
		if _, err := e.audit().Record(ctx, tx, audit.Entry{
			TaskID: t.ID, Action: domain.ActionTaskClaim, Actor: worker.ID, ActorType: domain.ActorWorker,
			ClientIP: actor.ClientIP, Details: audit.Details{"worker_id": worker.ID},
		}); err != nil {
			return err
		}
		out, err = e.Repo.GetTaskTx(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return domain.Task{}, classify(err, "task")
	}
	e.transitioned(domain.TaskOpen, domain.TaskClaimed)
	return out, nil
}

// Unclaim gives a claimed task back to the open pool.
func (e Engine) Unclaim(ctx context.Context, actor Actor, taskID string) (out domain.Task, err error) {
	ctx, done := e.span(ctx, "Unclaim", taskID)
	defer func() { done(&err) }()
	defer func() { e.auditRefusal(ctx, actor, domain.ActorWorker, taskID, domain.ActionTaskUnclaim, err) }()
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := auth.RequireWorker(actor.ID, t); err != nil {
		return domain.Task{}, classify(err, "task")
	}
	if t.Status != domain.TaskClaimed {
		return domain.Task{}, stateConflict(t, "unclaim")
	}
	stamp := e.stamp()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.TransitionTask(ctx, tx, repo.Transition{
			TaskID:    t.ID,
			From:      []domain.TaskStatus{domain.TaskClaimed},
			To:        domain.TaskOpen,
			WorkerID:  actor.ID,
			Set:       map[string]any{"worker_id": nil, "claimed_at": nil},
			UpdatedAt: stamp,
		}); err != nil {
			return err
		}
		if _, err := e.audit().Record(ctx, tx, audit.Entry{
			TaskID: t.ID, Action: domain.ActionTaskUnclaim, Actor: actor.ID, ActorType: domain.ActorWorker,
			ClientIP: actor.ClientIP, Details: audit.Details{"worker_id": actor.ID},
		}); err != nil {
			return err
		}
		out, err = e.Repo.GetTaskTx(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return domain.Task{}, classify(err, "task")
	}
	e.transitioned(domain.TaskClaimed, domain.TaskOpen)
	return out, nil
}

// Cancel withdraws an open or claimed task and returns the escrowed budget.
// The status change commits first; the refund is queued with it and tried
// right after, so a processor outage leaves a pending refund, not a live task.
func (e Engine) Cancel(ctx context.Context, actor Actor, taskID, reason string) (out domain.Task, err error) {
	ctx, done := e.span(ctx, "Cancel", taskID)
	defer func() { done(&err) }()
	defer func() { e.auditRefusal(ctx, actor, domain.ActorEmployer, taskID, domain.ActionTaskCancel, err) }()
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := auth.RequireEmployer(actor.ID, t); err != nil {
		return domain.Task{}, classify(err, "task")
	}
	if !statusIn(t.Status, domain.TaskOpen, domain.TaskClaimed) {
		return domain.Task{}, stateConflict(t, "cancel")
	}
	refund := false
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		refund, err = e.closeTask(ctx, tx, t, domain.TaskCancelled, audit.Entry{
			TaskID: t.ID, Action: domain.ActionTaskCancel, Actor: actor.ID, ActorType: domain.ActorEmployer,
			ClientIP: actor.ClientIP, Details: audit.Details{"reason": strings.TrimSpace(reason), "previous_status": string(t.Status)},
		})
		if err != nil {
			return err
		}
		out, err = e.Repo.GetTaskTx(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return domain.Task{}, classify(err, "task")
	}
	e.transitioned(t.Status, domain.TaskCancelled)
	if refund {
		e.afterCommit(ctx, t.ID, domain.OutboxRefund)
		if fresh, err := e.Repo.GetTask(ctx, t.ID); err == nil {
			out = fresh
		}
	}
	return out, nil
}

// closeTask moves t from open or claimed to a terminal status, writes entry
// and queues a refund when money is in escrow. It reports whether a refund
// was queued.
func (e Engine) closeTask(ctx context.Context, tx *sql.Tx, t domain.Task, to domain.TaskStatus, entry audit.Entry) (bool, error) {
	if err := e.Repo.TransitionTask(ctx, tx, repo.Transition{
		TaskID:    t.ID,
		From:      []domain.TaskStatus{domain.TaskOpen, domain.TaskClaimed},
		To:        to,
		UpdatedAt: e.stamp(),
	}); err != nil {
		return false, err
	}
	if _, err := e.audit().Record(ctx, tx, entry); err != nil {
		return false, err
	}
	if t.PaymentStatus != domain.PaymentHeld && t.PaymentStatus != domain.PaymentCaptured {
		return false, nil
	}
	return true, e.Settlement.Enqueue(ctx, tx, t.ID, domain.OutboxRefund)
}

// afterCommit tries a queued settlement action once. Failures stay on the
// outbox for the retry worker.
func (e Engine) afterCommit(ctx context.Context, taskID string, kind domain.OutboxKind) error {
	err := e.Settlement.Attempt(ctx, taskID, kind)
	if err != nil {
		e.logger().Warn("settlement deferred to outbox",
			zap.String("task_id", taskID), zap.String("kind", string(kind)), zap.Error(err))
	}
	return err
}

// ExpireOverdue closes every open or claimed task whose deadline has passed
// and refunds its escrow. Tasks that change state concurrently are skipped.
func (e Engine) ExpireOverdue(ctx context.Context) (n int, err error) {
	ctx, done := e.span(ctx, "ExpireOverdue", "")
	defer func() { done(&err) }()
	if err := e.ready(); err != nil {
		return 0, err
	}
	overdue, err := e.Repo.OverdueTasks(ctx, e.stamp(), 100)
	if err != nil {
		return 0, err
	}
	for _, t := range overdue {
		refund := false
		err := e.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			refund, err = e.closeTask(ctx, tx, t, domain.TaskExpired, audit.Entry{
				TaskID: t.ID, Action: domain.ActionTaskExpire, Actor: domain.SystemActor, ActorType: domain.ActorSystem,
				Details: audit.Details{"deadline": t.Deadline, "previous_status": string(t.Status)},
			})
			return err
		})
		if errors.Is(err, repo.ErrStateConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		e.transitioned(t.Status, domain.TaskExpired)
		if refund {
			e.afterCommit(ctx, t.ID, domain.OutboxRefund)
		}
	}
	if n > 0 {
		e.logger().Info("expired overdue tasks", zap.Int("count", n))
	}
	return n, nil
}
