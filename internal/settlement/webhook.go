package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"escrowline/internal/audit"
	"escrowline/internal/domain"
	"escrowline/internal/payments"
	"escrowline/internal/repo"
)

// Outcome of handling one webhook delivery.
const (
	ResultApplied   = "applied"
	ResultNoop      = "noop"
	ResultIgnored   = "ignored"
	ResultUnhandled = "unhandled"
	ResultDuplicate = "duplicate"
)

// Ingest applies ev at most once per event id. A delivery whose handling
// fails is forgotten again so the processor's redelivery can retry it.
func (s *Service) Ingest(ctx context.Context, ev payments.Event) (string, error) {
	if s.Seen != nil {
		ttl := s.Config.DedupTTL
		if ttl <= 0 {
			ttl = DefaultConfig().DedupTTL
		}
		first, err := s.Seen.Claim(ctx, "event:"+ev.EventID(), ttl)
		if err != nil {
			return "", fmt.Errorf("claim event: %w", err)
		}
		if !first {
			s.Metrics.RecordWebhook(ev.EventType(), ResultDuplicate)
			return ResultDuplicate, nil
		}
	}
	result, err := s.HandleEvent(ctx, ev)
	if err != nil {
		if s.Seen != nil {
			if rerr := s.Seen.Release(ctx, "event:"+ev.EventID()); rerr != nil {
				s.logger().Warn("release event claim", zap.String("event_id", ev.EventID()), zap.Error(rerr))
			}
		}
		s.Metrics.RecordWebhook(ev.EventType(), "error")
		return "", err
	}
	s.Metrics.RecordWebhook(ev.EventType(), result)
	return result, nil
}

// HandleEvent reconciles local payment state with one processor event.
func (s *Service) HandleEvent(ctx context.Context, ev payments.Event) (string, error) {
	log := s.logger().With(zap.String("event_id", ev.EventID()), zap.String("event_type", ev.EventType()))
	switch e := ev.(type) {
	case payments.HoldSucceeded:
		task, err := s.taskForEvent(ctx, e.HoldRef, e.TaskID)
		if err != nil {
			return s.ignore(log, err)
		}
		return s.reconcilePayment(ctx, task, []domain.PaymentStatus{domain.PaymentHeld}, domain.PaymentCaptured, domain.ActionPaymentCapture,
			audit.Details{"source": "webhook", "event_id": e.ID, "payment_ref": e.HoldRef})

	case payments.CaptureFailed:
		task, err := s.taskForEvent(ctx, e.HoldRef, e.TaskID)
		if err != nil {
			return s.ignore(log, err)
		}
		log.Warn("capture failed at processor", zap.String("task_id", task.ID), zap.String("message", e.Message))
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := s.Audit.Record(ctx, tx, audit.Entry{
				TaskID: task.ID, Action: domain.ActionPaymentCapture,
				Actor: domain.SystemActor, ActorType: domain.ActorPlatform,
				Details: audit.Details{"source": "webhook", "event_id": e.ID, "status": "failed", "payment_ref": e.HoldRef, "error": e.Message},
			}); err != nil {
				return err
			}
			if task.Status == domain.TaskCompleted && task.PaymentStatus != domain.PaymentCaptured {
				return s.Repo.EnqueueOutbox(ctx, tx, task.ID, domain.OutboxSettle, s.stamp())
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return ResultApplied, nil

	case payments.Refunded:
		task, err := s.taskForEvent(ctx, e.HoldRef, e.TaskID)
		if err != nil {
			return s.ignore(log, err)
		}
		return s.reconcilePayment(ctx, task, []domain.PaymentStatus{domain.PaymentHeld, domain.PaymentCaptured}, domain.PaymentRefunded, domain.ActionPaymentRefund,
			audit.Details{"source": "webhook", "event_id": e.ID, "payment_ref": e.HoldRef, "previous_status": string(task.PaymentStatus)})

	case payments.TransferCreated:
		if e.TaskID == "" {
			return s.ignore(log, errors.New("transfer without task_id metadata"))
		}
		st, err := s.Repo.GetSettlement(ctx, nil, e.TaskID)
		if errors.Is(err, repo.ErrNotFound) {
			return s.ignore(log, err)
		}
		if err != nil {
			return "", err
		}
		if st.Status != domain.SettlementTransferred {
			return ResultNoop, nil
		}
		ref := e.TransferRef
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			if err := s.Repo.UpdateSettlementStatus(ctx, tx, e.TaskID, domain.SettlementTransferred, domain.SettlementConfirmed, &ref, s.stamp()); err != nil {
				return err
			}
			_, err := s.Audit.Record(ctx, tx, audit.Entry{
				TaskID: e.TaskID, Action: domain.ActionPaymentSplit,
				Actor: domain.SystemActor, ActorType: domain.ActorPlatform,
				Details: audit.Details{"source": "webhook", "event_id": e.ID, "status": "confirmed", "transfer_ref": ref, "worker_id": st.WorkerID},
			})
			return err
		})
		if errors.Is(err, repo.ErrStateConflict) {
			return ResultNoop, nil
		}
		if err != nil {
			return "", err
		}
		return ResultApplied, nil

	case payments.Unhandled:
		log.Info("unhandled webhook event acknowledged")
		return ResultUnhandled, nil
	}
	return "", fmt.Errorf("unknown event variant %T", ev)
}

func (s *Service) ignore(log *zap.Logger, cause error) (string, error) {
	log.Warn("webhook event ignored", zap.Error(cause))
	return ResultIgnored, nil
}

func (s *Service) taskForEvent(ctx context.Context, holdRef, taskID string) (domain.Task, error) {
	if holdRef != "" {
		task, err := s.Repo.GetTaskByPaymentRef(ctx, nil, holdRef)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
	}
	if taskID == "" {
		return domain.Task{}, fmt.Errorf("no task for payment ref %q", holdRef)
	}
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if holdRef != "" && (task.PaymentRef == nil || *task.PaymentRef != holdRef) {
		return domain.Task{}, fmt.Errorf("payment ref %q does not belong to task %s", holdRef, taskID)
	}
	return task, nil
}

func (s *Service) reconcilePayment(ctx context.Context, task domain.Task, from []domain.PaymentStatus, to domain.PaymentStatus, action domain.AuditAction, details audit.Details) (string, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.TransitionPayment(ctx, tx, task.ID, from, to, nil, s.stamp()); err != nil {
			return err
		}
		_, err := s.Audit.Record(ctx, tx, audit.Entry{
			TaskID: task.ID, Action: action,
			Actor: domain.SystemActor, ActorType: domain.ActorPlatform, Details: details,
		})
		return err
	})
	if errors.Is(err, repo.ErrStateConflict) {
		return ResultNoop, nil
	}
	if err != nil {
		return "", err
	}
	return ResultApplied, nil
}
