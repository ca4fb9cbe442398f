// Package settlement moves escrowed money through the payment processor and
// records each movement, successful or not, in the audit log.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowline/internal/audit"
	"escrowline/internal/domain"
	"escrowline/internal/idempotency"
	"escrowline/internal/metrics"
	"escrowline/internal/payments"
	"escrowline/internal/repo"
)

var (
	ErrNoHold          = errors.New("task has no payment hold")
	ErrNoWorker        = errors.New("task has no assigned worker")
	ErrNotCaptured     = errors.New("payment is not captured")
	ErrAlreadyRefunded = errors.New("payment already refunded")
)

var tracer = otel.Tracer("escrowline/settlement")

type Config struct {
	FeePercent  float64
	Currency    string
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	DedupTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		FeePercent:  1,
		Currency:    "usd",
		MaxAttempts: 8,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Hour,
		DedupTTL:    24 * time.Hour,
	}
}

type Service struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Processor payments.Processor
	Seen      idempotency.Store
	Config    Config
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) currency() string {
	if s.Config.Currency == "" {
		return "usd"
	}
	return s.Config.Currency
}

func (s *Service) call(ctx context.Context, op string, taskID string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "processor."+op, trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	s.Metrics.RecordSettlement(op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) recordFailure(ctx context.Context, taskID string, action domain.AuditAction, details audit.Details, cause error) {
	details["status"] = "failed"
	details["error"] = cause.Error()
	if _, err := s.Audit.RecordStandalone(ctx, s.DB, audit.Entry{
		TaskID:    taskID,
		Action:    action,
		Actor:     domain.SystemActor,
		ActorType: domain.ActorPlatform,
		Details:   details,
	}); err != nil {
		s.logger().Error("audit failure entry not written", zap.String("task_id", taskID), zap.String("action", string(action)), zap.Error(err))
	}
}

// SplitAmounts divides total into the worker's share and the platform fee.
// The fee is rounded to the nearest minor unit; the worker receives the rest,
// so the two parts always sum to total.
func SplitAmounts(total domain.Money, feePercent float64) (worker, fee domain.Money) {
	fee = domain.Money(math.Round(float64(total) * feePercent / 100))
	if fee > total {
		fee = total
	}
	if fee < 0 {
		fee = 0
	}
	return total - fee, fee
}

// OpenHold makes sure the employer has a processor customer, then opens a
// manual-capture hold for amount tagged with taskID. Nothing is persisted
// about the hold itself; the caller records it with RecordHold.
func (s *Service) OpenHold(ctx context.Context, employerID, taskID string, amount domain.Money) (string, error) {
	ctx, span := tracer.Start(ctx, "settlement.OpenHold", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	agent, err := s.Repo.GetAgent(ctx, nil, employerID)
	if err != nil {
		return "", fmt.Errorf("load employer: %w", err)
	}
	customerID := ""
	if agent.ProcessorCustomerID != nil {
		customerID = *agent.ProcessorCustomerID
	} else {
		var created string
		err := s.call(ctx, "customer", taskID, func(ctx context.Context) error {
			var err error
			created, err = s.Processor.CreateCustomer(ctx, employerID)
			return err
		})
		if err != nil {
			return "", err
		}
		customerID, err = s.Repo.SetProcessorCustomer(ctx, employerID, created)
		if err != nil {
			return "", fmt.Errorf("persist processor customer: %w", err)
		}
	}

	var ref string
	err = s.call(ctx, "hold", taskID, func(ctx context.Context) error {
		var err error
		ref, err = s.Processor.CreateHold(ctx, payments.HoldRequest{
			Amount:         amount,
			Currency:       s.currency(),
			CustomerID:     customerID,
			Metadata:       map[string]string{"task_id": taskID, "employer_id": employerID},
			IdempotencyKey: "hold-" + taskID,
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return ref, nil
}

// RecordHold writes the payment_hold entry for a hold opened by OpenHold.
func (s *Service) RecordHold(ctx context.Context, tx *sql.Tx, taskID, ref string, amount domain.Money) error {
	_, err := s.Audit.Record(ctx, tx, audit.Entry{
		TaskID:    taskID,
		Action:    domain.ActionPaymentHold,
		Actor:     domain.SystemActor,
		ActorType: domain.ActorPlatform,
		Details:   audit.Details{"payment_ref": ref, "amount": amount.String(), "currency": s.currency()},
	})
	return err
}

// RecordHoldFailure logs a hold attempt that never produced a task.
func (s *Service) RecordHoldFailure(ctx context.Context, taskID, employerID string, amount domain.Money, cause error) {
	s.recordFailure(ctx, taskID, domain.ActionPaymentHold, audit.Details{
		"employer_id": employerID, "amount": amount.String(), "currency": s.currency(),
	}, cause)
}

// CancelHold releases a hold whose task could not be stored.
func (s *Service) CancelHold(ctx context.Context, taskID, ref string) error {
	return s.call(ctx, "cancel", taskID, func(ctx context.Context) error {
		return s.Processor.Cancel(ctx, ref, "cancel-"+taskID)
	})
}

// Capture charges the hold. A task already captured is left alone.
func (s *Service) Capture(ctx context.Context, taskID string) error {
	ctx, span := tracer.Start(ctx, "settlement.Capture", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.PaymentStatus {
	case domain.PaymentCaptured:
		return nil
	case domain.PaymentRefunded:
		return ErrAlreadyRefunded
	}
	if task.PaymentRef == nil || task.PaymentStatus != domain.PaymentHeld {
		return ErrNoHold
	}
	if task.WorkerID == nil {
		return ErrNoWorker
	}
	ref := *task.PaymentRef
	err = s.call(ctx, "capture", taskID, func(ctx context.Context) error {
		return s.Processor.Capture(ctx, ref, "capture-"+taskID)
	})
	if err != nil {
		s.recordFailure(ctx, taskID, domain.ActionPaymentCapture, audit.Details{"payment_ref": ref, "amount": task.Budget.String()}, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.TransitionPayment(ctx, tx, taskID, []domain.PaymentStatus{domain.PaymentHeld}, domain.PaymentCaptured, nil, s.stamp()); err != nil {
			return err
		}
		_, err := s.Audit.Record(ctx, tx, audit.Entry{
			TaskID:    taskID,
			Action:    domain.ActionPaymentCapture,
			Actor:     domain.SystemActor,
			ActorType: domain.ActorPlatform,
			Details:   audit.Details{"payment_ref": ref, "amount": task.Budget.String(), "currency": s.currency()},
		})
		return err
	})
	if errors.Is(err, repo.ErrStateConflict) {
		// A webhook already reconciled the capture.
		return nil
	}
	return err
}

// Split pays the worker their share of a captured task. Without a payout
// account the transfer is deferred and recorded as such; the split is then
// finished later by ReleaseDeferred.
func (s *Service) Split(ctx context.Context, taskID string) error {
	ctx, span := tracer.Start(ctx, "settlement.Split", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.PaymentStatus != domain.PaymentCaptured {
		return ErrNotCaptured
	}
	if task.WorkerID == nil {
		return ErrNoWorker
	}
	if _, err := s.Repo.GetSettlement(ctx, nil, taskID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	worker, err := s.Repo.GetAgent(ctx, nil, *task.WorkerID)
	if err != nil {
		return fmt.Errorf("load worker: %w", err)
	}
	workerAmount, fee := SplitAmounts(task.Budget, s.Config.FeePercent)
	details := audit.Details{
		"total_amount":         task.Budget.String(),
		"worker_amount":        workerAmount.String(),
		"platform_fee":         fee.String(),
		"platform_fee_percent": s.Config.FeePercent,
		"worker_id":            worker.ID,
	}
	row := domain.Settlement{
		TaskID:       taskID,
		WorkerID:     worker.ID,
		Total:        task.Budget,
		WorkerAmount: workerAmount,
		PlatformFee:  fee,
		FeePercent:   s.Config.FeePercent,
		CreatedAt:    s.stamp(),
		UpdatedAt:    s.stamp(),
	}

	if worker.PayoutAccountID == nil {
		row.Status = domain.SettlementDeferred
		details["warning"] = "worker has no payout account, transfer deferred"
		s.logger().Warn("transfer deferred", zap.String("task_id", taskID), zap.String("worker_id", worker.ID))
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := s.Repo.InsertSettlement(ctx, tx, row); err != nil {
				return err
			}
			_, err := s.Audit.Record(ctx, tx, audit.Entry{
				TaskID: taskID, Action: domain.ActionPaymentTransferDeferred,
				Actor: domain.SystemActor, ActorType: domain.ActorPlatform, Details: details,
			})
			return err
		})
	}

	destination := *worker.PayoutAccountID
	transferRef, err := s.transfer(ctx, taskID, worker.ID, destination, workerAmount)
	if err != nil {
		details["worker_account_id"] = destination
		s.recordFailure(ctx, taskID, domain.ActionPaymentSplit, details, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	row.Status = domain.SettlementTransferred
	row.TransferRef = &transferRef
	details["worker_account_id"] = destination
	details["transfer_ref"] = transferRef
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertSettlement(ctx, tx, row); err != nil {
			return err
		}
		_, err := s.Audit.Record(ctx, tx, audit.Entry{
			TaskID: taskID, Action: domain.ActionPaymentSplit,
			Actor: domain.SystemActor, ActorType: domain.ActorPlatform, Details: details,
		})
		return err
	})
}

func (s *Service) transfer(ctx context.Context, taskID, workerID, destination string, amount domain.Money) (string, error) {
	var ref string
	err := s.call(ctx, "transfer", taskID, func(ctx context.Context) error {
		var err error
		ref, err = s.Processor.Transfer(ctx, payments.TransferRequest{
			Destination:    destination,
			Amount:         amount,
			Currency:       s.currency(),
			Metadata:       map[string]string{"task_id": taskID, "worker_id": workerID},
			IdempotencyKey: "transfer-" + taskID,
		})
		return err
	})
	return ref, err
}

// Settle captures then splits. Both steps skip work already done, so Settle
// can be repeated until it succeeds.
func (s *Service) Settle(ctx context.Context, taskID string) error {
	if err := s.Capture(ctx, taskID); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := s.Split(ctx, taskID); err != nil {
		return fmt.Errorf("split: %w", err)
	}
	return nil
}

// Refund returns the employer's money: a held payment is cancelled, a
// captured one refunded. Refunding twice yields ErrAlreadyRefunded. Tasks
// that never had a hold are a no-op.
func (s *Service) Refund(ctx context.Context, taskID, reason string) error {
	ctx, span := tracer.Start(ctx, "settlement.Refund", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.PaymentStatus == domain.PaymentRefunded {
		return ErrAlreadyRefunded
	}
	if task.PaymentRef == nil || task.PaymentStatus == domain.PaymentPending {
		return nil
	}
	ref := *task.PaymentRef
	from := task.PaymentStatus
	details := audit.Details{"payment_ref": ref, "amount": task.Budget.String(), "reason": reason, "previous_status": string(from)}
	var refundRef string
	if from == domain.PaymentHeld {
		err = s.call(ctx, "cancel", taskID, func(ctx context.Context) error {
			return s.Processor.Cancel(ctx, ref, "cancel-"+taskID)
		})
	} else {
		err = s.call(ctx, "refund", taskID, func(ctx context.Context) error {
			var err error
			refundRef, err = s.Processor.Refund(ctx, ref, "refund-"+taskID)
			return err
		})
	}
	if err != nil {
		s.recordFailure(ctx, taskID, domain.ActionPaymentRefund, details, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if refundRef != "" {
		details["refund_ref"] = refundRef
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.TransitionPayment(ctx, tx, taskID, []domain.PaymentStatus{from}, domain.PaymentRefunded, nil, s.stamp()); err != nil {
			return err
		}
		_, err := s.Audit.Record(ctx, tx, audit.Entry{
			TaskID: taskID, Action: domain.ActionPaymentRefund,
			Actor: domain.SystemActor, ActorType: domain.ActorPlatform, Details: details,
		})
		return err
	})
	if errors.Is(err, repo.ErrStateConflict) {
		return ErrAlreadyRefunded
	}
	return err
}

// ReleaseDeferred transfers every deferred split owed to workerID now that
// the worker has a payout account. It returns how many were released.
func (s *Service) ReleaseDeferred(ctx context.Context, workerID string) (int, error) {
	worker, err := s.Repo.GetAgent(ctx, nil, workerID)
	if err != nil {
		return 0, err
	}
	if worker.PayoutAccountID == nil {
		return 0, nil
	}
	pending, err := s.Repo.DeferredSettlements(ctx, workerID)
	if err != nil {
		return 0, err
	}
	released := 0
	var errs []error
	for _, st := range pending {
		ref, err := s.transfer(ctx, st.TaskID, workerID, *worker.PayoutAccountID, st.WorkerAmount)
		details := audit.Details{
			"total_amount":      st.Total.String(),
			"worker_amount":     st.WorkerAmount.String(),
			"platform_fee":      st.PlatformFee.String(),
			"worker_id":         workerID,
			"worker_account_id": *worker.PayoutAccountID,
			"released":          true,
		}
		if err != nil {
			s.recordFailure(ctx, st.TaskID, domain.ActionPaymentSplit, details, err)
			errs = append(errs, fmt.Errorf("release %s: %w", st.TaskID, err))
			continue
		}
		details["transfer_ref"] = ref
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			if err := s.Repo.UpdateSettlementStatus(ctx, tx, st.TaskID, domain.SettlementDeferred, domain.SettlementTransferred, &ref, s.stamp()); err != nil {
				return err
			}
			_, err := s.Audit.Record(ctx, tx, audit.Entry{
				TaskID: st.TaskID, Action: domain.ActionPaymentSplit,
				Actor: domain.SystemActor, ActorType: domain.ActorPlatform, Details: details,
			})
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", st.TaskID, err))
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}
