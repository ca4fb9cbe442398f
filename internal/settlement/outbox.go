package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"escrowline/internal/domain"
)

// Enqueue schedules kind for taskID inside the caller's transaction.
func (s *Service) Enqueue(ctx context.Context, tx *sql.Tx, taskID string, kind domain.OutboxKind) error {
	return s.Repo.EnqueueOutbox(ctx, tx, taskID, kind, s.stamp())
}

// Backoff is the delay before retrying an item that had already failed
// attempts times before its latest failure: BaseBackoff * 2^attempts,
// capped at MaxBackoff.
func (s *Service) Backoff(attempts int) time.Duration {
	base := s.Config.BaseBackoff
	if base <= 0 {
		base = DefaultConfig().BaseBackoff
	}
	max := s.Config.MaxBackoff
	if max <= 0 {
		max = DefaultConfig().MaxBackoff
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (s *Service) run(ctx context.Context, taskID string, kind domain.OutboxKind) error {
	switch kind {
	case domain.OutboxSettle:
		err := s.Settle(ctx, taskID)
		if errors.Is(err, ErrAlreadyRefunded) {
			// refunded at the processor while the settle was pending; nothing is
			// left to pay out.
			s.logger().Warn("settlement dropped, payment was refunded", zap.String("task_id", taskID))
			return nil
		}
		return err
	case domain.OutboxRefund:
		err := s.Refund(ctx, taskID, "retry")
		if errors.Is(err, ErrAlreadyRefunded) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown outbox kind %q", kind)
}

// Attempt runs the pending outbox item (taskID, kind) once and records the
// outcome on it.
func (s *Service) Attempt(ctx context.Context, taskID string, kind domain.OutboxKind) error {
	item, err := s.Repo.GetOutbox(ctx, taskID, kind)
	if err != nil {
		return err
	}
	if item.Status != domain.OutboxPending {
		return nil
	}
	return s.attempt(ctx, item)
}

func (s *Service) attempt(ctx context.Context, item domain.OutboxItem) error {
	runErr := s.run(ctx, item.TaskID, item.Kind)
	now := s.now()
	if runErr == nil {
		return s.Repo.CompleteOutbox(ctx, item.TaskID, item.Kind, now.UTC().Format(time.RFC3339))
	}
	attempts := item.Attempts + 1
	status := domain.OutboxPending
	maxAttempts := s.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultConfig().MaxAttempts
	}
	log := s.logger().With(zap.String("task_id", item.TaskID), zap.String("kind", string(item.Kind)), zap.Int("attempts", attempts))
	if attempts >= maxAttempts {
		status = domain.OutboxDead
		log.Error("outbox item gave up", zap.Error(runErr))
	} else {
		log.Warn("outbox attempt failed", zap.Error(runErr))
	}
	next := now.Add(s.Backoff(item.Attempts)).UTC().Format(time.RFC3339)
	if err := s.Repo.FailOutbox(ctx, item.TaskID, item.Kind, attempts, runErr.Error(), status, next, now.UTC().Format(time.RFC3339)); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

type DrainResult struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ProcessDue attempts every pending item whose retry time has come.
func (s *Service) ProcessDue(ctx context.Context, limit int) (DrainResult, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := s.Repo.DueOutbox(ctx, s.stamp(), limit)
	if err != nil {
		return DrainResult{}, err
	}
	res := DrainResult{Due: len(items)}
	s.Metrics.SetOutboxDue(len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.attempt(ctx, it); err != nil {
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// Worker drains the outbox every interval until ctx is done.
func (s *Service) Worker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if res, err := s.ProcessDue(ctx, 50); err != nil && !errors.Is(err, context.Canceled) {
			s.logger().Error("outbox drain failed", zap.Error(err))
		} else if res.Due > 0 {
			s.logger().Info("outbox drained", zap.Int("due", res.Due), zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
