package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowline/internal/domain"
	"escrowline/internal/payments"
)

func TestIngestHoldSucceededOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.completedTask(t, "task_1", 1000, "")
	ev := payments.HoldSucceeded{
		Envelope: payments.Envelope{ID: "evt_1", Type: payments.TypeHoldSucceeded},
		HoldRef:  *task.PaymentRef, TaskID: "task_1", Amount: 1000,
	}

	res, err := f.svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)
	res, err = f.svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)

	got, err := f.svc.Repo.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCaptured, got.PaymentStatus)
	assert.Equal(t, []domain.AuditAction{domain.ActionPaymentCapture}, f.actions(t, "task_1"))

	// A later synchronous capture sees the reconciled state and does nothing.
	require.NoError(t, f.svc.Capture(ctx, "task_1"))
	assert.Zero(t, f.proc.Calls(payments.OpCapture))
}

func TestIngestSameStateIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.completedTask(t, "task_1", 1000, "")
	require.NoError(t, f.svc.Capture(ctx, "task_1"))

	res, err := f.svc.Ingest(ctx, payments.HoldSucceeded{
		Envelope: payments.Envelope{ID: "evt_2", Type: payments.TypeHoldSucceeded},
		HoldRef:  *task.PaymentRef,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultNoop, res)
}

func TestIngestRefunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.completedTask(t, "task_1", 1000, "")
	res, err := f.svc.Ingest(ctx, payments.Refunded{
		Envelope: payments.Envelope{ID: "evt_3", Type: payments.TypeChargeRefunded},
		HoldRef:  *task.PaymentRef,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)
	got, err := f.svc.Repo.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)
	assert.ErrorIs(t, f.svc.Refund(ctx, "task_1", "again"), ErrAlreadyRefunded)
}

func TestRefundWebhookClosesPendingSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.completedTask(t, "task_1", 1000, "acct")
	require.NoError(t, f.svc.Enqueue(ctx, nil, "task_1", domain.OutboxSettle))
	f.proc.SetFailure(payments.OpCapture, errors.New("processor unavailable"))
	require.Error(t, f.svc.Attempt(ctx, "task_1", domain.OutboxSettle))

	res, err := f.svc.Ingest(ctx, payments.Refunded{
		Envelope: payments.Envelope{ID: "evt_6", Type: payments.TypeChargeRefunded},
		HoldRef:  *task.PaymentRef,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	f.clock = f.clock.Add(time.Minute)
	drained, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Due: 1, Succeeded: 1}, drained)

	item, err := f.svc.Repo.GetOutbox(ctx, "task_1", domain.OutboxSettle)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDone, item.Status)
	assert.Zero(t, f.proc.Calls(payments.OpTransfer))
	got, err := f.svc.Repo.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)
}

func TestIngestCaptureFailedQueuesSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.completedTask(t, "task_1", 1000, "")
	res, err := f.svc.Ingest(ctx, payments.CaptureFailed{
		Envelope: payments.Envelope{ID: "evt_4", Type: payments.TypeCaptureFailed},
		HoldRef:  *task.PaymentRef, TaskID: "task_1", Message: "insufficient funds",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)
	item, err := f.svc.Repo.GetOutbox(ctx, "task_1", domain.OutboxSettle)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, item.Status)
}

func TestIngestTransferCreatedConfirms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completedTask(t, "task_1", 1000, "acct")
	require.NoError(t, f.svc.Settle(ctx, "task_1"))
	ref := f.proc.Transfers()[0].ID

	res, err := f.svc.Ingest(ctx, payments.TransferCreated{
		Envelope:    payments.Envelope{ID: "evt_5", Type: payments.TypeTransferCreated},
		TransferRef: ref, TaskID: "task_1", WorkerID: "wrk_task_1",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)
	st, err := f.svc.Repo.GetSettlement(ctx, nil, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementConfirmed, st.Status)
}

func TestIngestUnhandledAndUnknownTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.svc.Ingest(ctx, payments.Unhandled{Envelope: payments.Envelope{ID: "evt_6", Type: "customer.created"}})
	require.NoError(t, err)
	assert.Equal(t, ResultUnhandled, res)

	res, err = f.svc.Ingest(ctx, payments.Refunded{Envelope: payments.Envelope{ID: "evt_7", Type: payments.TypeChargeRefunded}, HoldRef: "pi_unknown"})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)
}
