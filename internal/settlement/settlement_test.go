package settlement

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"escrowline/internal/audit"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/idempotency"
	"escrowline/internal/migrate"
	"escrowline/internal/payments"
	"escrowline/internal/repo"
)

type fixture struct {
	svc   *Service
	proc  *payments.MemoryProcessor
	db    *sql.DB
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	f := &fixture{
		proc:  payments.NewMemoryProcessor(),
		db:    conn,
		clock: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	f.svc = &Service{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Audit:     audit.Writer{Now: now},
		Processor: f.proc,
		Seen:      idempotency.NewMemoryStore(),
		Config:    cfg,
		Logger:    zap.NewNop(),
		Now:       now,
	}
	return f
}

func (f *fixture) stamp() string { return f.clock.UTC().Format(time.RFC3339) }

func (f *fixture) agent(t *testing.T, id string, role domain.Role, payout string) {
	t.Helper()
	a := domain.Agent{ID: id, Name: id, Role: role, Skills: []string{}, CreatedAt: f.stamp()}
	if payout != "" {
		a.PayoutAccountID = &payout
	}
	require.NoError(t, f.svc.Repo.InsertAgent(context.Background(), nil, a))
}

// completedTask stores a completed task with an open hold for budget.
func (f *fixture) completedTask(t *testing.T, id string, budget domain.Money, payout string) domain.Task {
	t.Helper()
	ctx := context.Background()
	f.agent(t, "emp_"+id, domain.RoleEmployer, "")
	f.agent(t, "wrk_"+id, domain.RoleWorker, payout)
	ref, err := f.svc.OpenHold(ctx, "emp_"+id, id, budget)
	require.NoError(t, err)
	worker := "wrk_" + id
	task := domain.Task{
		ID: id, Title: "t", Skills: []string{}, Budget: budget,
		Deadline: f.clock.Add(24 * time.Hour).Format(time.RFC3339),
		Status:   domain.TaskCompleted, PaymentStatus: domain.PaymentHeld,
		EmployerID: "emp_" + id, WorkerID: &worker, PaymentRef: &ref,
		CreatedAt: f.stamp(), UpdatedAt: f.stamp(),
	}
	require.NoError(t, f.svc.Repo.InsertTask(ctx, nil, task))
	return task
}

func (f *fixture) actions(t *testing.T, taskID string) []domain.AuditAction {
	t.Helper()
	trail, err := audit.Reader{DB: f.db}.Trail(context.Background(), taskID)
	require.NoError(t, err)
	out := make([]domain.AuditAction, 0, len(trail))
	for _, e := range trail {
		out = append(out, e.Action)
	}
	return out
}

func TestSplitAmountsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := domain.Money(rapid.Int64Range(0, 1_000_000_000).Draw(t, "total"))
		fee := float64(rapid.IntRange(0, 9999).Draw(t, "fee_bp")) / 100
		worker, platform := SplitAmounts(total, fee)
		if worker+platform != total {
			t.Fatalf("%d + %d != %d", worker, platform, total)
		}
		exact := float64(total) * (1 - fee/100)
		if math.Abs(float64(worker)-exact) > 0.5+1e-6 {
			t.Fatalf("worker %d too far from %f", worker, exact)
		}
		if worker < 0 || platform < 0 {
			t.Fatalf("negative share %d/%d", worker, platform)
		}
	})
}

func TestSplitAmountsDefaultFee(t *testing.T) {
	worker, fee := SplitAmounts(10000, 1)
	assert.Equal(t, domain.Money(9900), worker)
	assert.Equal(t, domain.Money(100), fee)
}

func TestSettleTransfersWorkerShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completedTask(t, "task_1", 10000, "acct_w")

	require.NoError(t, f.svc.Settle(ctx, "task_1"))

	task, err := f.svc.Repo.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCaptured, task.PaymentStatus)
	st, err := f.svc.Repo.GetSettlement(ctx, nil, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementTransferred, st.Status)
	assert.Equal(t, domain.Money(9900), st.WorkerAmount)
	assert.Equal(t, domain.Money(100), st.PlatformFee)
	require.Len(t, f.proc.Transfers(), 1)
	assert.Equal(t, int64(9900), f.proc.Transfers()[0].Amount)
	assert.Equal(t, "acct_w", f.proc.Transfers()[0].Destination)
	assert.Equal(t, []domain.AuditAction{domain.ActionPaymentCapture, domain.ActionPaymentSplit}, f.actions(t, "task_1"))

	require.NoError(t, f.svc.Settle(ctx, "task_1"))
	assert.Equal(t, 1, f.proc.Calls(payments.OpCapture))
	assert.Equal(t, 1, f.proc.Calls(payments.OpTransfer))
}

func TestSettleDefersWithoutPayoutThenReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completedTask(t, "task_1", 5000, "")

	require.NoError(t, f.svc.Settle(ctx, "task_1"))
	st, err := f.svc.Repo.GetSettlement(ctx, nil, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementDeferred, st.Status)
	assert.Zero(t, f.proc.Calls(payments.OpTransfer))
	assert.Contains(t, f.actions(t, "task_1"), domain.ActionPaymentTransferDeferred)

	n, err := f.svc.ReleaseDeferred(ctx, "wrk_task_1")
	require.NoError(t, err)
	assert.Zero(t, n, "no payout account yet")

	require.NoError(t, f.svc.Repo.SetPayoutAccount(ctx, "wrk_task_1", "acct_late"))
	n, err = f.svc.ReleaseDeferred(ctx, "wrk_task_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st, err = f.svc.Repo.GetSettlement(ctx, nil, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementTransferred, st.Status)
	require.NotNil(t, st.TransferRef)
	require.Len(t, f.proc.Transfers(), 1)
	assert.Equal(t, int64(4950), f.proc.Transfers()[0].Amount)
}

func TestCaptureFailureIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completedTask(t, "task_1", 1000, "acct")
	f.proc.SetFailure(payments.OpCapture, errors.New("card declined"))

	err := f.svc.Capture(ctx, "task_1")
	require.Error(t, err)

	task, err := f.svc.Repo.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentHeld, task.PaymentStatus)
	trail, err := audit.Reader{DB: f.db}.Trail(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, domain.ActionPaymentCapture, trail[0].Action)
	assert.Equal(t, "failed", trail[0].Details["status"])
	assert.Equal(t, "card declined", trail[0].Details["error"])
}

func TestRefundHeldCancelsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.completedTask(t, "task_1", 1000, "")

	require.NoError(t, f.svc.Refund(ctx, "task_1", "cancelled"))
	assert.ErrorIs(t, f.svc.Refund(ctx, "task_1", "cancelled"), ErrAlreadyRefunded)

	hold, ok := f.proc.Hold(*task.PaymentRef)
	require.True(t, ok)
	assert.Equal(t, payments.HoldCancelled, hold.State)
	assert.Equal(t, 1, f.proc.Calls(payments.OpCancel))
	assert.Zero(t, f.proc.Calls(payments.OpRefund))
	assert.Equal(t, []domain.AuditAction{domain.ActionPaymentRefund}, f.actions(t, "task_1"))
}

func TestRefundCapturedIssuesProcessorRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.completedTask(t, "task_1", 1000, "")
	require.NoError(t, f.svc.Capture(ctx, "task_1"))
	require.NoError(t, f.svc.Refund(ctx, "task_1", "dispute"))

	hold, _ := f.proc.Hold(*task.PaymentRef)
	assert.Equal(t, payments.HoldRefunded, hold.State)
	got, err := f.svc.Repo.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)
}

func TestOpenHoldReusesCustomer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agent(t, "emp", domain.RoleEmployer, "")
	_, err := f.svc.OpenHold(ctx, "emp", "task_a", 100)
	require.NoError(t, err)
	_, err = f.svc.OpenHold(ctx, "emp", "task_b", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, f.proc.Calls(payments.OpCreateCustomer))
	a, err := f.svc.Repo.GetAgent(ctx, nil, "emp")
	require.NoError(t, err)
	require.NotNil(t, a.ProcessorCustomerID)
}

func TestBackoff(t *testing.T) {
	s := &Service{Config: Config{BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour}}
	assert.Equal(t, 30*time.Second, s.Backoff(0))
	assert.Equal(t, 60*time.Second, s.Backoff(1))
	assert.Equal(t, 4*time.Minute, s.Backoff(3))
	assert.Equal(t, time.Hour, s.Backoff(20))
}

func TestOutboxRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completedTask(t, "task_1", 1000, "acct")
	require.NoError(t, f.svc.Enqueue(ctx, nil, "task_1", domain.OutboxSettle))
	f.proc.SetFailure(payments.OpCapture, errors.New("processor unavailable"))

	require.Error(t, f.svc.Attempt(ctx, "task_1", domain.OutboxSettle))
	item, err := f.svc.Repo.GetOutbox(ctx, "task_1", domain.OutboxSettle)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, f.clock.Add(30*time.Second).Format(time.RFC3339), item.NextAttemptAt)

	res, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Due, "not due before backoff elapses")

	f.proc.SetFailure(payments.OpCapture, nil)
	f.clock = f.clock.Add(time.Minute)
	res, err = f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Due: 1, Succeeded: 1}, res)

	item, err = f.svc.Repo.GetOutbox(ctx, "task_1", domain.OutboxSettle)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDone, item.Status)
	task, err := f.svc.Repo.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCaptured, task.PaymentStatus)
}

func TestOutboxGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completedTask(t, "task_1", 1000, "acct")
	require.NoError(t, f.svc.Enqueue(ctx, nil, "task_1", domain.OutboxSettle))
	f.proc.SetFailure(payments.OpCapture, errors.New("down"))

	for i := 0; i < 3; i++ {
		_, err := f.svc.ProcessDue(ctx, 10)
		require.NoError(t, err)
		f.clock = f.clock.Add(2 * time.Hour)
	}
	item, err := f.svc.Repo.GetOutbox(ctx, "task_1", domain.OutboxSettle)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDead, item.Status)
	assert.Equal(t, 3, item.Attempts)
	assert.Equal(t, "capture: down", item.LastError)

	res, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Due)
}
