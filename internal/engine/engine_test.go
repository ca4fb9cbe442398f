package engine_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowline/internal/audit"
	"escrowline/internal/blob"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/idempotency"
	"escrowline/internal/ids"
	"escrowline/internal/migrate"
	"escrowline/internal/payments"
	"escrowline/internal/repo"
	"escrowline/internal/review"
	"escrowline/internal/settlement"
)

type testEnv struct {
	Engine engine.Engine
	Proc   *payments.MemoryProcessor
	Blobs  *blob.MemoryStore
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{
		Proc:  payments.NewMemoryProcessor(),
		Blobs: blob.NewMemoryStore(),
		Ctx:   context.Background(),
		now:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	scfg := settlement.DefaultConfig()
	scfg.MaxAttempts = 3
	settle := &settlement.Service{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Audit:     audit.Writer{Now: clock},
		Processor: env.Proc,
		Seen:      idempotency.NewMemoryStore(),
		Config:    scfg,
		Logger:    zap.NewNop(),
		Now:       clock,
	}
	env.Engine = engine.New(conn, config.Default(), env.Blobs, settle)
	env.Engine.Now = clock
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

func (env *testEnv) agent(t *testing.T, role string) engine.Actor {
	t.Helper()
	reg, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterInput{Name: role + " agent", Role: role})
	require.NoError(t, err)
	return engine.Actor{ID: reg.Agent.ID, ClientIP: "127.0.0.1"}
}

func (env *testEnv) payoutWorker(t *testing.T) engine.Actor {
	t.Helper()
	w := env.agent(t, "worker")
	_, err := env.Engine.SetPayoutAccount(env.Ctx, w, "acct_"+w.ID)
	require.NoError(t, err)
	return w
}

func (env *testEnv) post(t *testing.T, employer engine.Actor, budget domain.Money, ttl time.Duration) engine.CreatedTask {
	t.Helper()
	created, err := env.Engine.CreateTask(env.Ctx, employer, engine.CreateTaskInput{
		Title:    "Summarise the quarterly report",
		Skills:   []string{"writing"},
		Budget:   budget,
		Deadline: env.now.Add(ttl).Format(time.RFC3339),
	})
	require.NoError(t, err)
	return created
}

func pdf(size int) engine.SubmitInput {
	return engine.SubmitInput{FileName: "report.pdf", Data: bytes.Repeat([]byte("p"), size)}
}

// underReview posts a task, claims it for worker and submits an acceptable
// deliverable.
func (env *testEnv) underReview(t *testing.T, employer, worker engine.Actor, budget domain.Money) domain.Task {
	t.Helper()
	created := env.post(t, employer, budget, 24*time.Hour)
	_, err := env.Engine.Claim(env.Ctx, worker, created.Task.ID, created.Token)
	require.NoError(t, err)
	res, err := env.Engine.Submit(env.Ctx, worker, created.Task.ID, pdf(1024))
	require.NoError(t, err)
	require.Equal(t, domain.TaskUnderReview, res.Task.Status)
	return res.Task
}

func actions(entries []domain.AuditEntry) []domain.AuditAction {
	out := make([]domain.AuditAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestHappyPathSettlesAndAudits(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.payoutWorker(t)

	created := env.post(t, employer, 10000, 24*time.Hour)
	assert.Equal(t, domain.TaskOpen, created.Task.Status)
	assert.Equal(t, domain.PaymentHeld, created.Task.PaymentStatus)
	require.NotNil(t, created.Task.PaymentRef)
	assert.Len(t, created.Token, 64)

	claimed, err := env.Engine.Claim(env.Ctx, worker, created.Task.ID, created.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskClaimed, claimed.Status)
	assert.True(t, claimed.IsWorker(worker.ID))

	sub, err := env.Engine.Submit(env.Ctx, worker, created.Task.ID, pdf(2<<20))
	require.NoError(t, err)
	assert.True(t, sub.Verdict.Approved)
	assert.Equal(t, domain.ReviewApproved, sub.Submission.ReviewStatus)
	assert.Equal(t, domain.TaskUnderReview, sub.Task.Status)

	rating := 5
	acc, err := env.Engine.Accept(env.Ctx, employer, created.Task.ID, engine.AcceptInput{Rating: &rating, Feedback: "great"})
	require.NoError(t, err)
	assert.Empty(t, acc.SettlementError)
	assert.Equal(t, domain.TaskCompleted, acc.Task.Status)
	assert.Equal(t, domain.PaymentCaptured, acc.Task.PaymentStatus)
	require.NotNil(t, acc.Task.CompletedAt)
	assert.Equal(t, domain.ResultAccept, acc.Review.Result)

	hold, ok := env.Proc.Hold(*created.Task.PaymentRef)
	require.True(t, ok)
	assert.Equal(t, payments.HoldCaptured, hold.State)
	transfers := env.Proc.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(9900), transfers[0].Amount)

	detail, err := env.Engine.TaskDetail(env.Ctx, created.Task.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Settlement)
	assert.Equal(t, domain.SettlementTransferred, detail.Settlement.Status)
	assert.Equal(t, domain.Money(100), detail.Settlement.PlatformFee)
	assert.Len(t, detail.Submissions, 1)
	assert.Len(t, detail.Reviews, 1)

	trail, err := env.Engine.AuditTrail(env.Ctx, employer, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.AuditAction{
		domain.ActionTaskCreate,
		domain.ActionPaymentHold,
		domain.ActionTaskClaim,
		domain.ActionSubmissionCreate,
		domain.ActionSubmissionReview,
		domain.ActionSubmissionAccept,
		domain.ActionPaymentCapture,
		domain.ActionPaymentSplit,
	}, actions(trail))
	assert.Equal(t, true, trail[4].Details["automated"])
	assert.EqualValues(t, 5, trail[5].Details["rating"])

	item, err := env.Engine.Repo.GetOutbox(env.Ctx, created.Task.ID, domain.OutboxSettle)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDone, item.Status)

	stats, err := env.Engine.Stats(env.Ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, domain.Money(10000), stats.CapturedCents)
	assert.Equal(t, 1, stats.ActionHistogram[string(domain.ActionTaskCreate)])
}

func TestSubmitRejectsDisallowedFileType(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.payoutWorker(t)
	created := env.post(t, employer, 5000, 24*time.Hour)
	_, err := env.Engine.Claim(env.Ctx, worker, created.Task.ID, created.Token)
	require.NoError(t, err)

	res, err := env.Engine.Submit(env.Ctx, worker, created.Task.ID, engine.SubmitInput{FileName: "tool.exe", Data: []byte("MZ")})
	require.Error(t, err)
	assert.Equal(t, engine.ReasonPolicyRejected, engine.ReasonOf(err))
	assert.False(t, res.Verdict.Approved)
	assert.Contains(t, res.Verdict.Issues, review.IssueTypeNotAllowed)
	assert.Equal(t, domain.ReviewRejected, res.Submission.ReviewStatus)
	assert.Equal(t, domain.TaskClaimed, res.Task.Status)

	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Empty(t, reviews)
	assert.Zero(t, env.Proc.Calls(payments.OpCapture))

	again, err := env.Engine.Submit(env.Ctx, worker, created.Task.ID, pdf(10))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskUnderReview, again.Task.Status)
}

func TestPayoutlessWorkerDefersTransfer(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.agent(t, "worker")
	task := env.underReview(t, employer, worker, 2500)

	acc, err := env.Engine.Accept(env.Ctx, employer, task.ID, engine.AcceptInput{})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, acc.Task.Status)
	assert.Equal(t, domain.PaymentCaptured, acc.Task.PaymentStatus)
	assert.Empty(t, env.Proc.Transfers())

	trail, err := env.Engine.AuditTrail(env.Ctx, worker, task.ID)
	require.NoError(t, err)
	assert.Contains(t, actions(trail), domain.ActionPaymentTransferDeferred)
	assert.NotContains(t, actions(trail), domain.ActionPaymentSplit)

	out, err := env.Engine.SetPayoutAccount(env.Ctx, worker, "acct_late")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Released)
	require.NotNil(t, out.Agent.PayoutAccountID)
	transfers := env.Proc.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "acct_late", transfers[0].Destination)

	detail, err := env.Engine.TaskDetail(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementTransferred, detail.Settlement.Status)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	created := env.post(t, employer, 1000, 24*time.Hour)

	const n = 8
	workers := make([]engine.Actor, n)
	for i := range workers {
		workers[i] = env.agent(t, "worker")
	}
	errs := make([]error, n)
	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			_, errs[i] = env.Engine.Claim(env.Ctx, workers[i], created.Task.ID, created.Token)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, engine.ReasonStateConflict, engine.ReasonOf(err), err)
	}
	assert.Equal(t, 1, wins)

	trail, err := env.Engine.AuditLog.Trail(env.Ctx, created.Task.ID)
	require.NoError(t, err)
	claims, refused := 0, 0
	for _, e := range trail {
		if e.Action != domain.ActionTaskClaim {
			continue
		}
		if e.Details["status"] == "failed" {
			refused++
			assert.Equal(t, string(engine.ReasonStateConflict), e.Details["reason"])
			continue
		}
		claims++
	}
	assert.Equal(t, 1, claims)
	assert.Equal(t, n-1, refused)
}

// racingStore runs onPut after each successful Put.
type racingStore struct {
	blob.Store
	onPut func(key string)
}

func (s racingStore) Put(ctx context.Context, key string, data []byte, meta blob.Metadata) error {
	if err := s.Store.Put(ctx, key, data, meta); err != nil {
		return err
	}
	s.onPut(key)
	return nil
}

func TestSubmitLosingRaceDiscardsDeliverable(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.agent(t, "worker")
	created := env.post(t, employer, 1000, 24*time.Hour)
	_, err := env.Engine.Claim(env.Ctx, worker, created.Task.ID, created.Token)
	require.NoError(t, err)

	var stored string
	env.Engine.Integrity.Blobs = racingStore{Store: env.Blobs, onPut: func(key string) {
		stored = key
		_, err := env.Engine.Unclaim(env.Ctx, worker, created.Task.ID)
		require.NoError(t, err)
	}}

	_, err = env.Engine.Submit(env.Ctx, worker, created.Task.ID, pdf(128))
	assert.Equal(t, engine.ReasonStateConflict, engine.ReasonOf(err))
	require.NotEmpty(t, stored)
	_, err = env.Blobs.Get(env.Ctx, stored)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	trail, err := env.Engine.AuditLog.Trail(env.Ctx, created.Task.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, domain.ActionSubmissionCreate, last.Action)
	assert.Equal(t, "failed", last.Details["status"])
}

func TestRejectionCeiling(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.payoutWorker(t)
	task := env.underReview(t, employer, worker, 1000)

	_, err := env.Engine.Reject(env.Ctx, employer, task.ID, "  ")
	assert.Equal(t, engine.ReasonValidation, engine.ReasonOf(err))

	for i := 0; i < 3; i++ {
		rv, err := env.Engine.Reject(env.Ctx, employer, task.ID, "needs more detail")
		require.NoError(t, err, "rejection %d", i+1)
		assert.Equal(t, domain.ResultReject, rv.Result)
		got, err := env.Engine.GetTask(env.Ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskRejected, got.Status)

		res, err := env.Engine.Submit(env.Ctx, worker, task.ID, pdf(64))
		require.NoError(t, err)
		assert.Equal(t, domain.TaskUnderReview, res.Task.Status)
	}

	before, err := env.Engine.AuditLog.Trail(env.Ctx, task.ID)
	require.NoError(t, err)
	_, err = env.Engine.Reject(env.Ctx, employer, task.ID, "still not right")
	require.Error(t, err)
	assert.Equal(t, engine.ReasonRejectionLimit, engine.ReasonOf(err))
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskUnderReview, got.Status)

	after, err := env.Engine.AuditLog.Trail(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	last := after[len(after)-1]
	assert.Equal(t, domain.ActionSubmissionReject, last.Action)
	assert.Equal(t, employer.ID, last.Actor)
	assert.Equal(t, "failed", last.Details["status"])
	assert.Equal(t, string(engine.ReasonRejectionLimit), last.Details["reason"])
	assert.EqualValues(t, 3, last.Details["rejections"])
}

func TestClaimChecksTokenAndDeadline(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.agent(t, "worker")

	created := env.post(t, employer, 1000, 72*time.Hour)
	other := env.post(t, employer, 2000, 72*time.Hour)

	_, err := env.Engine.Claim(env.Ctx, worker, created.Task.ID, other.Token)
	assert.Equal(t, engine.ReasonTokenInvalid, engine.ReasonOf(err))
	_, err = env.Engine.Claim(env.Ctx, worker, created.Task.ID, "not-hex")
	assert.Equal(t, engine.ReasonTokenInvalid, engine.ReasonOf(err))

	env.advance(25 * time.Hour)
	_, err = env.Engine.Claim(env.Ctx, worker, created.Task.ID, created.Token)
	assert.Equal(t, engine.ReasonTokenExpired, engine.ReasonOf(err))

	soon := env.post(t, employer, 1000, time.Hour)
	env.advance(2 * time.Hour)
	_, err = env.Engine.Claim(env.Ctx, worker, soon.Task.ID, soon.Token)
	assert.Equal(t, engine.ReasonDeadlinePassed, engine.ReasonOf(err))

	got, err := env.Engine.GetTask(env.Ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, got.Status)
	assert.Nil(t, got.WorkerID)

	trail, err := env.Engine.AuditLog.Trail(env.Ctx, created.Task.ID)
	require.NoError(t, err)
	var reasons []any
	for _, e := range trail {
		if e.Action == domain.ActionTaskClaim {
			assert.Equal(t, "failed", e.Details["status"])
			assert.Equal(t, worker.ID, e.Actor)
			reasons = append(reasons, e.Details["reason"])
		}
	}
	assert.Equal(t, []any{"token_invalid", "token_invalid", "token_expired"}, reasons)

	_, err = env.Engine.Claim(env.Ctx, worker, "task_missing", created.Token)
	assert.Equal(t, engine.ReasonNotFound, engine.ReasonOf(err))
}

func TestClaimGuardsActors(t *testing.T) {
	env := newTestEnv(t)
	both := env.agent(t, "both")
	employer := env.agent(t, "employer")
	created := env.post(t, both, 1000, 24*time.Hour)

	_, err := env.Engine.Claim(env.Ctx, both, created.Task.ID, created.Token)
	assert.Equal(t, engine.ReasonForbidden, engine.ReasonOf(err))
	_, err = env.Engine.Claim(env.Ctx, employer, created.Task.ID, created.Token)
	assert.Equal(t, engine.ReasonForbidden, engine.ReasonOf(err))
	_, err = env.Engine.CreateTask(env.Ctx, env.agent(t, "worker"), engine.CreateTaskInput{
		Title: "x", Deadline: env.now.Add(time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, engine.ReasonForbidden, engine.ReasonOf(err))
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	cases := map[string]engine.CreateTaskInput{
		"no title":      {Deadline: env.now.Add(time.Hour).Format(time.RFC3339)},
		"past deadline": {Title: "t", Deadline: env.now.Add(-time.Minute).Format(time.RFC3339)},
		"bad deadline":  {Title: "t", Deadline: "tomorrow"},
		"negative":      {Title: "t", Budget: -1, Deadline: env.now.Add(time.Hour).Format(time.RFC3339)},
		"too large":     {Title: "t", Budget: domain.MaxMoney + 1, Deadline: env.now.Add(time.Hour).Format(time.RFC3339)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateTask(env.Ctx, employer, in)
			assert.Equal(t, engine.ReasonValidation, engine.ReasonOf(err))
		})
	}

	free := env.post(t, employer, 0, time.Hour)
	assert.Equal(t, domain.PaymentPending, free.Task.PaymentStatus)
	assert.Nil(t, free.Task.PaymentRef)
	assert.Zero(t, env.Proc.Calls(payments.OpCreateHold))
}

func TestHoldFailureLeavesNoTask(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	env.Proc.SetFailure(payments.OpCreateHold, errors.New("card declined"))

	_, err := env.Engine.CreateTask(env.Ctx, employer, engine.CreateTaskInput{
		Title: "paid work", Budget: 1000, Deadline: env.now.Add(time.Hour).Format(time.RFC3339),
	})
	require.Error(t, err)
	assert.Equal(t, engine.ReasonPaymentSetup, engine.ReasonOf(err))

	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	entries, err := env.Engine.AuditLog.ByActor(env.Ctx, domain.SystemActor, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionPaymentHold, entries[0].Action)
	assert.Equal(t, "failed", entries[0].Details["status"])
}

func TestSettlementFailureIsRetriedFromOutbox(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.payoutWorker(t)
	task := env.underReview(t, employer, worker, 4000)

	env.Proc.SetFailure(payments.OpCapture, errors.New("processor unavailable"))
	acc, err := env.Engine.Accept(env.Ctx, employer, task.ID, engine.AcceptInput{})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.SettlementError)
	assert.Equal(t, domain.TaskCompleted, acc.Task.Status)
	assert.Equal(t, domain.PaymentHeld, acc.Task.PaymentStatus)

	item, err := env.Engine.Repo.GetOutbox(env.Ctx, task.ID, domain.OutboxSettle)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, item.Status)
	assert.Equal(t, 1, item.Attempts)

	env.Proc.SetFailure(payments.OpCapture, nil)
	env.advance(time.Hour)
	res, err := env.Engine.Settlement.ProcessDue(env.Ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCaptured, got.PaymentStatus)
	assert.Len(t, env.Proc.Transfers(), 1)

	_, err = env.Engine.Accept(env.Ctx, employer, task.ID, engine.AcceptInput{})
	assert.Equal(t, engine.ReasonStateConflict, engine.ReasonOf(err))
}

func TestRetrySettlementRevivesDeadItem(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.payoutWorker(t)
	task := env.underReview(t, employer, worker, 4000)

	env.Proc.SetFailure(payments.OpCapture, errors.New("down"))
	_, err := env.Engine.Accept(env.Ctx, employer, task.ID, engine.AcceptInput{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		env.advance(2 * time.Hour)
		_, err := env.Engine.Settlement.ProcessDue(env.Ctx, 10)
		require.NoError(t, err)
	}
	dead, err := env.Engine.Outbox(env.Ctx, domain.OutboxDead)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	_, err = env.Engine.RetrySettlement(env.Ctx, task.ID, domain.OutboxSettle)
	assert.Equal(t, engine.ReasonSettlementFailed, engine.ReasonOf(err))

	env.Proc.SetFailure(payments.OpCapture, nil)
	item, err := env.Engine.RetrySettlement(env.Ctx, task.ID, domain.OutboxSettle)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDone, item.Status)
}

func TestUnclaimReturnsTaskToPool(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	first := env.agent(t, "worker")
	second := env.agent(t, "worker")
	created := env.post(t, employer, 1000, 24*time.Hour)

	_, err := env.Engine.Claim(env.Ctx, first, created.Task.ID, created.Token)
	require.NoError(t, err)
	_, err = env.Engine.Unclaim(env.Ctx, second, created.Task.ID)
	assert.Equal(t, engine.ReasonForbidden, engine.ReasonOf(err))

	open, err := env.Engine.Unclaim(env.Ctx, first, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, open.Status)
	assert.Nil(t, open.WorkerID)
	assert.Nil(t, open.ClaimedAt)

	claimed, err := env.Engine.Claim(env.Ctx, second, created.Task.ID, created.Token)
	require.NoError(t, err)
	assert.True(t, claimed.IsWorker(second.ID))
}

func TestCancelRefundsHold(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.agent(t, "worker")
	created := env.post(t, employer, 3000, 24*time.Hour)

	_, err := env.Engine.Cancel(env.Ctx, worker, created.Task.ID, "nope")
	assert.Equal(t, engine.ReasonForbidden, engine.ReasonOf(err))

	cancelled, err := env.Engine.Cancel(env.Ctx, employer, created.Task.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)
	assert.Equal(t, domain.PaymentRefunded, cancelled.PaymentStatus)
	hold, ok := env.Proc.Hold(*created.Task.PaymentRef)
	require.True(t, ok)
	assert.Equal(t, payments.HoldCancelled, hold.State)

	trail, err := env.Engine.AuditTrail(env.Ctx, employer, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.AuditAction{
		domain.ActionTaskCreate, domain.ActionPaymentHold, domain.ActionTaskCancel, domain.ActionPaymentRefund,
	}, actions(trail))

	_, err = env.Engine.Cancel(env.Ctx, employer, created.Task.ID, "again")
	assert.Equal(t, engine.ReasonStateConflict, engine.ReasonOf(err))
}

func TestCancelQueuesRefundWhenProcessorFails(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	created := env.post(t, employer, 3000, 24*time.Hour)

	env.Proc.SetFailure(payments.OpCancel, errors.New("timeout"))
	cancelled, err := env.Engine.Cancel(env.Ctx, employer, created.Task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)
	assert.Equal(t, domain.PaymentHeld, cancelled.PaymentStatus)

	pending, err := env.Engine.Outbox(env.Ctx, domain.OutboxPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OutboxRefund, pending[0].Kind)
}

func TestExpireOverdueRefunds(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	soon := env.post(t, employer, 1500, time.Hour)
	later := env.post(t, employer, 1500, 48*time.Hour)

	env.advance(2 * time.Hour)
	n, err := env.Engine.ExpireOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.Engine.GetTask(env.Ctx, soon.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExpired, got.Status)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)

	got, err = env.Engine.GetTask(env.Ctx, later.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, got.Status)

	n, err = env.Engine.ExpireOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenSubmissionReverifiesDigest(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.payoutWorker(t)
	stranger := env.agent(t, "worker")
	task := env.underReview(t, employer, worker, 1000)

	detail, err := env.Engine.TaskDetail(env.Ctx, task.ID)
	require.NoError(t, err)
	sub := detail.Submissions[0]

	dl, err := env.Engine.OpenSubmission(env.Ctx, employer, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("p"), 1024), dl.Data)

	_, err = env.Engine.OpenSubmission(env.Ctx, stranger, sub.ID)
	assert.Equal(t, engine.ReasonForbidden, engine.ReasonOf(err))

	obj, err := env.Blobs.Get(env.Ctx, sub.BlobKey)
	require.NoError(t, err)
	require.NoError(t, env.Blobs.Put(env.Ctx, sub.BlobKey, []byte("tampered"), obj.Metadata))
	_, err = env.Engine.OpenSubmission(env.Ctx, worker, sub.ID)
	assert.Equal(t, engine.ReasonIntegrityFailed, engine.ReasonOf(err))
}

func TestResumePendingReviews(t *testing.T) {
	env := newTestEnv(t)
	employer := env.agent(t, "employer")
	worker := env.agent(t, "worker")
	created := env.post(t, employer, 1000, 24*time.Hour)
	_, err := env.Engine.Claim(env.Ctx, worker, created.Task.ID, created.Token)
	require.NoError(t, err)

	// Leave the task as the first phase of Submit would.
	subID := ids.New(ids.KindSubmission)
	data := []byte("# notes")
	stored, err := env.Engine.Integrity.Store(env.Ctx, data, created.Task.ID, subID, "notes.md")
	require.NoError(t, err)
	stamp := env.now.Format(time.RFC3339)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.TransitionTask(env.Ctx, tx, repo.Transition{
		TaskID: created.Task.ID, From: []domain.TaskStatus{domain.TaskClaimed}, To: domain.TaskSubmitted,
		WorkerID: worker.ID, UpdatedAt: stamp,
	}))
	require.NoError(t, env.Engine.Repo.InsertSubmission(env.Ctx, tx, domain.Submission{
		ID: subID, TaskID: created.Task.ID, WorkerID: worker.ID, BlobKey: stored.Key, FileName: "notes.md",
		SizeBytes: stored.SizeBytes, Digest: stored.Digest, ReviewStatus: domain.ReviewPending, SubmittedAt: stamp,
	}))
	require.NoError(t, tx.Commit())

	n, err := env.Engine.ResumePendingReviews(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := env.Engine.GetTask(env.Ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskUnderReview, got.Status)

	n, err = env.Engine.ResumePendingReviews(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAuthenticateByAPIKey(t *testing.T) {
	env := newTestEnv(t)
	reg, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterInput{Name: "bot", Role: "both", Skills: []string{"go", " "}})
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, reg.Agent.Skills)
	assert.True(t, len(reg.APIKey) > len(engine.APIKeyPrefix))

	a, err := env.Engine.Authenticate(env.Ctx, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, reg.Agent.ID, a.ID)

	_, err = env.Engine.Authenticate(env.Ctx, engine.APIKeyPrefix+"deadbeef")
	assert.ErrorIs(t, err, engine.ErrUnknownAPIKey)

	_, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterInput{Name: "x", Role: "admin"})
	assert.Equal(t, engine.ReasonValidation, engine.ReasonOf(err))
}
