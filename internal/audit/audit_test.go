package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestRecordAndTrailOrder(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	w := Writer{Now: fixedClock()}

	actions := []domain.AuditAction{domain.ActionTaskCreate, domain.ActionPaymentHold, domain.ActionTaskClaim}
	for _, a := range actions {
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		e, err := w.Record(ctx, tx, Entry{TaskID: "task_1", Action: a, Actor: "agent_1", ActorType: domain.ActorEmployer, Details: Details{"n": 1}})
		require.NoError(t, err)
		assert.NotZero(t, e.Seq)
		require.NoError(t, tx.Commit())
	}

	trail, err := Reader{DB: conn}.Trail(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i, a := range actions {
		assert.Equal(t, a, trail[i].Action)
		assert.Equal(t, "2026-03-01T12:00:00Z", trail[i].CreatedAt)
	}
	assert.Less(t, trail[0].Seq, trail[1].Seq)
	assert.EqualValues(t, 1, trail[0].Details["n"])
}

func TestRollbackDropsEntry(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = Writer{}.Record(ctx, tx, Entry{TaskID: "task_1", Action: domain.ActionTaskCreate, Actor: "a"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	seq, err := Reader{DB: conn}.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestRecordRejectsUnknownAction(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	_, err := Writer{}.RecordStandalone(ctx, conn, Entry{TaskID: "task_1", Action: "task_delete", Actor: "a"})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestRecordRequiresTransaction(t *testing.T) {
	_, err := Writer{}.Record(context.Background(), nil, Entry{TaskID: "t", Action: domain.ActionTaskCreate, Actor: "a"})
	assert.Error(t, err)
}

func TestRecordSurfacesInsertFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = Writer{Now: fixedClock()}.RecordStandalone(context.Background(), conn, Entry{
		TaskID: "task_1", Action: domain.ActionPaymentHold, Actor: domain.SystemActor, Details: Details{"success": false},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActionHistogramAndAfter(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	w := Writer{Now: fixedClock()}
	for i := 0; i < 3; i++ {
		_, err := w.RecordStandalone(ctx, conn, Entry{TaskID: "task_1", Action: domain.ActionSubmissionReject, Actor: "emp"})
		require.NoError(t, err)
	}
	_, err := w.RecordStandalone(ctx, conn, Entry{TaskID: "task_2", Action: domain.ActionTaskCreate, Actor: "emp"})
	require.NoError(t, err)

	r := Reader{DB: conn}
	hist, err := r.ActionHistogram(ctx, "2026-03-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"submission_reject": 3, "task_create": 1}, hist)

	hist, err = r.ActionHistogram(ctx, "2026-03-02T00:00:00Z")
	require.NoError(t, err)
	assert.Empty(t, hist)

	page, err := r.After(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.EqualValues(t, 3, page[0].Seq)

	mine, err := r.ByActor(ctx, "emp", 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.EqualValues(t, 4, mine[0].Seq)
}
