package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, MigrateContext(ctx, conn))
	require.NoError(t, MigrateContext(ctx, conn))

	migrations, err := loadMigrations()
	require.NoError(t, err)
	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, v)
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))

	_, err = conn.ExecContext(ctx, `INSERT INTO audit_log(id,task_id,action,actor,actor_type,details_json,created_at) VALUES ('log_1','task_1','task_create','agent_1','employer','{}','2026-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `UPDATE audit_log SET action='task_claim' WHERE id='log_1'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = conn.ExecContext(ctx, `DELETE FROM audit_log WHERE id='log_1'`)
	assert.ErrorContains(t, err, "append-only")
}
