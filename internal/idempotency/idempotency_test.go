package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: "test:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return mr, store
}

func TestRedisClaimOnce(t *testing.T) {
	mr, store := setupRedis(t)
	ctx := context.Background()

	ok, err := store.Claim(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Claim(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("test:evt_1"))
	assert.Equal(t, time.Hour, mr.TTL("test:evt_1"))
}

func TestRedisClaimAfterExpiry(t *testing.T) {
	mr, store := setupRedis(t)
	ctx := context.Background()
	ok, err := store.Claim(ctx, "evt_1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = store.Claim(ctx, "evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRelease(t *testing.T) {
	_, store := setupRedis(t)
	ctx := context.Background()
	_, err := store.Claim(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "evt_1"))
	ok, err := store.Claim(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRedisStoreFailsWhenUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewRedisStore(ctx, RedisConfig{Addr: addr}, nil)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	ok, _ := s.Claim(ctx, "evt_1", time.Minute)
	assert.True(t, ok)
	ok, _ = s.Claim(ctx, "evt_1", time.Minute)
	assert.False(t, ok)

	clock = clock.Add(time.Minute)
	ok, _ = s.Claim(ctx, "evt_1", time.Minute)
	assert.True(t, ok)

	require.NoError(t, s.Release(ctx, "evt_1"))
	ok, _ = s.Claim(ctx, "evt_1", time.Minute)
	assert.True(t, ok)
}
