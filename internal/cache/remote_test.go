package cache_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/tiered-cache/internal/cache"
	"github.com/koopa0/tiered-cache/internal/testutils"
)

func newTestRemoteTier(t *testing.T) *cache.RemoteTier {
	t.Helper()

	env := testutils.SetupTestEnvironment(t)
	return cache.NewRemoteTier(env.RedisClient, slog.New(slog.DiscardHandler))
}

// TestRemoteTier_SetGet 測試遠端層的基本讀寫
func TestRemoteTier_SetGet(t *testing.T) {
	r := newTestRemoteTier(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k1", []byte("v1"), time.Minute))

	value, ok, err := r.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)

	// 未命中不是錯誤
	_, ok, err = r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	snap := r.Stats()
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
}

// TestRemoteTier_TTL 測試存活時間語義
func TestRemoteTier_TTL(t *testing.T) {
	r := newTestRemoteTier(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "expiring", []byte("v"), time.Minute))
	require.NoError(t, r.Set(ctx, "forever", []byte("v"), 0))

	remaining, ok, err := r.TTL(ctx, "expiring")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Positive(t, remaining)
	assert.LessOrEqual(t, remaining, time.Minute)

	remaining, ok, err = r.TTL(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Duration(-1), remaining)

	_, ok, err = r.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRemoteTier_Expire 測試更新過期時間
func TestRemoteTier_Expire(t *testing.T) {
	r := newTestRemoteTier(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k1", []byte("v"), time.Hour))

	ok, err := r.Expire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	remaining, _, err := r.TTL(ctx, "k1")
	require.NoError(t, err)
	assert.LessOrEqual(t, remaining, time.Minute)

	ok, err = r.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRemoteTier_BatchOperations 測試管線化的批量操作
func TestRemoteTier_BatchOperations(t *testing.T) {
	r := newTestRemoteTier(t)
	ctx := context.Background()

	items := map[string][]byte{
		"b:1": []byte("a"),
		"b:2": []byte("b"),
		"b:3": []byte("c"),
	}
	require.NoError(t, r.SetMany(ctx, items, time.Minute))

	result, err := r.GetMany(ctx, []string{"b:1", "b:2", "b:3", "b:missing"})
	require.NoError(t, err)
	assert.Equal(t, items, result)

	deleted, err := r.DeleteMany(ctx, []string{"b:1", "b:2", "b:missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

// TestRemoteTier_IncrementDecrement 測試原子計數
func TestRemoteTier_IncrementDecrement(t *testing.T) {
	r := newTestRemoteTier(t)
	ctx := context.Background()

	v, err := r.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = r.Increment(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)

	v, err = r.Decrement(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
}

// TestRemoteTier_ScanKeys 測試模式掃描
func TestRemoteTier_ScanKeys(t *testing.T) {
	r := newTestRemoteTier(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "scan:user:1", []byte("v"), time.Minute))
	require.NoError(t, r.Set(ctx, "scan:user:2", []byte("v"), time.Minute))
	require.NoError(t, r.Set(ctx, "scan:order:1", []byte("v"), time.Minute))

	keys, err := r.ScanKeys(ctx, "scan:user:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scan:user:1", "scan:user:2"}, keys)
}

// TestRemoteTier_AcquireRelease 測試互斥原語的持有者守衛
func TestRemoteTier_AcquireRelease(t *testing.T) {
	r := newTestRemoteTier(t)
	ctx := context.Background()

	won, err := r.Acquire(ctx, "mutex:a", "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	// 已被持有時其他人取不到
	won, err = r.Acquire(ctx, "mutex:a", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	// 非持有者的釋放必須是無操作
	released, err := r.Release(ctx, "mutex:a", "owner-2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = r.Release(ctx, "mutex:a", "owner-1")
	require.NoError(t, err)
	assert.True(t, released)

	// 釋放後可被重新取得
	won, err = r.Acquire(ctx, "mutex:a", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}
