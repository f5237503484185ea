package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/tiered-cache/internal/serializer"
	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// newLocalTieredCache 建立純本地模式的分層快取
func newLocalTieredCache(t *testing.T) *TieredCache {
	t.Helper()

	local := NewMemoryTier(MemoryConfig{MaxEntries: 1000}, nil)
	keys := NewKeyBuilder("test", "v1")
	tc := NewTieredCache(local, nil, keys, serializer.NewJSON(), TieredConfig{
		DefaultTTL: time.Minute,
	}, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

// TestTieredCache_SetGetDelete 測試基本讀寫刪除
func TestTieredCache_SetGetDelete(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "user:1", []byte("alice"), 0))

	value, ok, err := tc.Get(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("alice"), value)

	existed, err := tc.Delete(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok, err = tc.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, ok)

	// 刪除不存在的鍵不是錯誤
	existed, err = tc.Delete(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, existed)
}

// TestTieredCache_EmptyKeyRejected 測試空鍵在進入任何層之前被拒絕
func TestTieredCache_EmptyKeyRejected(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	_, _, err := tc.Get(ctx, "")
	assert.True(t, apperrors.IsKeyError(err))

	err = tc.Set(ctx, "", []byte("v"), 0)
	assert.True(t, apperrors.IsKeyError(err))
}

// TestTieredCache_GetOrCompute_AtMostOnce 測試並發呼叫至多計算一次
func TestTieredCache_GetOrCompute_AtMostOnce(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	var computeCount atomic.Int64
	compute := func(context.Context) ([]byte, error) {
		computeCount.Add(1)
		time.Sleep(50 * time.Millisecond) // 模擬昂貴計算
		return []byte("expensive"), nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = tc.GetOrCompute(ctx, "report:daily", 0, compute)
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("expensive"), results[i])
	}
	assert.Equal(t, int64(1), computeCount.Load(), "concurrent callers must share one computation")

	// 結果已寫入快取，後續呼叫不再計算
	value, err := tc.GetOrCompute(ctx, "report:daily", 0, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("expensive"), value)
	assert.Equal(t, int64(1), computeCount.Load())
}

// TestTieredCache_GetOrCompute_ComputeError 測試計算失敗時錯誤透傳且不快取
func TestTieredCache_GetOrCompute_ComputeError(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	wantErr := fmt.Errorf("upstream down")
	_, err := tc.GetOrCompute(ctx, "flaky", 0, func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// 失敗不得留下快取殘骸，下一次呼叫重新計算
	value, err := tc.GetOrCompute(ctx, "flaky", 0, func(context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), value)
}

// TestTieredCache_ObjectRoundTrip 測試結構序列化往返
func TestTieredCache_ObjectRoundTrip(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	type profile struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}

	in := profile{Name: "alice", Age: 30}
	require.NoError(t, tc.SetObject(ctx, "profile:1", in, 0))

	var out profile
	ok, err := tc.GetObject(ctx, "profile:1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)

	ok, err = tc.GetObject(ctx, "profile:missing", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestTieredCache_BatchOperations 測試批量操作以原始鍵為索引
func TestTieredCache_BatchOperations(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	items := map[string][]byte{
		"u:1": []byte("a"),
		"u:2": []byte("b"),
		"u:3": []byte("c"),
	}
	require.NoError(t, tc.SetMany(ctx, items, 0))

	result, err := tc.GetMany(ctx, []string{"u:1", "u:2", "u:3", "u:missing"})
	require.NoError(t, err)
	assert.Equal(t, items, result)

	deleted, err := tc.DeleteMany(ctx, []string{"u:1", "u:2"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	result, err = tc.GetMany(ctx, []string{"u:1", "u:3"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"u:3": []byte("c")}, result)
}

// TestTieredCache_NegativeTTLNeverExpires 測試負數 ttl 表示永不過期
func TestTieredCache_NegativeTTLNeverExpires(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "pinned", []byte("v"), -1))

	key, err := tc.keys.Build("pinned")
	require.NoError(t, err)
	remaining, ok := tc.local.TTL(key)
	require.True(t, ok)
	assert.Equal(t, time.Duration(-1), remaining)
}

// TestTieredCache_ExpireRejectsNonPositiveTTL 測試 Expire 拒絕非正的 ttl。
// 非正值在本地層代表永不過期，在 Redis 的 EXPIRE 卻是刪鍵，
// 放行會讓兩層各走各的語義。
func TestTieredCache_ExpireRejectsNonPositiveTTL(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "user:1", []byte("v"), time.Minute))

	_, err := tc.Expire(ctx, "user:1", 0)
	require.Error(t, err)
	_, err = tc.Expire(ctx, "user:1", -time.Second)
	require.Error(t, err)

	// 拒絕後原值與過期時間不受影響
	key, err := tc.keys.Build("user:1")
	require.NoError(t, err)
	remaining, ok := tc.local.TTL(key)
	require.True(t, ok)
	assert.Positive(t, remaining)

	// 正值照常更新
	existed, err := tc.Expire(ctx, "user:1", time.Hour)
	require.NoError(t, err)
	assert.True(t, existed)
}

// TestTieredCache_Clear 測試按模式清除
func TestTieredCache_Clear(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "user:1", []byte("a"), 0))
	require.NoError(t, tc.Set(ctx, "user:2", []byte("b"), 0))
	require.NoError(t, tc.Set(ctx, "order:1", []byte("c"), 0))

	require.NoError(t, tc.Clear(ctx, "user:*"))

	_, ok, _ := tc.Get(ctx, "user:1")
	assert.False(t, ok)
	_, ok, _ = tc.Get(ctx, "order:1")
	assert.True(t, ok)
}

// TestTieredCache_Events 測試事件在狀態變更後觸發
func TestTieredCache_Events(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(event string) EventHandler {
		return func(key string) {
			mu.Lock()
			got[event] = append(got[event], key)
			mu.Unlock()
		}
	}

	tc.On(EventSet, record(EventSet))
	tc.On(EventDelete, record(EventDelete))

	require.NoError(t, tc.Set(ctx, "user:1", []byte("v"), 0))
	_, err := tc.Delete(ctx, "user:1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got[EventSet]) == 1 && len(got[EventDelete]) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user:1"}, got[EventSet])
	assert.Equal(t, []string{"user:1"}, got[EventDelete])
}

// TestTieredCache_Warmup 測試預熱只載入缺少的鍵
func TestTieredCache_Warmup(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "u:1", []byte("cached"), 0))

	var loadedKeys []string
	loader := func(_ context.Context, keys []string) (map[string][]byte, error) {
		loadedKeys = keys
		out := make(map[string][]byte, len(keys))
		for _, key := range keys {
			out[key] = []byte("loaded:" + key)
		}
		return out, nil
	}

	require.NoError(t, tc.Warmup(ctx, []string{"u:1", "u:2", "u:3"}, loader, 0))
	assert.ElementsMatch(t, []string{"u:2", "u:3"}, loadedKeys)

	// 已存在的鍵保持原值
	value, _, err := tc.Get(ctx, "u:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), value)

	value, _, err = tc.Get(ctx, "u:2")
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded:u:2"), value)
}

// TestTieredCache_Preload 測試剩餘存活比例低於門檻時背景刷新
func TestTieredCache_Preload(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "hot", []byte("old"), 500*time.Millisecond))

	loader := func(context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	}

	// 剩餘比例仍高，不觸發刷新
	require.NoError(t, tc.Preload(ctx, "hot", loader, 500*time.Millisecond, 0.2))
	value, _, err := tc.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)

	// 接近過期後觸發背景刷新
	time.Sleep(420 * time.Millisecond)
	require.NoError(t, tc.Preload(ctx, "hot", loader, 500*time.Millisecond, 0.2))

	require.Eventually(t, func() bool {
		value, ok, err := tc.Get(ctx, "hot")
		return err == nil && ok && string(value) == "fresh"
	}, time.Second, 10*time.Millisecond)
}

// TestTieredCache_Preload_InvalidThreshold 測試門檻範圍檢查
func TestTieredCache_Preload_InvalidThreshold(t *testing.T) {
	tc := newLocalTieredCache(t)

	err := tc.Preload(context.Background(), "k", nil, time.Minute, 0)
	assert.Error(t, err)
	err = tc.Preload(context.Background(), "k", nil, time.Minute, 1.5)
	assert.Error(t, err)
}

// TestTieredCache_RemoteOnlyOpsWithoutRemote 測試純本地模式下計數操作被拒絕
func TestTieredCache_RemoteOnlyOpsWithoutRemote(t *testing.T) {
	tc := newLocalTieredCache(t)
	ctx := context.Background()

	_, err := tc.Increment(ctx, "counter", 1)
	assert.ErrorIs(t, err, apperrors.ErrRemoteUnavailable)

	_, err = tc.Decrement(ctx, "counter", 1)
	assert.ErrorIs(t, err, apperrors.ErrRemoteUnavailable)
}
