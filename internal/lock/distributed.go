package lock

import (
	"context"
	"time"

	"github.com/koopa0/tiered-cache/internal/cache"
)

// distributedVariant 分散式鎖
//
// 以遠端層的條件式 set-if-absent 加過期時間實作：
// 鎖值為持有者識別，釋放由遠端層的 Lua 腳本保證
// 只有持有者能刪除。TTL 到期即自動釋放，
// 作為持有者崩潰時的安全網。
type distributedVariant struct {
	remote     *cache.RemoteTier
	retryCount int
	retryDelay time.Duration
}

// lockKeyPrefix 遠端鎖鍵的前綴
const lockKeyPrefix = "lock:"

func (v *distributedVariant) tryAcquire(ctx context.Context, h *Handle) (bool, error) {
	// 遠端鍵以完整持有期限設定過期。等待中的請求者可能已耗去
	// 大半超時，若以剩餘等待時間當 TTL，拿到的鎖會在持有者
	// 自認仍持有時就在遠端過期，互斥窗口被打穿。
	ttl := h.holdTTL
	if ttl <= 0 {
		ttl = time.Second
	}

	// 暫時性的遠端失敗以退避重試，次數用盡才回報
	var lastErr error
	for attempt := 0; attempt <= v.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(v.retryDelay):
			}
		}

		ok, err := v.remote.Acquire(ctx, lockKeyPrefix+h.Resource, h.Owner, ttl)
		if err != nil {
			lastErr = err
			continue
		}
		return ok, nil
	}

	return false, lastErr
}

func (v *distributedVariant) release(ctx context.Context, h *Handle) (bool, error) {
	return v.remote.Release(ctx, lockKeyPrefix+h.Resource, h.Owner)
}
