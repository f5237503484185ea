package lock

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/tiered-cache/internal/cache"
	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// casScript 版本未變時遞增，否則返回 -1
//
// 讀取、比較與遞增必須在同一個腳本內完成，
// 否則兩個提交者可能基於同一個版本各自成功。
var casScript = redis.NewScript(`
local current = tonumber(redis.call('get', KEYS[1]) or '0')
if current == tonumber(ARGV[1]) then
    return redis.call('incr', KEYS[1])
else
    return -1
end
`)

// optimisticVariant 樂觀鎖
//
// 不阻塞任何人：取得只是快照資源目前的版本號，
// 提交時以比較交換驗證版本未變。版本號存放在遠端層，
// 跨行程的提交者看到同一份版本。
//
// 釋放只清除簿記，與提交是兩件獨立的事：
// 釋放不隱含提交，提交也不隱含釋放。
type optimisticVariant struct {
	remote *cache.RemoteTier

	mu       sync.Mutex
	versions map[string]int64 // handle ID → 取得時的版本快照
}

// versionKeyPrefix 版本號鍵的前綴
const versionKeyPrefix = "version:"

func newOptimisticVariant(remote *cache.RemoteTier) *optimisticVariant {
	return &optimisticVariant{
		remote:   remote,
		versions: make(map[string]int64),
	}
}

func (v *optimisticVariant) tryAcquire(ctx context.Context, h *Handle) (bool, error) {
	version, err := v.currentVersion(ctx, h.Resource)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	v.versions[h.ID] = version
	v.mu.Unlock()
	return true, nil
}

func (v *optimisticVariant) release(_ context.Context, h *Handle) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.versions[h.ID]; !ok {
		return false, nil
	}
	delete(v.versions, h.ID)
	return true, nil
}

// commit 驗證版本未變並遞增；衝突時返回版本衝突錯誤
func (v *optimisticVariant) commit(ctx context.Context, h *Handle) error {
	v.mu.Lock()
	snapshot, ok := v.versions[h.ID]
	v.mu.Unlock()

	if !ok {
		return apperrors.ErrLockNotHeld
	}

	result, err := casScript.Run(ctx, v.remote.Client(),
		[]string{versionKeyPrefix + h.Resource}, snapshot).Int64()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConnection, "optimistic commit failed")
	}

	if result < 0 {
		return apperrors.ErrVersionConflict.WithDetails(h.Resource)
	}
	return nil
}

// currentVersion 讀取資源目前的版本；不存在視為 0
func (v *optimisticVariant) currentVersion(ctx context.Context, resource string) (int64, error) {
	data, ok, err := v.remote.Get(ctx, versionKeyPrefix+resource)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	version, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal,
			"corrupt version counter for "+resource)
	}
	return version, nil
}
