package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/koopa0/tiered-cache/internal/serializer"
	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// Event 事件名稱
const (
	EventSet    = "set"
	EventDelete = "delete"
	EventExpire = "expire"
)

// EventHandler 事件處理函數，收到觸發事件的原始鍵
type EventHandler func(key string)

// TieredCache 分層快取協調器
//
// 讀取順序：本地層 → 遠端層。遠端命中時回填本地層（write-back）；
// 寫入時兩層都寫（write-through），兩次寫入彼此獨立：
// 遠端失敗不回滾本地寫入，以部分成功告警回報，
// 只有兩層都失敗才讓呼叫者的操作失敗。
//
// 防快取雪崩：
//   GetOrCompute 先以 singleflight 合併行程內的重複計算，
//   勝出者再以遠端層的互斥原語跨行程串行化，
//   並在鎖內重讀一次快取（double-checked），
//   保證同一鍵在所有呼叫者之間至多一次並發計算。
type TieredCache struct {
	local  *MemoryTier
	remote *RemoteTier
	keys   *KeyBuilder
	codec  serializer.Codec
	stats  *Stats
	logger *slog.Logger

	defaultTTL   time.Duration
	lockTTL      time.Duration // 防雪崩鎖的存活時間
	pollInterval time.Duration // 等待勝出者結果的輪詢間隔
	ownerID      string

	sf singleflight.Group

	eventsMu sync.RWMutex
	events   map[string][]EventHandler

	preloadMu  sync.Mutex
	preloading map[string]struct{}
}

// TieredConfig 協調器配置
type TieredConfig struct {
	DefaultTTL   time.Duration
	LockTTL      time.Duration // <= 0 時取 10 秒
	PollInterval time.Duration // <= 0 時取 50 毫秒
}

// NewTieredCache 建立分層快取
//
// remote 可為 nil：此時以純本地模式運作（測試或降級情境）。
func NewTieredCache(local *MemoryTier, remote *RemoteTier, keys *KeyBuilder, codec serializer.Codec, cfg TieredConfig, logger *slog.Logger) *TieredCache {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}

	tc := &TieredCache{
		local:        local,
		remote:       remote,
		keys:         keys,
		codec:        codec,
		stats:        NewStats(),
		logger:       logger,
		defaultTTL:   cfg.DefaultTTL,
		lockTTL:      cfg.LockTTL,
		pollInterval: cfg.PollInterval,
		ownerID:      uuid.NewString(),
		events:       make(map[string][]EventHandler),
		preloading:   make(map[string]struct{}),
	}

	return tc
}

// SetOption 寫入選項
type SetOption func(*setOptions)

type setOptions struct {
	localOnly bool
	tags      []string
}

// LocalOnly 只寫本地層
func LocalOnly() SetOption {
	return func(o *setOptions) { o.localOnly = true }
}

// WithTags 為本地層項目附加標籤
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = tags }
}

// Get 取得快取值
//
// 本地命中直接返回；本地未命中時查遠端，
// 遠端命中則回填本地層。兩層都未命中返回 (nil, false, nil)。
func (tc *TieredCache) Get(ctx context.Context, rawKey string) ([]byte, bool, error) {
	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return nil, false, err
	}

	if value, ok := tc.local.Get(key); ok {
		tc.stats.Hit()
		return value, true, nil
	}

	if tc.remote == nil {
		tc.stats.Miss()
		return nil, false, nil
	}

	value, ok, err := tc.remote.Get(ctx, key)
	if err != nil {
		tc.stats.Error()
		tc.logger.Warn("remote get failed, degraded to local-only", "key", rawKey, "error", err)
		return nil, false, err
	}
	if !ok {
		tc.stats.Miss()
		return nil, false, nil
	}

	// 回填本地層，帶上遠端剩餘的存活時間
	ttl := tc.remoteTTL(ctx, key)
	tc.local.Set(key, value, ttl)

	tc.stats.Hit()
	return value, true, nil
}

// Set 設定快取值
//
// ttl == 0 使用預設過期時間；ttl < 0 表示永不過期。
// 遠端寫入失敗時本地寫入保持有效，以告警與統計回報，
// 不作為硬性失敗返回。
func (tc *TieredCache) Set(ctx context.Context, rawKey string, value []byte, ttl time.Duration, opts ...SetOption) error {
	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return err
	}

	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	ttl = tc.effectiveTTL(ttl)
	tc.local.Set(key, value, ttl, o.tags...)

	if !o.localOnly && tc.remote != nil {
		if err := tc.remote.Set(ctx, key, value, ttl); err != nil {
			tc.stats.Error()
			tc.logger.Warn("remote set failed, local write kept",
				"key", rawKey, "error", err)
		}
	}

	tc.emit(EventSet, rawKey)
	return nil
}

// Delete 刪除快取值，返回任一層是否曾持有該鍵
func (tc *TieredCache) Delete(ctx context.Context, rawKey string) (bool, error) {
	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return false, err
	}

	existed := tc.local.Delete(key)

	if tc.remote != nil {
		remoteExisted, err := tc.remote.Delete(ctx, key)
		if err != nil {
			tc.stats.Error()
			tc.logger.Warn("remote delete failed", "key", rawKey, "error", err)
			if !existed {
				return false, err
			}
		}
		existed = existed || remoteExisted
	}

	tc.emit(EventDelete, rawKey)
	return existed, nil
}

// Exists 檢查鍵是否存在於任一層
func (tc *TieredCache) Exists(ctx context.Context, rawKey string) (bool, error) {
	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return false, err
	}

	if tc.local.Exists(key) {
		return true, nil
	}
	if tc.remote == nil {
		return false, nil
	}
	return tc.remote.Exists(ctx, key)
}

// GetOrCompute 取得快取值，未命中時至多計算一次
//
// 流程：
//  1. singleflight 合併行程內對同一鍵的並發呼叫
//  2. 快取重讀（可能已被其他行程算好）
//  3. 以遠端互斥原語競爭計算權
//  4. 勝出者在鎖內再重讀一次，仍未命中才執行 compute
//  5. 落敗者輪詢快取等待勝出者的結果，超過鎖存活時間
//     後退而自行計算
func (tc *TieredCache) GetOrCompute(ctx context.Context, rawKey string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return nil, err
	}

	value, err, _ := tc.sf.Do(key, func() (any, error) {
		return tc.computeOnce(ctx, rawKey, key, ttl, compute)
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

func (tc *TieredCache) computeOnce(ctx context.Context, rawKey, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok, err := tc.Get(ctx, rawKey); err == nil && ok {
		return value, nil
	}

	// 無遠端層時 singleflight 已保證行程內至多一次計算
	if tc.remote == nil {
		return tc.computeAndStore(ctx, rawKey, ttl, compute)
	}

	lockName := "stampede:" + key
	won, err := tc.remote.Acquire(ctx, lockName, tc.ownerID, tc.lockTTL)
	if err != nil {
		// 遠端不可用時降級為本地防護
		tc.stats.Error()
		tc.logger.Warn("stampede lock unavailable, falling back to local guard",
			"key", rawKey, "error", err)
		return tc.computeAndStore(ctx, rawKey, ttl, compute)
	}

	if won {
		defer func() {
			if _, err := tc.remote.Release(context.WithoutCancel(ctx), lockName, tc.ownerID); err != nil {
				tc.logger.Warn("stampede lock release failed", "key", rawKey, "error", err)
			}
		}()

		// 鎖內重讀：競爭對手可能已在我們拿到鎖前寫入
		if value, ok, err := tc.Get(ctx, rawKey); err == nil && ok {
			return value, nil
		}
		return tc.computeAndStore(ctx, rawKey, ttl, compute)
	}

	// 落敗：等待勝出者把結果寫進快取
	deadline := time.Now().Add(tc.lockTTL)
	ticker := time.NewTicker(tc.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "get-or-compute cancelled")
		case <-ticker.C:
			if value, ok, err := tc.Get(ctx, rawKey); err == nil && ok {
				return value, nil
			}
		}
	}

	// 勝出者逾時未產出結果（可能崩潰），自行計算兜底
	tc.logger.Warn("stampede winner produced no result before lock expiry", "key", rawKey)
	return tc.computeAndStore(ctx, rawKey, ttl, compute)
}

func (tc *TieredCache) computeAndStore(ctx context.Context, rawKey string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := tc.Set(ctx, rawKey, value, ttl); err != nil {
		return nil, err
	}
	return value, nil
}

// GetMany 批量取得，結果以原始鍵為索引，只包含命中的鍵
func (tc *TieredCache) GetMany(ctx context.Context, rawKeys []string) (map[string][]byte, error) {
	fullKeys := make([]string, 0, len(rawKeys))
	rawByFull := make(map[string]string, len(rawKeys))
	for _, rawKey := range rawKeys {
		key, err := tc.keys.Build(rawKey)
		if err != nil {
			return nil, err
		}
		fullKeys = append(fullKeys, key)
		rawByFull[key] = rawKey
	}

	result := make(map[string][]byte, len(rawKeys))

	localHits := tc.local.GetMany(fullKeys)
	for key, value := range localHits {
		result[rawByFull[key]] = value
	}

	if tc.remote == nil || len(localHits) == len(fullKeys) {
		return result, nil
	}

	var missing []string
	for _, key := range fullKeys {
		if _, ok := localHits[key]; !ok {
			missing = append(missing, key)
		}
	}

	remoteHits, err := tc.remote.GetMany(ctx, missing)
	if err != nil {
		tc.stats.Error()
		tc.logger.Warn("remote mget failed, returning local hits only", "error", err)
		return result, nil
	}

	for key, value := range remoteHits {
		result[rawByFull[key]] = value
		tc.local.Set(key, value, tc.remoteTTL(ctx, key))
	}

	return result, nil
}

// SetMany 批量設定，items 以原始鍵為索引
func (tc *TieredCache) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration, opts ...SetOption) error {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	ttl = tc.effectiveTTL(ttl)

	fullItems := make(map[string][]byte, len(items))
	for rawKey, value := range items {
		key, err := tc.keys.Build(rawKey)
		if err != nil {
			return err
		}
		fullItems[key] = value
	}

	tc.local.SetMany(fullItems, ttl)

	if !o.localOnly && tc.remote != nil {
		if err := tc.remote.SetMany(ctx, fullItems, ttl); err != nil {
			tc.stats.Error()
			tc.logger.Warn("remote mset failed, local writes kept", "error", err)
		}
	}

	for rawKey := range items {
		tc.emit(EventSet, rawKey)
	}
	return nil
}

// DeleteMany 批量刪除，返回本地層實際刪除的數量
func (tc *TieredCache) DeleteMany(ctx context.Context, rawKeys []string) (int, error) {
	fullKeys := make([]string, 0, len(rawKeys))
	for _, rawKey := range rawKeys {
		key, err := tc.keys.Build(rawKey)
		if err != nil {
			return 0, err
		}
		fullKeys = append(fullKeys, key)
	}

	deleted := tc.local.DeleteMany(fullKeys)

	if tc.remote != nil {
		if _, err := tc.remote.DeleteMany(ctx, fullKeys); err != nil {
			tc.stats.Error()
			tc.logger.Warn("remote bulk delete failed", "error", err)
		}
	}

	for _, rawKey := range rawKeys {
		tc.emit(EventDelete, rawKey)
	}
	return deleted, nil
}

// GetObject 取得並反序列化快取值
func (tc *TieredCache) GetObject(ctx context.Context, rawKey string, target any) (bool, error) {
	data, ok, err := tc.Get(ctx, rawKey)
	if err != nil || !ok {
		return ok, err
	}
	if err := serializer.Decode(data, target); err != nil {
		return false, err
	}
	return true, nil
}

// SetObject 序列化並設定快取值
func (tc *TieredCache) SetObject(ctx context.Context, rawKey string, value any, ttl time.Duration, opts ...SetOption) error {
	data, err := tc.codec.Encode(value)
	if err != nil {
		return err
	}
	return tc.Set(ctx, rawKey, data, ttl, opts...)
}

// Increment 原子增加（僅遠端層，計數語義需要跨行程一致）
func (tc *TieredCache) Increment(ctx context.Context, rawKey string, delta int64) (int64, error) {
	if tc.remote == nil {
		return 0, apperrors.ErrRemoteUnavailable
	}
	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return 0, err
	}

	// 本地副本失效，下次讀取回填新值
	tc.local.Delete(key)
	return tc.remote.Increment(ctx, key, delta)
}

// Decrement 原子減少
func (tc *TieredCache) Decrement(ctx context.Context, rawKey string, delta int64) (int64, error) {
	if tc.remote == nil {
		return 0, apperrors.ErrRemoteUnavailable
	}
	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return 0, err
	}

	tc.local.Delete(key)
	return tc.remote.Decrement(ctx, key, delta)
}

// Expire 更新兩層的過期時間
//
// ttl 必須為正值。非正的 ttl 在本地層代表永不過期，
// 在 Redis 的 EXPIRE 卻會刪除鍵，兩層語義相反，直接拒絕。
func (tc *TieredCache) Expire(ctx context.Context, rawKey string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("expire ttl must be positive, got %v", ttl)
	}

	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return false, err
	}

	var existed bool
	if value, ok := tc.local.Get(key); ok {
		tc.local.Set(key, value, ttl)
		existed = true
	}

	if tc.remote != nil {
		ok, err := tc.remote.Expire(ctx, key, ttl)
		if err != nil {
			tc.stats.Error()
			tc.logger.Warn("remote expire failed", "key", rawKey, "error", err)
			return existed, nil
		}
		existed = existed || ok
	}
	return existed, nil
}

// Clear 清除指定前綴下的所有鍵；pattern 為空時清除整個命名空間
func (tc *TieredCache) Clear(ctx context.Context, pattern string) error {
	fullPattern := tc.keys.Pattern(pattern)

	for _, key := range tc.local.ScanKeys(fullPattern) {
		tc.local.Delete(key)
	}

	if tc.remote != nil {
		keys, err := tc.remote.ScanKeys(ctx, fullPattern)
		if err != nil {
			tc.stats.Error()
			return err
		}
		if _, err := tc.remote.DeleteMany(ctx, keys); err != nil {
			tc.stats.Error()
			return err
		}
	}

	return nil
}

// Warmup 快取預熱：只載入尚未存在的鍵
func (tc *TieredCache) Warmup(ctx context.Context, rawKeys []string, loader func(context.Context, []string) (map[string][]byte, error), ttl time.Duration) error {
	var missing []string
	for _, rawKey := range rawKeys {
		ok, err := tc.Exists(ctx, rawKey)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, rawKey)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	data, err := loader(ctx, missing)
	if err != nil {
		return fmt.Errorf("warmup loader: %w", err)
	}

	return tc.SetMany(ctx, data, ttl)
}

// Preload 預載：剩餘存活時間比例低於門檻時非同步刷新
//
// 刷新在背景進行，不阻塞讀取者；同一鍵至多一個進行中的預載。
func (tc *TieredCache) Preload(ctx context.Context, rawKey string, loader func(context.Context) ([]byte, error), ttl time.Duration, threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("preload threshold must be in (0, 1], got %v", threshold)
	}

	key, err := tc.keys.Build(rawKey)
	if err != nil {
		return err
	}

	remaining, ok := tc.local.TTL(key)
	if !ok && tc.remote != nil {
		remaining, ok, err = tc.remote.TTL(ctx, key)
		if err != nil {
			return err
		}
	}

	// 不存在的鍵交給 Warmup / GetOrCompute；永不過期的鍵無需預載
	if !ok || remaining < 0 {
		return nil
	}

	ttl = tc.effectiveTTL(ttl)
	if float64(remaining) > float64(ttl)*threshold {
		return nil
	}

	tc.preloadMu.Lock()
	if _, inflight := tc.preloading[key]; inflight {
		tc.preloadMu.Unlock()
		return nil
	}
	tc.preloading[key] = struct{}{}
	tc.preloadMu.Unlock()

	go func() {
		defer func() {
			tc.preloadMu.Lock()
			delete(tc.preloading, key)
			tc.preloadMu.Unlock()
		}()

		bg := context.WithoutCancel(ctx)
		value, err := loader(bg)
		if err != nil {
			tc.stats.Error()
			tc.logger.Warn("preload loader failed", "key", rawKey, "error", err)
			return
		}
		if err := tc.Set(bg, rawKey, value, ttl); err != nil {
			tc.logger.Warn("preload set failed", "key", rawKey, "error", err)
		}
	}()

	return nil
}

// On 註冊事件處理函數
//
// 事件在對應的狀態變更完成後觸發，盡力而為且不阻塞呼叫者。
func (tc *TieredCache) On(event string, handler EventHandler) {
	tc.eventsMu.Lock()
	defer tc.eventsMu.Unlock()
	tc.events[event] = append(tc.events[event], handler)
}

// emit 觸發事件，每個處理函數各自在獨立協程中執行
func (tc *TieredCache) emit(event, key string) {
	tc.eventsMu.RLock()
	handlers := tc.events[event]
	tc.eventsMu.RUnlock()

	for _, handler := range handlers {
		h := handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					tc.logger.Error("event handler panicked", "event", event, "panic", r)
				}
			}()
			h(key)
		}()
	}
}

// EmitExpire 供本地層清掃回呼轉發過期事件
func (tc *TieredCache) EmitExpire(keys []string) {
	for _, key := range keys {
		tc.emit(EventExpire, tc.keys.Strip(key))
	}
}

// Stats 返回協調器統計快照
func (tc *TieredCache) Stats() Snapshot {
	return tc.stats.Snapshot()
}

// LocalStats 返回本地層統計快照
func (tc *TieredCache) LocalStats() Snapshot {
	return tc.local.Stats()
}

// RemoteStats 返回遠端層統計快照
func (tc *TieredCache) RemoteStats() (Snapshot, bool) {
	if tc.remote == nil {
		return Snapshot{}, false
	}
	return tc.remote.Stats(), true
}

// Close 停止背景工作並關閉遠端連線
func (tc *TieredCache) Close() error {
	tc.local.Close()
	if tc.remote != nil {
		return tc.remote.Close()
	}
	return nil
}

// effectiveTTL 解析呼叫者給定的 ttl
//
// 0 使用預設值，負數表示永不過期（內部以 0 表達）。
func (tc *TieredCache) effectiveTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return tc.defaultTTL
	case ttl < 0:
		return 0
	default:
		return ttl
	}
}

// remoteTTL 查詢遠端剩餘存活時間作為回填本地層的過期時間
func (tc *TieredCache) remoteTTL(ctx context.Context, key string) time.Duration {
	remaining, ok, err := tc.remote.TTL(ctx, key)
	if err != nil || !ok || remaining < 0 {
		return tc.defaultTTL
	}
	return remaining
}
