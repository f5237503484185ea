package cache

import (
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryTier 行程內記憶體快取層
//
// 所有操作以單一讀寫鎖保護，對同一鍵的操作可線性化。
// 讀取到過期項目時就地刪除並計為未命中（惰性過期）；
// 背景清掃協程定期主動移除過期項目，避免記憶體
// 只能靠惰性過期回收。
//
// 淘汰策略：
//   項目數超過上限時，依 (最後存取時間, 存取次數) 遞增排序，
//   移除最冷的四分之一。這是近似 LRU：只要求單調的
//   最近性偏好，不要求精確順序。
type MemoryTier struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	maxEntries int
	stats      *Stats
	logger     *slog.Logger

	sweepInterval time.Duration
	onExpire      func([]string)
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// MemoryConfig 記憶體層配置
type MemoryConfig struct {
	MaxEntries    int           // 淘汰門檻
	SweepInterval time.Duration // 清掃頻率，<= 0 表示不啟動清掃
	OnExpire      func([]string) // 清掃移除過期項目後的通知，可為 nil
}

// NewMemoryTier 建立記憶體快取層並啟動背景清掃
func NewMemoryTier(cfg MemoryConfig, logger *slog.Logger) *MemoryTier {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}

	m := &MemoryTier{
		entries:       make(map[string]*Entry),
		maxEntries:    cfg.MaxEntries,
		stats:         NewStats(),
		logger:        logger,
		sweepInterval: cfg.SweepInterval,
		onExpire:      cfg.OnExpire,
		stopCh:        make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go m.sweepLoop()
	}

	return m
}

// Get 取得快取值
func (m *MemoryTier) Get(key string) ([]byte, bool) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		m.stats.Miss()
		return nil, false
	}

	if entry.expired(now) {
		delete(m.entries, key)
		m.stats.Miss()
		return nil, false
	}

	entry.touch(now)
	m.stats.Hit()
	return entry.Value, true
}

// Set 設定快取值；ttl <= 0 表示永不過期
func (m *MemoryTier) Set(key string, value []byte, ttl time.Duration, tags ...string) {
	entry := newEntry(value, ttl, tags...)

	m.mu.Lock()
	m.entries[key] = entry
	needEvict := len(m.entries) > m.maxEntries
	m.mu.Unlock()

	if needEvict {
		m.evict()
	}
}

// Delete 刪除快取值，返回鍵是否存在
func (m *MemoryTier) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	return ok
}

// Exists 檢查鍵是否存在且未過期
func (m *MemoryTier) Exists(key string) bool {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	return ok && !entry.expired(now)
}

// GetMany 批量取得快取值，結果只包含命中的鍵
func (m *MemoryTier) GetMany(keys []string) map[string][]byte {
	now := time.Now()
	result := make(map[string][]byte, len(keys))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		entry, ok := m.entries[key]
		if !ok {
			m.stats.Miss()
			continue
		}
		if entry.expired(now) {
			delete(m.entries, key)
			m.stats.Miss()
			continue
		}
		entry.touch(now)
		m.stats.Hit()
		result[key] = entry.Value
	}

	return result
}

// SetMany 批量設定快取值
func (m *MemoryTier) SetMany(items map[string][]byte, ttl time.Duration) {
	m.mu.Lock()
	for key, value := range items {
		m.entries[key] = newEntry(value, ttl)
	}
	needEvict := len(m.entries) > m.maxEntries
	m.mu.Unlock()

	if needEvict {
		m.evict()
	}
}

// DeleteMany 批量刪除，返回實際刪除的數量
func (m *MemoryTier) DeleteMany(keys []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, key := range keys {
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted
}

// ScanKeys 以 glob 模式掃描未過期的鍵
func (m *MemoryTier) ScanKeys(pattern string) []string {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key, entry := range m.entries {
		if entry.expired(now) {
			continue
		}
		if matched, err := path.Match(pattern, key); err == nil && matched {
			keys = append(keys, key)
		}
	}
	return keys
}

// DeleteByTag 刪除所有帶指定標籤的項目，返回刪除數量
func (m *MemoryTier) DeleteByTag(tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key, entry := range m.entries {
		if entry.hasTag(tag) {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted
}

// TTL 返回鍵的剩餘存活時間
//
// 返回值：(剩餘時間, 是否存在)；永不過期時剩餘時間為 -1。
func (m *MemoryTier) TTL(key string) (time.Duration, bool) {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(now) {
		return 0, false
	}
	return entry.remainingTTL(now), true
}

// Size 返回目前項目數
func (m *MemoryTier) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clear 清空所有項目並歸零統計
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()

	m.stats.Reset()
}

// Stats 返回統計快照
func (m *MemoryTier) Stats() Snapshot {
	return m.stats.Snapshot()
}

// Close 停止背景清掃
func (m *MemoryTier) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// evict 淘汰最冷的四分之一項目
func (m *MemoryTier) evict() {
	type candidate struct {
		key         string
		accessedAt  time.Time
		accessCount int64
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) <= m.maxEntries {
		return
	}

	candidates := make([]candidate, 0, len(m.entries))
	for key, entry := range m.entries {
		candidates = append(candidates, candidate{
			key:         key,
			accessedAt:  entry.AccessedAt,
			accessCount: entry.AccessCount,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].accessedAt.Equal(candidates[j].accessedAt) {
			return candidates[i].accessedAt.Before(candidates[j].accessedAt)
		}
		return candidates[i].accessCount < candidates[j].accessCount
	})

	removeCount := len(candidates) / 4
	if removeCount == 0 {
		removeCount = 1
	}

	for _, c := range candidates[:removeCount] {
		delete(m.entries, c.key)
	}
	m.stats.Eviction(int64(removeCount))

	if m.logger != nil {
		m.logger.Debug("memory tier eviction",
			"evicted", removeCount,
			"remaining", len(m.entries))
	}
}

// sweepLoop 背景清掃迴圈
//
// 清掃分兩階段：先在讀鎖下收集過期鍵，再分批在寫鎖下刪除，
// 避免長時間持有層級互斥鎖。
func (m *MemoryTier) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// sweepBatchSize 每批刪除的過期鍵數量
const sweepBatchSize = 256

func (m *MemoryTier) sweepExpired() {
	now := time.Now()

	m.mu.RLock()
	var expired []string
	for key, entry := range m.entries {
		if entry.expired(now) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	var removed []string
	for start := 0; start < len(expired); start += sweepBatchSize {
		end := start + sweepBatchSize
		if end > len(expired) {
			end = len(expired)
		}

		m.mu.Lock()
		for _, key := range expired[start:end] {
			// 重新檢查：收集後可能已被覆寫為新值
			if entry, ok := m.entries[key]; ok && entry.expired(now) {
				delete(m.entries, key)
				removed = append(removed, key)
			}
		}
		m.mu.Unlock()
	}

	if m.onExpire != nil && len(removed) > 0 {
		m.onExpire(removed)
	}

	if m.logger != nil {
		m.logger.Debug("memory tier sweep", "expired", len(removed))
	}
}
