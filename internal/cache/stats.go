package cache

import (
	"sync/atomic"
	"time"
)

// Stats 快取統計計數器
//
// 計數器只增不減，僅在顯式 Clear 時歸零。
// 每個層與協調器各持有一份。
type Stats struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	errors    atomic.Int64
	startedAt atomic.Int64 // unix 奈秒，Reset 會與 Snapshot 並發寫入
}

// NewStats 建立統計計數器
func NewStats() *Stats {
	s := &Stats{}
	s.startedAt.Store(time.Now().UnixNano())
	return s
}

// Hit 記錄一次命中
func (s *Stats) Hit() { s.hits.Add(1) }

// Miss 記錄一次未命中
func (s *Stats) Miss() { s.misses.Add(1) }

// Eviction 記錄 n 次淘汰
func (s *Stats) Eviction(n int64) { s.evictions.Add(n) }

// Error 記錄一次錯誤
func (s *Stats) Error() { s.errors.Add(1) }

// Snapshot 統計快照
type Snapshot struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Evictions int64         `json:"evictions"`
	Errors    int64         `json:"errors"`
	HitRate   float64       `json:"hit_rate"`
	Uptime    time.Duration `json:"uptime"`
}

// Snapshot 取得目前統計快照
func (s *Stats) Snapshot() Snapshot {
	hits := s.hits.Load()
	misses := s.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Snapshot{
		Hits:      hits,
		Misses:    misses,
		Evictions: s.evictions.Load(),
		Errors:    s.errors.Load(),
		HitRate:   hitRate,
		Uptime:    time.Since(time.Unix(0, s.startedAt.Load())),
	}
}

// Reset 歸零所有計數器
func (s *Stats) Reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.evictions.Store(0)
	s.errors.Store(0)
	s.startedAt.Store(time.Now().UnixNano())
}
