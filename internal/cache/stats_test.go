package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/koopa0/tiered-cache/internal/cache"
)

// TestStats_Counters 測試計數與命中率
func TestStats_Counters(t *testing.T) {
	s := cache.NewStats()

	s.Hit()
	s.Hit()
	s.Hit()
	s.Miss()
	s.Eviction(2)
	s.Error()

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(2), snap.Evictions)
	assert.Equal(t, int64(1), snap.Errors)
	assert.InDelta(t, 0.75, snap.HitRate, 0.001)
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
}

// TestStats_HitRateEmpty 測試無流量時命中率為零
func TestStats_HitRateEmpty(t *testing.T) {
	s := cache.NewStats()
	assert.Zero(t, s.Snapshot().HitRate)
}

// TestStats_ConcurrentResetSnapshot 測試歸零與快照並發執行。
// 起始時間戳與計數器一樣會被並發讀寫，必須是原子操作。
func TestStats_ConcurrentResetSnapshot(t *testing.T) {
	s := cache.NewStats()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Hit()
				s.Miss()
				s.Reset()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := s.Snapshot()
				assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
			}
		}()
	}
	wg.Wait()
}
