package cache

import (
	"time"
)

// Entry 單一快取項目
//
// 項目由存放它的層獨佔持有，只在該層的互斥鎖下修改；
// 過期、顯式刪除或淘汰時銷毀。
type Entry struct {
	Value       []byte              // 序列化後的值
	ExpireAt    time.Time           // 過期時間，零值表示永不過期
	CreatedAt   time.Time           // 建立時間
	AccessedAt  time.Time           // 最後存取時間
	AccessCount int64               // 存取次數
	Size        int                 // 資料大小（位元組）
	Tags        map[string]struct{} // 標籤集合，用於批次失效
}

// newEntry 建立快取項目
func newEntry(value []byte, ttl time.Duration, tags ...string) *Entry {
	now := time.Now()
	e := &Entry{
		Value:      value,
		CreatedAt:  now,
		AccessedAt: now,
		Size:       len(value),
	}
	if ttl > 0 {
		e.ExpireAt = now.Add(ttl)
	}
	if len(tags) > 0 {
		e.Tags = make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			e.Tags[tag] = struct{}{}
		}
	}
	return e
}

// expired 檢查是否已過期
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && !now.Before(e.ExpireAt)
}

// touch 更新存取資訊
func (e *Entry) touch(now time.Time) {
	e.AccessedAt = now
	e.AccessCount++
}

// hasTag 檢查是否帶有指定標籤
func (e *Entry) hasTag(tag string) bool {
	_, ok := e.Tags[tag]
	return ok
}

// remainingTTL 返回剩餘存活時間；永不過期返回 -1
func (e *Entry) remainingTTL(now time.Time) time.Duration {
	if e.ExpireAt.IsZero() {
		return -1
	}
	remaining := e.ExpireAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
