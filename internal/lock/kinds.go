package lock

import (
	"context"
	"sync/atomic"
	"time"
)

// Kind 鎖類型
//
// 各類型只在「持有」的定義與衝突判定上不同，
// 行為透過 variant 介面分派，避免每種鎖一個類別的
// 深層繼承結構。
type Kind int

const (
	// Distributed 分散式鎖：以遠端層的條件式 set-if-absent 實作
	Distributed Kind = iota
	// Optimistic 樂觀鎖：版本號比較交換，不阻塞
	Optimistic
	// Pessimistic 悲觀鎖：單一持有者
	Pessimistic
	// Row 行級鎖：單一持有者
	Row
	// Table 表級鎖：阻擋該資源下所有行級操作
	Table
	// Shared 共享鎖：允許多個共享持有者，排斥排他持有者
	Shared
	// Exclusive 排他鎖：單一持有者
	Exclusive
)

// String 返回鎖類型名稱
func (k Kind) String() string {
	switch k {
	case Distributed:
		return "distributed"
	case Optimistic:
		return "optimistic"
	case Pessimistic:
		return "pessimistic"
	case Row:
		return "row"
	case Table:
		return "table"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Handle 已取得的鎖
//
// 由取得它的呼叫者獨佔持有，恰好釋放一次：
// 顯式呼叫 Manager.Release，或由過期清掃強制回收
// （防止洩漏鎖的安全網）。
type Handle struct {
	ID         string
	Resource   string
	Kind       Kind
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	released atomic.Bool
	variant  variant
	holdTTL  time.Duration // 授予後的持有期限，與等待期限解耦
}

// Expired 檢查鎖是否已過期
func (h *Handle) Expired() bool {
	return !h.ExpiresAt.IsZero() && time.Now().After(h.ExpiresAt)
}

// Released 檢查鎖是否已釋放
func (h *Handle) Released() bool {
	return h.released.Load()
}

// TTLRemaining 返回剩餘持有時間
func (h *Handle) TTLRemaining() time.Duration {
	if h.ExpiresAt.IsZero() {
		return -1
	}
	remaining := time.Until(h.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// variant 各鎖類型的行為介面
//
// tryAcquire 必須不阻塞：衝突時返回 (false, nil)，
// 等待與死鎖偵測由管理器統一處理。
type variant interface {
	tryAcquire(ctx context.Context, h *Handle) (bool, error)
	release(ctx context.Context, h *Handle) (bool, error)
}
