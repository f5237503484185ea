package lock

import (
	"context"
	"strings"
	"sync"
)

// lockTable 行程內鎖表
//
// 悲觀、行級、表級、共享、排他五種鎖共用這張表，
// 只在衝突判定上不同：
//   - 排他／行級／悲觀：資源上不得有任何其他持有者
//   - 共享：可與其他共享持有者並存，排斥排他持有者
//   - 表級：資源名即表名，擋下該表與其下所有行級資源
//
// 行級資源以 "表名/行識別" 命名，表級鎖據此涵蓋整張表。
type lockTable struct {
	mu        sync.Mutex
	exclusive map[string]string              // 資源 → 持有者
	shared    map[string]map[string]struct{} // 資源 → 共享持有者集合
	tables    map[string]string              // 表名 → 持有者
}

func newLockTable() *lockTable {
	return &lockTable{
		exclusive: make(map[string]string),
		shared:    make(map[string]map[string]struct{}),
		tables:    make(map[string]string),
	}
}

// tableOf 取資源所屬的表名
func tableOf(resource string) string {
	if i := strings.IndexByte(resource, '/'); i > 0 {
		return resource[:i]
	}
	return resource
}

// tryAcquire 不阻塞地嘗試取得；衝突時返回 false
func (t *lockTable) tryAcquire(kind Kind, resource, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch kind {
	case Table:
		return t.tryAcquireTable(resource, owner)
	case Shared:
		return t.tryAcquireShared(resource, owner)
	default: // Pessimistic / Row / Exclusive
		return t.tryAcquireExclusive(resource, owner)
	}
}

func (t *lockTable) tryAcquireTable(table, owner string) bool {
	if _, held := t.tables[table]; held {
		return false
	}
	// 表下任何既有的行級持有者都構成衝突
	for resource := range t.exclusive {
		if tableOf(resource) == table {
			return false
		}
	}
	for resource, owners := range t.shared {
		if tableOf(resource) == table && len(owners) > 0 {
			return false
		}
	}

	t.tables[table] = owner
	return true
}

func (t *lockTable) tryAcquireShared(resource, owner string) bool {
	if _, held := t.exclusive[resource]; held {
		return false
	}
	if _, held := t.tables[tableOf(resource)]; held {
		return false
	}

	if t.shared[resource] == nil {
		t.shared[resource] = make(map[string]struct{})
	}
	t.shared[resource][owner] = struct{}{}
	return true
}

func (t *lockTable) tryAcquireExclusive(resource, owner string) bool {
	if _, held := t.exclusive[resource]; held {
		return false
	}
	if len(t.shared[resource]) > 0 {
		return false
	}
	if _, held := t.tables[tableOf(resource)]; held {
		return false
	}

	t.exclusive[resource] = owner
	return true
}

// release 釋放持有；持有者不符或未持有時返回 false
func (t *lockTable) release(kind Kind, resource, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch kind {
	case Table:
		if t.tables[resource] != owner {
			return false
		}
		delete(t.tables, resource)
		return true
	case Shared:
		owners := t.shared[resource]
		if _, ok := owners[owner]; !ok {
			return false
		}
		delete(owners, owner)
		if len(owners) == 0 {
			delete(t.shared, resource)
		}
		return true
	default:
		if t.exclusive[resource] != owner {
			return false
		}
		delete(t.exclusive, resource)
		return true
	}
}

// holderOf 返回目前擋住該資源的持有者，用於等待圖的邊
func (t *lockTable) holderOf(resource string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if owner, held := t.exclusive[resource]; held {
		return owner, true
	}
	if owner, held := t.tables[tableOf(resource)]; held {
		return owner, true
	}
	for owner := range t.shared[resource] {
		return owner, true
	}
	return "", false
}

// localVariant 行程內鎖的 variant 實作
type localVariant struct {
	table *lockTable
}

func (v *localVariant) tryAcquire(_ context.Context, h *Handle) (bool, error) {
	return v.table.tryAcquire(h.Kind, h.Resource, h.Owner), nil
}

func (v *localVariant) release(_ context.Context, h *Handle) (bool, error) {
	return v.table.release(h.Kind, h.Resource, h.Owner), nil
}
