package lock

import (
	"strings"
	"sync"
)

// Detector 死鎖偵測器
//
// 維護等待圖：
//   waiters: 等待者 → 其等待的資源集合
//   holders: 資源 → 目前持有者
//
// 請求者在已被持有的資源上阻塞前，管理器會註冊等待邊
// 並沿「等待者 → 資源 → 持有者」鏈搜尋環；找到環時
// 該請求立即以死鎖錯誤失敗，而不是進入阻塞。這是核心
// 活性保證：沒有參與者會在環中無限期阻塞。
//
// 圖由自己的互斥鎖保護，任何操作都不會同時持有
// 等待圖鎖與鎖表鎖，避免基礎設施自己引入新的死鎖類型。
type Detector struct {
	mu       sync.Mutex
	waiters  map[string]map[string]struct{}
	holders  map[string]string
	maxDepth int
}

// NewDetector 建立死鎖偵測器
//
// maxDepth 限制環搜尋的深度，防止病態圖導致的無界走訪。
func NewDetector(maxDepth int) *Detector {
	if maxDepth <= 0 {
		maxDepth = 128
	}
	return &Detector{
		waiters:  make(map[string]map[string]struct{}),
		holders:  make(map[string]string),
		maxDepth: maxDepth,
	}
}

// AddWait 註冊等待關係：waiter 正在等待 holder 持有的 resource
//
// 重複呼叫是冪等的，且會更新持有者（等待期間資源可能易主）。
func (d *Detector) AddWait(waiter, resource, holder string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.waiters[waiter] == nil {
		d.waiters[waiter] = make(map[string]struct{})
	}
	d.waiters[waiter][resource] = struct{}{}
	d.holders[resource] = holder
}

// RemoveWait 移除等待者的所有等待邊
//
// 等待的任何終局（取得、超時、取消）都必須呼叫，
// 否則殘留的邊會產生幽靈環。
func (d *Detector) RemoveWait(waiter string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resources, ok := d.waiters[waiter]
	if !ok {
		return
	}
	delete(d.waiters, waiter)

	// 沒有任何等待者的資源不再需要持有者記錄
	for resource := range resources {
		if !d.anyoneWaitingOn(resource) {
			delete(d.holders, resource)
		}
	}
}

// anyoneWaitingOn 呼叫者必須持有 d.mu
func (d *Detector) anyoneWaitingOn(resource string) bool {
	for _, set := range d.waiters {
		if _, ok := set[resource]; ok {
			return true
		}
	}
	return false
}

// FindCycle 搜尋從 start 可達的環
//
// 迭代式深度優先搜尋（帶深度上限），沿
// 等待者 → 資源 → 持有者 展開。返回環上的參與者路徑，
// 無環時返回 nil。
func (d *Detector) FindCycle(start string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	type frame struct {
		owner string
		depth int
	}

	onPath := map[string]bool{}
	var path []string

	var stack []frame
	stack = append(stack, frame{owner: start, depth: 0})

	visited := map[string]bool{}

	// 迭代 DFS：-1 深度的 frame 表示回溯標記
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth < 0 {
			// 回溯：移出目前路徑
			last := path[len(path)-1]
			path = path[:len(path)-1]
			onPath[last] = false
			continue
		}

		if onPath[f.owner] {
			// 找到環：擷取環上的片段
			for i, p := range path {
				if p == f.owner {
					return append(append([]string{}, path[i:]...), f.owner)
				}
			}
			return append(append([]string{}, path...), f.owner)
		}

		if visited[f.owner] || f.depth >= d.maxDepth {
			continue
		}
		visited[f.owner] = true

		onPath[f.owner] = true
		path = append(path, f.owner)
		stack = append(stack, frame{owner: f.owner, depth: -1})

		for resource := range d.waiters[f.owner] {
			if holder, held := d.holders[resource]; held {
				stack = append(stack, frame{owner: holder, depth: f.depth + 1})
			}
		}
	}

	return nil
}

// WaitersOn 返回正在等待指定資源的等待者數量
func (d *Detector) WaitersOn(resource string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := 0
	for _, set := range d.waiters {
		if _, ok := set[resource]; ok {
			count++
		}
	}
	return count
}

// formatCycle 將環路徑整理為錯誤訊息細節
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
