// Package lock 提供多種鎖類型的統一管理與死鎖偵測
//
// 鎖的生命週期：
//
//	Idle → Requested → (Granted | TimedOut | DeniedByDeadlock) → Released
//
// 對已被持有的資源發出請求時，管理器先註冊等待邊並
// 諮詢死鎖偵測器；有環則立即以死鎖錯誤失敗，無環才進入
// 有界的輪詢等待。任何終局（取得、超時、取消）都會移除
// 等待邊，取消的操作不會洩漏鎖或圖的邊。
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/tiered-cache/internal/cache"
	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// Config 鎖管理器配置
type Config struct {
	DefaultTimeout time.Duration // 未指定時的鎖等待超時，同時作為持有期限
	RetryCount     int           // 遠端層暫時性失敗的重試次數
	RetryDelay     time.Duration // 重試間隔
	PollInterval   time.Duration // 等待輪詢間隔
	SweepInterval  time.Duration // 過期鎖清掃頻率，<= 0 表示不啟動
	MaxGraphDepth  int           // 死鎖偵測深度上限
}

// Info 鎖的觀測資訊
type Info struct {
	Resource     string        `json:"resource"`
	Kind         Kind          `json:"kind"`
	Owner        string        `json:"owner"`
	AcquiredAt   time.Time     `json:"acquired_at"`
	Waiters      int           `json:"waiters"`
	TTLRemaining time.Duration `json:"ttl_remaining"`
}

// Manager 鎖管理器
//
// 發放並追蹤以資源名為鍵的各類鎖。remote 為 nil 時
// 分散式與樂觀兩種鎖不可用，其餘類型照常運作。
type Manager struct {
	detector   *Detector
	table      *lockTable
	local      *localVariant
	dist       *distributedVariant
	optimistic *optimisticVariant

	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]map[string]*Handle // 資源 → handle ID → handle

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager 建立鎖管理器
func NewManager(remote *cache.RemoteTier, cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	table := newLockTable()
	m := &Manager{
		detector: NewDetector(cfg.MaxGraphDepth),
		table:    table,
		local:    &localVariant{table: table},
		cfg:      cfg,
		logger:   logger,
		active:   make(map[string]map[string]*Handle),
		stopCh:   make(chan struct{}),
	}

	if remote != nil {
		m.dist = &distributedVariant{
			remote:     remote,
			retryCount: cfg.RetryCount,
			retryDelay: cfg.RetryDelay,
		}
		m.optimistic = newOptimisticVariant(remote)
	}

	if cfg.SweepInterval > 0 {
		go m.sweepLoop()
	}

	return m
}

// AcquireOption 鎖請求選項
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	owner string
}

// WithOwner 指定請求者身分
//
// 同一邏輯呼叫者（如同一工作單元）在多次請求間必須使用
// 相同身分，死鎖偵測才能把它們歸為同一節點。
// 未指定時每個請求取得獨立身分。
func WithOwner(owner string) AcquireOption {
	return func(o *acquireOptions) { o.owner = owner }
}

// Acquire 請求鎖
//
// timeout <= 0 時使用預設值。阻塞至多 timeout；
// 偵測到死鎖時立即失敗且絕不自動重試。
func (m *Manager) Acquire(ctx context.Context, resource string, kind Kind, timeout time.Duration, opts ...AcquireOption) (*Handle, error) {
	if resource == "" {
		return nil, apperrors.New(apperrors.ErrCodeKey, "lock resource must not be empty")
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	owner := o.owner
	if owner == "" {
		owner = uuid.NewString()
	}

	v, err := m.variantFor(kind)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	h := &Handle{
		ID:         uuid.NewString(),
		Resource:   resource,
		Kind:       kind,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(timeout),
		variant:    v,
		holdTTL:    timeout,
	}

	// 樂觀鎖不阻塞，直接取版本快照
	if kind == Optimistic {
		if _, err := v.tryAcquire(ctx, h); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeLockAcquisition, "optimistic snapshot failed")
		}
		m.register(h)
		return h, nil
	}

	deadline := now.Add(timeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		granted, err := v.tryAcquire(ctx, h)
		if err != nil {
			m.detector.RemoveWait(owner)
			return nil, apperrors.Wrap(err, apperrors.ErrCodeLockAcquisition,
				"acquire "+kind.String()+" lock failed")
		}

		if granted {
			m.detector.RemoveWait(owner)
			// 取得時刻起算持有期限
			h.AcquiredAt = time.Now()
			h.ExpiresAt = h.AcquiredAt.Add(timeout)
			m.register(h)
			return h, nil
		}

		// 衝突：註冊等待邊並檢查死鎖，有環立即失敗
		if holder, held := m.holderOf(resource); held && holder != owner {
			m.detector.AddWait(owner, resource, holder)
			if cycle := m.detector.FindCycle(owner); cycle != nil {
				m.detector.RemoveWait(owner)
				return nil, apperrors.ErrDeadlock.WithDetails(formatCycle(cycle))
			}
		}

		if time.Now().After(deadline) {
			m.detector.RemoveWait(owner)
			return nil, apperrors.ErrLockWaitTimeout.WithDetails(resource)
		}

		select {
		case <-ctx.Done():
			m.detector.RemoveWait(owner)
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout,
				"lock wait cancelled for "+resource)
		case <-ticker.C:
		}
	}
}

// Release 釋放鎖
//
// 冪等失敗語義：重複釋放或釋放他人的鎖返回錯誤，
// 不拋出可能掩蓋 bug 的例外行為。
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return apperrors.ErrLockNotHeld
	}
	if !h.released.CompareAndSwap(false, true) {
		return apperrors.ErrLockNotHeld.WithDetails("already released: " + h.Resource)
	}

	ok, err := h.variant.release(ctx, h)
	m.unregister(h)

	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeLockRelease, "release "+h.Resource+" failed")
	}
	if !ok {
		return apperrors.ErrLockNotHeld.WithDetails(h.Resource)
	}

	return nil
}

// Commit 樂觀鎖的提交：驗證版本未變並遞增
//
// 與釋放是獨立的兩件事；提交成功後仍需呼叫 Release
// 清除簿記。
func (m *Manager) Commit(ctx context.Context, h *Handle) error {
	if h == nil || h.Kind != Optimistic {
		return apperrors.New(apperrors.ErrCodeLockAcquisition, "commit requires an optimistic lock")
	}
	if h.Released() {
		return apperrors.ErrLockNotHeld
	}
	return m.optimistic.commit(ctx, h)
}

// Info 查詢資源目前的鎖狀態
func (m *Manager) Info(resource string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := m.active[resource]
	for _, h := range handles {
		if h.Expired() {
			continue
		}
		return Info{
			Resource:     resource,
			Kind:         h.Kind,
			Owner:        h.Owner,
			AcquiredAt:   h.AcquiredAt,
			Waiters:      m.detector.WaitersOn(resource),
			TTLRemaining: h.TTLRemaining(),
		}, true
	}
	return Info{}, false
}

// ActiveLocks 返回所有未過期的鎖
func (m *Manager) ActiveLocks() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []Info
	for resource, handles := range m.active {
		for _, h := range handles {
			if h.Expired() {
				continue
			}
			infos = append(infos, Info{
				Resource:     resource,
				Kind:         h.Kind,
				Owner:        h.Owner,
				AcquiredAt:   h.AcquiredAt,
				Waiters:      m.detector.WaitersOn(resource),
				TTLRemaining: h.TTLRemaining(),
			})
		}
	}
	return infos
}

// Close 停止背景清掃
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Manager) variantFor(kind Kind) (variant, error) {
	switch kind {
	case Distributed:
		if m.dist == nil {
			return nil, apperrors.ErrRemoteUnavailable.WithDetails("distributed locks need a remote tier")
		}
		return m.dist, nil
	case Optimistic:
		if m.optimistic == nil {
			return nil, apperrors.ErrRemoteUnavailable.WithDetails("optimistic locks need a remote tier")
		}
		return m.optimistic, nil
	case Pessimistic, Row, Table, Shared, Exclusive:
		return m.local, nil
	default:
		return nil, apperrors.New(apperrors.ErrCodeLockAcquisition, "unknown lock kind")
	}
}

// holderOf 查出資源目前的持有者
//
// 本地表優先；分散式鎖不經過本地表，改查本行程發出的
// 有效 handle。持有者在其他行程時查不到，該衝突只會
// 等待而不參與死鎖偵測。
func (m *Manager) holderOf(resource string) (string, bool) {
	if owner, ok := m.table.holderOf(resource); ok {
		return owner, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.active[resource] {
		if !h.Expired() && !h.Released() {
			return h.Owner, true
		}
	}
	return "", false
}

func (m *Manager) register(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active[h.Resource] == nil {
		m.active[h.Resource] = make(map[string]*Handle)
	}
	m.active[h.Resource][h.ID] = h
}

func (m *Manager) unregister(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := m.active[h.Resource]
	delete(handles, h.ID)
	if len(handles) == 0 {
		delete(m.active, h.Resource)
	}
}

// sweepLoop 定期回收過期的鎖（對抗洩漏的安全網）
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
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

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	var expired []*Handle
	for _, handles := range m.active {
		for _, h := range handles {
			if h.Expired() && !h.Released() {
				expired = append(expired, h)
			}
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		if !h.released.CompareAndSwap(false, true) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if _, err := h.variant.release(ctx, h); err != nil {
			m.logger.Warn("expired lock release failed",
				"resource", h.Resource, "kind", h.Kind.String(), "error", err)
		}
		cancel()
		m.unregister(h)

		m.logger.Warn("reclaimed expired lock",
			"resource", h.Resource, "kind", h.Kind.String(), "owner", h.Owner)
	}
}
