package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// releaseScript 只允許鎖的持有者刪除鎖鍵
//
// get 與 del 必須在同一個 Lua 腳本內執行，
// 否則比較與刪除之間鎖可能已易主。
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
else
    return 0
end
`)

// RemoteTier 遠端快取層
//
// 封裝對網路鍵值服務（Redis）的存取。連線被標記為可疑時，
// 操作前先以 ping 驗證存活；失敗時透明地重連一次，
// 再失敗才回報連線錯誤。所有失敗都會計數，不會被吞掉。
type RemoteTier struct {
	mu      sync.Mutex // 保護 client 重建
	client  *redis.Client
	opts    *redis.Options
	suspect atomic.Bool // 上次操作失敗，下次操作前需驗證存活

	stats    *Stats
	cmdStats *commandStats
	logger   *slog.Logger
}

// commandStats 各命令的呼叫與錯誤計數
type commandStats struct {
	mu     sync.Mutex
	calls  map[string]int64
	errors map[string]int64
}

func newCommandStats() *commandStats {
	return &commandStats{
		calls:  make(map[string]int64),
		errors: make(map[string]int64),
	}
}

func (cs *commandStats) record(cmd string, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.calls[cmd]++
	if err != nil {
		cs.errors[cmd]++
	}
}

// snapshot 返回 (呼叫數, 錯誤數) 的複本
func (cs *commandStats) snapshot() (map[string]int64, map[string]int64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	calls := make(map[string]int64, len(cs.calls))
	for k, v := range cs.calls {
		calls[k] = v
	}
	errs := make(map[string]int64, len(cs.errors))
	for k, v := range cs.errors {
		errs[k] = v
	}
	return calls, errs
}

// NewRemoteTier 以現有客戶端建立遠端層（測試時常用）
func NewRemoteTier(client *redis.Client, logger *slog.Logger) *RemoteTier {
	return &RemoteTier{
		client:   client,
		opts:     client.Options(),
		stats:    NewStats(),
		cmdStats: newCommandStats(),
		logger:   logger,
	}
}

// NewRemoteTierFromOptions 依連線選項建立遠端層
func NewRemoteTierFromOptions(opts *redis.Options, logger *slog.Logger) *RemoteTier {
	return NewRemoteTier(redis.NewClient(opts), logger)
}

// conn 在互斥鎖下快照目前的客戶端
//
// 重連會替換 client，任何命令都必須透過快照取用，
// 不可直接讀欄位。
func (r *RemoteTier) conn() *redis.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// ensureAlive 操作前的存活檢查
//
// 只有在連線可疑時才付出 ping 的成本；ping 失敗時
// 重建一次客戶端再試，仍失敗則回報連線錯誤。
func (r *RemoteTier) ensureAlive(ctx context.Context) error {
	if !r.suspect.Load() {
		return nil
	}

	if err := r.conn().Ping(ctx).Err(); err == nil {
		r.suspect.Store(false)
		return nil
	}

	r.mu.Lock()
	_ = r.client.Close()
	r.client = redis.NewClient(r.opts)
	client := r.client
	r.mu.Unlock()

	if err := client.Ping(ctx).Err(); err != nil {
		r.stats.Error()
		return apperrors.Wrap(err, apperrors.ErrCodeConnection, "remote tier reconnect failed")
	}

	r.suspect.Store(false)
	if r.logger != nil {
		r.logger.Info("remote tier reconnected", "addr", r.opts.Addr)
	}
	return nil
}

// finish 統一的命令收尾：計數並轉換錯誤
func (r *RemoteTier) finish(cmd string, err error) error {
	r.cmdStats.record(cmd, err)
	if err == nil {
		return nil
	}

	r.stats.Error()
	r.suspect.Store(true)
	return apperrors.Wrap(err, apperrors.ErrCodeConnection, "remote "+cmd+" failed")
}

// Get 取得快取值
func (r *RemoteTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return nil, false, err
	}

	data, err := r.conn().Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.cmdStats.record("get", nil)
		r.stats.Miss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, r.finish("get", err)
	}

	r.cmdStats.record("get", nil)
	r.stats.Hit()
	return data, true, nil
}

// Set 設定快取值；ttl <= 0 表示永不過期
func (r *RemoteTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.ensureAlive(ctx); err != nil {
		return err
	}

	if ttl < 0 {
		ttl = 0
	}
	return r.finish("set", r.conn().Set(ctx, key, value, ttl).Err())
}

// Delete 刪除鍵，返回是否存在
func (r *RemoteTier) Delete(ctx context.Context, key string) (bool, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return false, err
	}

	n, err := r.conn().Del(ctx, key).Result()
	if err != nil {
		return false, r.finish("del", err)
	}
	r.cmdStats.record("del", nil)
	return n > 0, nil
}

// Exists 檢查鍵是否存在
func (r *RemoteTier) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return false, err
	}

	n, err := r.conn().Exists(ctx, key).Result()
	if err != nil {
		return false, r.finish("exists", err)
	}
	r.cmdStats.record("exists", nil)
	return n > 0, nil
}

// GetMany 以 pipeline 批量取得，結果只包含命中的鍵
func (r *RemoteTier) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return nil, err
	}

	pipe := r.conn().Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, r.finish("mget", err)
	}
	r.cmdStats.record("mget", nil)

	result := make(map[string][]byte, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			r.stats.Miss()
			continue
		}
		if err != nil {
			r.stats.Error()
			continue
		}
		r.stats.Hit()
		result[keys[i]] = data
	}
	return result, nil
}

// SetMany 以 pipeline 批量設定
func (r *RemoteTier) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if err := r.ensureAlive(ctx); err != nil {
		return err
	}

	if ttl < 0 {
		ttl = 0
	}

	pipe := r.conn().Pipeline()
	for key, value := range items {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return r.finish("mset", err)
}

// DeleteMany 批量刪除，返回實際刪除的數量
func (r *RemoteTier) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := r.conn().Del(ctx, keys...).Result()
	if err != nil {
		return 0, r.finish("del", err)
	}
	r.cmdStats.record("del", nil)
	return int(n), nil
}

// Increment 原子增加
func (r *RemoteTier) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return 0, err
	}

	val, err := r.conn().IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, r.finish("incrby", err)
	}
	r.cmdStats.record("incrby", nil)
	return val, nil
}

// Decrement 原子減少
func (r *RemoteTier) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return 0, err
	}

	val, err := r.conn().DecrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, r.finish("decrby", err)
	}
	r.cmdStats.record("decrby", nil)
	return val, nil
}

// Expire 更新鍵的過期時間
func (r *RemoteTier) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return false, err
	}

	ok, err := r.conn().Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, r.finish("expire", err)
	}
	r.cmdStats.record("expire", nil)
	return ok, nil
}

// TTL 返回鍵的剩餘存活時間
//
// 返回值：(剩餘時間, 是否存在)；永不過期時剩餘時間為 -1。
func (r *RemoteTier) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return 0, false, err
	}

	d, err := r.conn().TTL(ctx, key).Result()
	if err != nil {
		return 0, false, r.finish("ttl", err)
	}
	r.cmdStats.record("ttl", nil)

	// go-redis 把 Redis 的 -2（不存在）與 -1（永不過期）
	// 原樣保留為 Duration(-2) / Duration(-1)，不乘秒數
	switch d {
	case time.Duration(-2):
		return 0, false, nil
	case time.Duration(-1):
		return -1, true, nil
	default:
		return d, true, nil
	}
}

// ScanKeys 以 glob 模式掃描鍵
func (r *RemoteTier) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return nil, err
	}

	var keys []string
	iter := r.conn().Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, r.finish("scan", err)
	}
	r.cmdStats.record("scan", nil)
	return keys, nil
}

// Acquire 互斥原語：條件式 set-if-absent 加過期時間
//
// 分散式鎖的建構基礎。owner 用於確保只有持有者能釋放。
func (r *RemoteTier) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return false, err
	}

	ok, err := r.conn().SetNX(ctx, name, owner, ttl).Result()
	if err != nil {
		return false, r.finish("setnx", err)
	}
	r.cmdStats.record("setnx", nil)
	return ok, nil
}

// Release 釋放互斥原語，只有 owner 相符時才會刪除
func (r *RemoteTier) Release(ctx context.Context, name, owner string) (bool, error) {
	if err := r.ensureAlive(ctx); err != nil {
		return false, err
	}

	n, err := releaseScript.Run(ctx, r.conn(), []string{name}, owner).Int()
	if err != nil {
		return false, r.finish("release", err)
	}
	r.cmdStats.record("release", nil)
	return n > 0, nil
}

// Ping 檢查遠端服務存活
func (r *RemoteTier) Ping(ctx context.Context) error {
	return r.finish("ping", r.conn().Ping(ctx).Err())
}

// Client 返回底層客戶端，供需要執行腳本的元件使用
func (r *RemoteTier) Client() *redis.Client {
	return r.conn()
}

// Stats 返回統計快照
func (r *RemoteTier) Stats() Snapshot {
	return r.stats.Snapshot()
}

// CommandStats 返回各命令的 (呼叫數, 錯誤數)
func (r *RemoteTier) CommandStats() (map[string]int64, map[string]int64) {
	return r.cmdStats.snapshot()
}

// Close 關閉連線
func (r *RemoteTier) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Close()
}
