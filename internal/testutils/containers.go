// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件管理測試容器（testcontainers），目前只有 Redis；
// 容器在測試結束時自動清理。需要真實 Redis 的整合測試
// 透過 SetupTestEnvironment 取得連線，無 Docker 環境時
// 以 SKIP_INTEGRATION 跳過。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	RedisClient    *redis.Client
	RedisContainer tc.Container
	RedisAddr      string
	Logger         *slog.Logger
	ctx            context.Context
	t              testing.TB
}

// SetupTestEnvironment 設置完整的測試環境
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupTestEnvironment(t)
//	    // 使用 env.RedisClient
//	}
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set, skipping container tests")
	}

	ctx := context.Background()
	env := &TestEnvironment{
		ctx: ctx,
		t:   t,
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn, // 測試時減少日誌噪音
		})),
	}

	env.setupRedis(t)

	t.Cleanup(func() {
		env.Cleanup()
	})

	return env
}

// setupRedis 啟動 Redis 測試容器
func (env *TestEnvironment) setupRedis(t testing.TB) {
	t.Helper()

	ctx := env.ctx

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	env.RedisContainer = redisContainer

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// 驗證連接
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// Cleanup 清理測試環境
func (env *TestEnvironment) Cleanup() {
	ctx := context.Background()

	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}

	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
	}
}

// FlushRedis 清空 Redis 資料（用於測試之間的清理）
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	ctx := context.Background()
	if err := env.RedisClient.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// WaitForRedis 等待 Redis 就緒
func (env *TestEnvironment) WaitForRedis(t testing.TB, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatal("timeout waiting for redis")
		case <-ticker.C:
			if err := env.RedisClient.Ping(ctx).Err(); err == nil {
				return
			}
		}
	}
}
