package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/tiered-cache/internal/cache"
	"github.com/koopa0/tiered-cache/internal/config"
	"github.com/koopa0/tiered-cache/internal/lock"
	"github.com/koopa0/tiered-cache/internal/serializer"
	"github.com/koopa0/tiered-cache/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔案路徑")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// 沒有配置檔案時以預設值啟動
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Default()

	ctx := context.Background()

	// 連接 Redis；連不上時降級為純本地模式而非拒絕啟動
	var remote *cache.RemoteTier
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, starting in local-only mode",
			"addr", cfg.Redis.Addr, "error", err)
		_ = redisClient.Close()
	} else {
		remote = cache.NewRemoteTier(redisClient, log)
		log.Info("connected to redis", "addr", cfg.Redis.Addr)
	}
	cancel()

	// 本地層的過期清掃透過回呼轉發過期事件；
	// 協調器尚未建立，以間接層解開建構順序
	var tiered *cache.TieredCache
	local := cache.NewMemoryTier(cache.MemoryConfig{
		MaxEntries:    cfg.Cache.MaxLocalEntries,
		SweepInterval: cfg.Cache.CleanupInterval,
		OnExpire: func(keys []string) {
			if tiered != nil {
				tiered.EmitExpire(keys)
			}
		},
	}, log)

	keyOpts := []cache.KeyOption{cache.WithMaxLength(cfg.Cache.KeyMaxLength)}
	if cfg.Cache.KeyNamespace != "" {
		keyOpts = append(keyOpts, cache.WithNamespace(cfg.Cache.KeyNamespace))
	}
	keys := cache.NewKeyBuilder(cfg.Cache.KeyPrefix, cfg.Cache.KeyVersion, keyOpts...)

	codec := serializer.NewCompress(serializer.NewMsgpack(), cfg.Cache.CompressionThreshold)

	tiered = cache.NewTieredCache(local, remote, keys, codec, cache.TieredConfig{
		DefaultTTL: cfg.Cache.DefaultTTL,
	}, log)

	locks := lock.NewManager(remote, lock.Config{
		DefaultTimeout: cfg.Lock.DefaultTimeout,
		RetryCount:     cfg.Lock.RetryCount,
		RetryDelay:     cfg.Lock.RetryDelay,
		PollInterval:   cfg.Lock.PollInterval,
		SweepInterval:  cfg.Lock.SweepInterval,
		MaxGraphDepth:  cfg.Lock.MaxGraphDepth,
	}, log)

	log.Info("cache subsystem started",
		"local_max_entries", cfg.Cache.MaxLocalEntries,
		"default_ttl", cfg.Cache.DefaultTTL,
		"remote", remote != nil)

	// 定期輸出統計快照
	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-statsDone:
				return
			case <-ticker.C:
				reportStats(tiered, locks, log)
			}
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	log.Info("shutdown signal received", "signal", sig.String())

	close(statsDone)
	locks.Close()
	if err := tiered.Close(); err != nil {
		log.Error("failed to close cache", "error", err)
	}

	log.Info("cache subsystem stopped")
}

// reportStats 輸出各層統計
func reportStats(tiered *cache.TieredCache, locks *lock.Manager, log *slog.Logger) {
	localSnap := tiered.LocalStats()
	log.Info("local tier stats",
		"hits", localSnap.Hits,
		"misses", localSnap.Misses,
		"evictions", localSnap.Evictions,
		"hit_rate", fmt.Sprintf("%.2f", localSnap.HitRate))

	if remoteSnap, ok := tiered.RemoteStats(); ok {
		log.Info("remote tier stats",
			"hits", remoteSnap.Hits,
			"misses", remoteSnap.Misses,
			"errors", remoteSnap.Errors)
	}

	log.Info("active locks", "count", len(locks.ActiveLocks()))
}
