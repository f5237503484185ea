// Package config 提供快取與鎖子系統的配置載入
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個子系統的配置
type Config struct {
	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Cache struct {
		MaxLocalEntries      int           `yaml:"max_local_entries"`     // 本地層淘汰門檻
		CleanupInterval      time.Duration `yaml:"cleanup_interval"`      // 過期清掃頻率
		DefaultTTL           time.Duration `yaml:"default_ttl"`           // 未指定時的過期時間
		CompressionThreshold int           `yaml:"compression_threshold"` // 嘗試壓縮的最小位元組數
		KeyPrefix            string        `yaml:"key_prefix"`
		KeyVersion           string        `yaml:"key_version"`
		KeyNamespace         string        `yaml:"key_namespace"`
		KeyMaxLength         int           `yaml:"key_max_length"`
	} `yaml:"cache"`

	Lock struct {
		DefaultTimeout time.Duration `yaml:"default_timeout"` // 預設鎖等待超時
		RetryCount     int           `yaml:"retry_count"`     // 遠端層暫時性失敗的重試次數
		RetryDelay     time.Duration `yaml:"retry_delay"`     // 重試間隔
		PollInterval   time.Duration `yaml:"poll_interval"`   // 鎖等待輪詢間隔
		SweepInterval  time.Duration `yaml:"sweep_interval"`  // 過期鎖清掃頻率
		MaxGraphDepth  int           `yaml:"max_graph_depth"` // 死鎖偵測 DFS 深度上限
	} `yaml:"lock"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// Load 載入配置檔案並套用環境變數覆蓋
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 是啟動參數指定的配置檔案路徑
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// 環境變數覆蓋（生產環境常用）
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回帶預設值的配置
func Default() *Config {
	cfg := &Config{}

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Cache.MaxLocalEntries = 10000
	cfg.Cache.CleanupInterval = time.Minute
	cfg.Cache.DefaultTTL = 5 * time.Minute
	cfg.Cache.CompressionThreshold = 1024
	cfg.Cache.KeyPrefix = "cache"
	cfg.Cache.KeyVersion = "v1"
	cfg.Cache.KeyMaxLength = 200

	cfg.Lock.DefaultTimeout = 30 * time.Second
	cfg.Lock.RetryCount = 3
	cfg.Lock.RetryDelay = 100 * time.Millisecond
	cfg.Lock.PollInterval = 50 * time.Millisecond
	cfg.Lock.SweepInterval = 10 * time.Second
	cfg.Lock.MaxGraphDepth = 128

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// Validate 驗證配置合法性
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr must not be empty")
	}
	if c.Cache.MaxLocalEntries <= 0 {
		return fmt.Errorf("cache max_local_entries must be positive, got %d", c.Cache.MaxLocalEntries)
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache cleanup_interval must be positive")
	}
	if c.Cache.KeyMaxLength < 64 {
		return fmt.Errorf("cache key_max_length must be at least 64, got %d", c.Cache.KeyMaxLength)
	}
	if c.Lock.DefaultTimeout <= 0 {
		return fmt.Errorf("lock default_timeout must be positive")
	}
	if c.Lock.PollInterval <= 0 {
		return fmt.Errorf("lock poll_interval must be positive")
	}
	if c.Lock.MaxGraphDepth <= 0 {
		return fmt.Errorf("lock max_graph_depth must be positive")
	}
	return nil
}
