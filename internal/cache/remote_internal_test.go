package cache

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// TestRemoteTier_ConcurrentReconnect 測試重連與命令並發時的客戶端替換。
// 重連會在互斥鎖下換掉 client，同時進行的命令必須透過快照取用，
// 全程不可出現資料競爭。
func TestRemoteTier_ConcurrentReconnect(t *testing.T) {
	// 不可達的位址讓每次操作都走進重連路徑
	r := NewRemoteTierFromOptions(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		ReadTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = r.Close() })
	r.suspect.Store(true)

	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, _, err = r.Get(ctx, "k")
			} else {
				err = r.Set(ctx, "k", []byte("v"), time.Minute)
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.True(t, apperrors.IsConnection(err))
	}
}
