//go:build integration
// +build integration

package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestCache(ctx context.Context, t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		if err != nil {
			t.Fatalf("failed to start redis container: %s", err)
		}
		t.Cleanup(func() { redisContainer.Terminate(ctx) })
		addr, err = redisContainer.Endpoint(ctx, "")
		if err != nil {
			t.Fatalf("failed to get redis endpoint: %s", err)
		}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return New(client)
}

func TestCacheIntegration(t *testing.T) {
	ctx := context.Background()
	c := setupTestCache(ctx, t)

	t.Run("GetSetRoundTrip", func(t *testing.T) {
		if _, err := c.Get(ctx, "missing"); err != ErrNotFound {
			t.Errorf("get missing err = %v, want ErrNotFound", err)
		}
		if err := c.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
			t.Fatalf("set failed: %s", err)
		}
		v, err := c.Get(ctx, "k1")
		if err != nil || string(v) != "v1" {
			t.Errorf("get = %s, %v", v, err)
		}
		if err := c.Delete(ctx, "k1"); err != nil {
			t.Fatalf("delete failed: %s", err)
		}
		if _, err := c.Get(ctx, "k1"); err != ErrNotFound {
			t.Errorf("get after delete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("SetIfAbsentWinsOnce", func(t *testing.T) {
		const contenders = 10
		var wg sync.WaitGroup
		wins := make(chan int, contenders)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				created, err := c.SetIfAbsent(ctx, "race", []byte{byte(n)}, time.Minute)
				if err != nil {
					t.Errorf("setifabsent failed: %s", err)
					return
				}
				if created {
					wins <- n
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		count := 0
		for range wins {
			count++
		}
		if count != 1 {
			t.Errorf("winners = %d, want exactly 1", count)
		}
	})

	t.Run("SetIfAbsentExpires", func(t *testing.T) {
		created, err := c.SetIfAbsent(ctx, "short", []byte("x"), 300*time.Millisecond)
		if err != nil || !created {
			t.Fatalf("setifabsent: created=%v err=%v", created, err)
		}
		time.Sleep(500 * time.Millisecond)
		created, err = c.SetIfAbsent(ctx, "short", []byte("y"), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !created {
			t.Error("expired marker blocked a new claim")
		}
	})

	t.Run("LockMutualExclusion", func(t *testing.T) {
		a := NewLock(c, "test-lock", "holder-a", time.Minute)
		b := NewLock(c, "test-lock", "holder-b", time.Minute)

		held, err := a.Acquire(ctx)
		if err != nil || !held {
			t.Fatalf("acquire a: held=%v err=%v", held, err)
		}
		held, err = b.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if held {
			t.Error("both holders acquired the lock")
		}

		// Re-acquire by the current holder is idempotent.
		held, err = a.Acquire(ctx)
		if err != nil || !held {
			t.Errorf("re-acquire by holder: held=%v err=%v", held, err)
		}

		if err := a.Release(ctx); err != nil {
			t.Fatalf("release failed: %s", err)
		}
		held, err = b.Acquire(ctx)
		if err != nil || !held {
			t.Errorf("acquire after release: held=%v err=%v", held, err)
		}
		b.Release(ctx)
	})

	t.Run("LockRenewOnlyByHolder", func(t *testing.T) {
		a := NewLock(c, "renew-lock", "holder-a", time.Minute)
		b := NewLock(c, "renew-lock", "holder-b", time.Minute)

		if held, _ := a.Acquire(ctx); !held {
			t.Fatal("acquire failed")
		}
		renewed, err := a.Renew(ctx)
		if err != nil || !renewed {
			t.Errorf("holder renew: renewed=%v err=%v", renewed, err)
		}
		renewed, err = b.Renew(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if renewed {
			t.Error("non-holder renewed the lock")
		}
		a.Release(ctx)
	})

	t.Run("ReleaseOnlyByHolder", func(t *testing.T) {
		a := NewLock(c, "rel-lock", "holder-a", time.Minute)
		b := NewLock(c, "rel-lock", "holder-b", time.Minute)

		if held, _ := a.Acquire(ctx); !held {
			t.Fatal("acquire failed")
		}
		// Non-holder release must not free the lock.
		if err := b.Release(ctx); err != nil {
			t.Fatalf("release failed: %s", err)
		}
		if held, _ := b.Acquire(ctx); held {
			t.Error("lock freed by non-holder release")
		}
		a.Release(ctx)
	})

	t.Run("LockExpiry", func(t *testing.T) {
		a := NewLock(c, "exp-lock", "holder-a", 300*time.Millisecond)
		b := NewLock(c, "exp-lock", "holder-b", time.Minute)

		if held, _ := a.Acquire(ctx); !held {
			t.Fatal("acquire failed")
		}
		time.Sleep(500 * time.Millisecond)
		held, err := b.Acquire(ctx)
		if err != nil || !held {
			t.Errorf("acquire after expiry: held=%v err=%v", held, err)
		}
		b.Release(ctx)
	})
}
