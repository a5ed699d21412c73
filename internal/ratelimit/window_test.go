package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryWindow_CountsAndResets(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := ratelimit.NewMemoryWindow(time.Minute, clk.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, err := w.Allow(ctx, "openai-0", 3); err != nil || !ok {
			t.Fatalf("request %d should be admitted, got (%v, %v)", i, ok, err)
		}
	}
	if ok, _ := w.Allow(ctx, "openai-0", 3); ok {
		t.Fatal("a full window must refuse the request")
	}
	if n, _ := w.Count(ctx, "openai-0"); n != 3 {
		t.Fatalf("refused requests must not count, got %d", n)
	}

	clk.Advance(time.Minute)
	if n, _ := w.Count(ctx, "openai-0"); n != 0 {
		t.Fatalf("expected the window to reset, got %d", n)
	}
	if ok, _ := w.Allow(ctx, "openai-0", 3); !ok {
		t.Fatal("a fresh window should admit")
	}
}

func TestMemoryWindow_KeysAreIndependent(t *testing.T) {
	w := ratelimit.NewMemoryWindow(0, nil)
	ctx := context.Background()

	_, _ = w.Allow(ctx, "a", 0)
	_, _ = w.Allow(ctx, "a", 0)
	_, _ = w.Allow(ctx, "b", 0)

	if n, _ := w.Count(ctx, "a"); n != 2 {
		t.Errorf("expected 2 for a, got %d", n)
	}
	if n, _ := w.Count(ctx, "b"); n != 1 {
		t.Errorf("expected 1 for b, got %d", n)
	}
	if n, _ := w.Count(ctx, "c"); n != 0 {
		t.Errorf("expected 0 for c, got %d", n)
	}
}

// admitConcurrently fires n Allow calls at once and returns how many were
// admitted.
func admitConcurrently(t *testing.T, w ratelimit.Window, n, limit int) int64 {
	t.Helper()
	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		start    = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, _ := w.Allow(context.Background(), "k", limit); ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	return admitted.Load()
}

func TestMemoryWindow_ConcurrentAllowNeverExceedsLimit(t *testing.T) {
	w := ratelimit.NewMemoryWindow(time.Hour, nil)
	if got := admitConcurrently(t, w, 500, 25); got != 25 {
		t.Fatalf("expected exactly 25 admissions, got %d", got)
	}
	if n, _ := w.Count(context.Background(), "k"); n != 25 {
		t.Fatalf("expected count 25, got %d", n)
	}
}

func TestRedisWindow_CountsAndExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	w := ratelimit.NewRedisWindow(rdb, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, err := w.Allow(ctx, "anthropic-1", 3); err != nil || !ok {
			t.Fatalf("request %d should be admitted, got (%v, %v)", i, ok, err)
		}
	}
	if ok, _ := w.Allow(ctx, "anthropic-1", 3); ok {
		t.Fatal("a full window must refuse the request")
	}
	if n, _ := w.Count(ctx, "anthropic-1"); n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}

	mr.FastForward(61 * time.Second)
	if n, _ := w.Count(ctx, "anthropic-1"); n != 0 {
		t.Fatalf("expected window to expire, got %d", n)
	}
	if ok, _ := w.Allow(ctx, "anthropic-1", 3); !ok {
		t.Fatal("an expired window should admit")
	}
}

func TestRedisWindow_ConcurrentAllowNeverExceedsLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	w := ratelimit.NewRedisWindow(rdb, time.Minute)
	if got := admitConcurrently(t, w, 100, 5); got != 5 {
		t.Fatalf("expected exactly 5 admissions, got %d", got)
	}
}

func TestRedisWindow_DegradesWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	w := ratelimit.NewRedisWindow(rdb, time.Minute)
	ok, err := w.Allow(context.Background(), "x", 1)
	if err != nil || !ok {
		t.Fatalf("expected (true, nil) when redis is down, got (%v, %v)", ok, err)
	}
	n, err := w.Count(context.Background(), "x")
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil) when redis is down, got (%d, %v)", n, err)
	}
}
