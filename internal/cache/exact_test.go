package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestStore starts a miniredis server and returns a RedisStore backed by
// it.
func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStore_Miss(t *testing.T) {
	s, _ := newTestStore(t)

	e, err := s.Get(context.Background(), "nonexistent-key")
	if err != nil || e != nil {
		t.Fatalf("expected (nil, nil) on miss, got (%v, %v)", e, err)
	}
}

func TestRedisStore_RoundTripWithExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	in := newEntry("k1", "prompt", "content", []float32{0.6, 0.8}, Metadata{Context: classifierFree, Provider: "openai", Model: "gpt-4o-mini"}, now, time.Hour)
	if err := s.Set(ctx, in); err != nil {
		t.Fatalf("Set: %v", err)
	}

	out, err := s.Get(ctx, "k1")
	if err != nil || out == nil {
		t.Fatalf("expected hit, got (%v, %v)", out, err)
	}
	if out.Content != "content" || out.Context != classifierFree || out.Model != "gpt-4o-mini" || out.TTL != time.Hour {
		t.Errorf("unexpected entry %+v", out)
	}
	if err := out.verify(); err != nil {
		t.Errorf("checksum should survive the round trip: %v", err)
	}

	if ttl := mr.TTL(storeKeyPrefix + "k1"); ttl <= 0 || ttl > time.Hour {
		t.Errorf("expected redis expiry within the entry lifetime, got %v", ttl)
	}
}

func TestRedisStore_UndecodableRecord(t *testing.T) {
	s, mr := newTestStore(t)
	_ = mr.Set(storeKeyPrefix+"bad", "{not json")

	_, err := s.Get(context.Background(), "bad")
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *IntegrityError, got %v", err)
	}
}

func TestRedisStore_DegradesWhenDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(rdb, nil)
	mr.Close()

	ctx := context.Background()
	if e, err := s.Get(ctx, "k"); e != nil || err != nil {
		t.Errorf("expected (nil, nil) when redis is down, got (%v, %v)", e, err)
	}
	if err := s.Set(ctx, newEntry("k", "p", "c", nil, Metadata{}, time.Now(), time.Minute)); err != nil {
		t.Errorf("Set should degrade silently, got %v", err)
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("Ping should report the outage")
	}
}

func TestSemanticCache_L2SharedAcrossReplicas(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := New(Options{Store: s})
	b := New(Options{Store: s})

	if err := a.Set(ctx, "shared prompt", "shared answer", Metadata{Context: classifierFree}); err != nil {
		t.Fatal(err)
	}

	res := b.Get(ctx, "shared prompt", classifierFree)
	if !res.Hit || res.Type != MatchExact || res.Content != "shared answer" {
		t.Fatalf("expected exact hit through the shared store, got %+v", res)
	}
	if b.Len() != 1 {
		t.Error("an L2 hit should be promoted into memory")
	}
	if err := b.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSemanticCache_L2IntegrityIsMiss(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := Key("prompt", classifierFree)
	_ = mr.Set(storeKeyPrefix+key, "garbage")

	c := New(Options{Store: s})
	if res := c.Get(ctx, "prompt", classifierFree); res.Hit {
		t.Fatalf("corrupt L2 record should read as a miss, got %+v", res)
	}
	if c.Stats().IntegrityErrors != 1 {
		t.Errorf("expected 1 integrity error, got %d", c.Stats().IntegrityErrors)
	}
	if mr.Exists(storeKeyPrefix + key) {
		t.Error("corrupt record should be deleted")
	}
}
