package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStoreTimeout = 500 * time.Millisecond
	storeKeyPrefix      = "gateway:cache:"
)

// RedisStore is the Redis-backed L2 tier for exact entries, shared across
// gateway replicas.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, nil) on connection errors.
//   - Set returns nil even on error.
//   - Delete returns the underlying error so callers can log it.
//
// Get returns an *IntegrityError when a stored record cannot be decoded.
type RedisStore struct {
	client       redis.UniversalClient
	queryTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// NewRedisStore wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisStore(client redis.UniversalClient, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{client: client, queryTimeout: defaultStoreTimeout, log: log, now: time.Now}
}

// NewRedisStoreFromURL parses redisURL, verifies the connection with a PING
// and returns a RedisStore that owns its client.
func NewRedisStoreFromURL(ctx context.Context, redisURL string, log *slog.Logger) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisStore(cli, log), nil
}

// record is the stored form of an Entry.
type record struct {
	Key       string    `json:"key"`
	Prompt    string    `json:"prompt"`
	Content   string    `json:"content"`
	Checksum  string    `json:"checksum"`
	Embedding []float32 `json:"embedding,omitempty"`
	Context   Context   `json:"context"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Created   time.Time `json:"created"`
	TTLMillis int64     `json:"ttl_ms"`
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, storeKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WarnContext(ctx, "cache_l2_get_error",
				slog.String("key", shortKey(key)),
				slog.String("error", err.Error()),
			)
		}
		return nil, nil
	}

	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &IntegrityError{Key: key, Reason: "undecodable record", Err: err}
	}
	if r.Key != key {
		return nil, &IntegrityError{Key: key, Reason: "key mismatch"}
	}

	e := &Entry{
		Key:       r.Key,
		Prompt:    r.Prompt,
		Content:   r.Content,
		Checksum:  r.Checksum,
		Embedding: r.Embedding,
		Context:   r.Context,
		Provider:  r.Provider,
		Model:     r.Model,
		Created:   r.Created,
		TTL:       time.Duration(r.TTLMillis) * time.Millisecond,
	}
	e.lastAccess.Store(r.Created.UnixNano())
	return e, nil
}

// Set stores e until its expiry.
func (s *RedisStore) Set(ctx context.Context, e *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	remaining := e.Created.Add(e.TTL).Sub(s.now())
	if remaining <= 0 {
		return nil
	}

	raw, err := json.Marshal(record{
		Key:       e.Key,
		Prompt:    e.Prompt,
		Content:   e.Content,
		Checksum:  e.Checksum,
		Embedding: e.Embedding,
		Context:   e.Context,
		Provider:  e.Provider,
		Model:     e.Model,
		Created:   e.Created,
		TTLMillis: e.TTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	if err := s.client.Set(ctx, storeKeyPrefix+e.Key, raw, remaining).Err(); err != nil {
		s.log.WarnContext(ctx, "cache_l2_set_error",
			slog.String("key", shortKey(e.Key)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, storeKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", shortKey(key), err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
