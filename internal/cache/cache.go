// Package cache is the gateway's response cache.
//
// Entries are indexed two ways: by exact key (SHA-256 of the normalized
// prompt plus agent, tier and flow id) and by embedding for semantic
// lookup. An optional Store (Redis) backs the exact index so replicas share
// entries.
//
// The cache never fails a request: backend errors and integrity problems
// are logged and read as misses.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

// Store is a shared tier for exact entries. Get returns (nil, nil) on a
// miss and an *IntegrityError for a corrupt record.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

const (
	DefaultMaxSize             = 10_000
	DefaultSimilarityThreshold = 0.85
	DefaultSweepInterval       = time.Minute
)

// MatchType says how a lookup was answered.
type MatchType string

const (
	MatchNone     MatchType = ""
	MatchExact    MatchType = "exact"
	MatchSemantic MatchType = "semantic"
)

// Result is the outcome of Get.
type Result struct {
	Hit        bool
	Type       MatchType
	Content    string
	Similarity float64
	Key        string
	Provider   string
	Model      string
}

// Metadata describes the response being stored.
type Metadata struct {
	Context
	Provider string
	Model    string
	// Economy stretches the TTL while the cost optimizer is in economy mode.
	Economy bool
}

// Options configures a SemanticCache. Zero values use the defaults.
type Options struct {
	MaxSize             int
	SimilarityThreshold float64
	TTL                 TTLPolicy
	SweepInterval       time.Duration

	Embedder Embedder
	Store    Store
	Bypass   *BypassList

	Bus     *events.Bus
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Now     func() time.Time
}

// SemanticCache is safe for concurrent use. Lookups share a read lock;
// inserts, eviction and sweeps take the write lock.
type SemanticCache struct {
	maxSize   int
	threshold float64
	ttl       TTLPolicy
	sweepIvl  time.Duration
	embedder  Embedder
	store     Store
	bypass    *BypassList
	bus       *events.Bus
	metrics   *metrics.Registry
	log       *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry

	stats counters

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type counters struct {
	exactHits, semanticHits, misses, bypassed atomic.Uint64
	sets, evicted, expired, integrity         atomic.Uint64
}

// New returns an empty cache. Call StartSweeper to run background expiry.
func New(opts Options) *SemanticCache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Embedder == nil {
		opts.Embedder = HashEmbedder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SemanticCache{
		maxSize:   opts.MaxSize,
		threshold: opts.SimilarityThreshold,
		ttl:       opts.TTL.withDefaults(),
		sweepIvl:  opts.SweepInterval,
		embedder:  opts.Embedder,
		store:     opts.Store,
		bypass:    opts.Bypass,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
		entries:   make(map[string]*Entry),
		done:      make(chan struct{}),
	}
}

// Bypassed reports whether agent is configured to skip the cache.
func (c *SemanticCache) Bypassed(agent string) bool { return c.bypass.Matches(agent) }

// Get looks prompt up: exact in memory, then the shared store, then a
// semantic scan. Expired entries are never returned.
func (c *SemanticCache) Get(ctx context.Context, prompt string, rc Context) Result {
	if c.bypass.Matches(rc.Agent) {
		c.stats.bypassed.Add(1)
		c.metrics.CacheLookup("bypass")
		return Result{}
	}

	key := Key(prompt, rc)
	now := c.now()

	if res, ok := c.getExact(key, now); ok {
		return c.hit(res)
	}
	if res, ok := c.getStore(ctx, key, now); ok {
		return c.hit(res)
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		c.log.WarnContext(ctx, "cache_embed_error", slog.String("error", err.Error()))
		return c.miss()
	}
	if res, ok := c.getSemantic(vec, rc, now); ok {
		return c.hit(res)
	}
	return c.miss()
}

func (c *SemanticCache) hit(r Result) Result {
	if r.Type == MatchExact {
		c.stats.exactHits.Add(1)
	} else {
		c.stats.semanticHits.Add(1)
	}
	c.metrics.CacheLookup(string(r.Type))
	return r
}

func (c *SemanticCache) miss() Result {
	c.stats.misses.Add(1)
	c.metrics.CacheLookup("miss")
	return Result{}
}

func (c *SemanticCache) getExact(key string, now time.Time) (Result, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.Expired(now) {
		return Result{}, false
	}
	if err := e.verify(); err != nil {
		c.dropCorrupt(e, err)
		return Result{}, false
	}
	e.touch(now)
	return Result{Hit: true, Type: MatchExact, Content: e.Content, Similarity: 1, Key: key, Provider: e.Provider, Model: e.Model}, true
}

// getStore consults the shared tier and promotes a hit into memory.
func (c *SemanticCache) getStore(ctx context.Context, key string, now time.Time) (Result, bool) {
	if c.store == nil {
		return Result{}, false
	}
	e, err := c.store.Get(ctx, key)
	if err == nil && e != nil {
		err = e.verify()
	}
	if err != nil {
		c.stats.integrity.Add(1)
		c.metrics.CacheEvicted("integrity", 1)
		c.log.WarnContext(ctx, "cache_integrity_error", slog.String("error", err.Error()))
		_ = c.store.Delete(ctx, key)
		return Result{}, false
	}
	if e == nil || e.Expired(now) {
		return Result{}, false
	}
	e.touch(now)
	c.insert(e)
	return Result{Hit: true, Type: MatchExact, Content: e.Content, Similarity: 1, Key: key, Provider: e.Provider, Model: e.Model}, true
}

func (c *SemanticCache) getSemantic(vec []float32, rc Context, now time.Time) (Result, bool) {
	var (
		best    *Entry
		bestSim float64
	)
	c.mu.RLock()
	for _, e := range c.entries {
		if e.Expired(now) || now.Sub(e.Created) >= c.ttl.Semantic || !e.Context.matches(rc) {
			continue
		}
		sim := Cosine(vec, e.Embedding)
		if sim >= c.threshold && sim > bestSim {
			best, bestSim = e, sim
		}
	}
	c.mu.RUnlock()

	if best == nil {
		return Result{}, false
	}
	if err := best.verify(); err != nil {
		c.dropCorrupt(best, err)
		return Result{}, false
	}
	best.touch(now)
	return Result{Hit: true, Type: MatchSemantic, Content: best.Content, Similarity: bestSim, Key: best.Key, Provider: best.Provider, Model: best.Model}, true
}

func (c *SemanticCache) dropCorrupt(e *Entry, err error) {
	c.mu.Lock()
	if cur, ok := c.entries[e.Key]; ok && cur == e {
		delete(c.entries, e.Key)
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.stats.integrity.Add(1)
	c.metrics.CacheEvicted("integrity", 1)
	c.metrics.SetCacheEntries(n)
	c.log.Warn("cache_integrity_error", slog.String("error", err.Error()))

	if c.store != nil {
		_ = c.store.Delete(context.Background(), e.Key)
	}
}

// Set stores content for prompt. Bypassed agents are ignored. The write
// goes to memory under both indices and through to the shared store.
func (c *SemanticCache) Set(ctx context.Context, prompt, content string, md Metadata) error {
	if c.bypass.Matches(md.Agent) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		// Still usable for exact hits.
		c.log.WarnContext(ctx, "cache_embed_error", slog.String("error", err.Error()))
		vec = nil
	}

	now := c.now()
	e := newEntry(Key(prompt, md.Context), prompt, content, vec, md, now, c.ttl.For(md))
	c.insert(e)
	c.stats.sets.Add(1)

	if c.store != nil {
		if err := c.store.Set(ctx, e); err != nil {
			c.log.WarnContext(ctx, "cache_l2_encode_error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// insert adds e, evicting first when the cache is full.
func (c *SemanticCache) insert(e *Entry) {
	c.mu.Lock()
	evicted := 0
	if _, exists := c.entries[e.Key]; !exists && len(c.entries) >= c.maxSize {
		evicted = c.evictLocked(c.now())
	}
	c.entries[e.Key] = e
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCacheEntries(n)
	if evicted > 0 {
		c.stats.evicted.Add(uint64(evicted))
		c.metrics.CacheEvicted("capacity", evicted)
		c.bus.Emit(events.CacheEviction, "", map[string]any{"evicted": evicted, "size": n})
	}
}

// evictLocked removes the lowest-scoring tenth of the entries, at least one.
// Caller holds c.mu for writing.
func (c *SemanticCache) evictLocked(now time.Time) int {
	type scored struct {
		key   string
		score float64
	}
	all := make([]scored, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, scored{key: k, score: score(e, now)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })

	n := len(all) / 10
	if n < 1 {
		n = 1
	}
	if n > len(all) {
		n = len(all)
	}
	for _, s := range all[:n] {
		delete(c.entries, s.key)
	}
	return n
}

// Sweep removes expired entries and returns how many were dropped.
func (c *SemanticCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.stats.expired.Add(uint64(removed))
		c.metrics.CacheEvicted("expired", removed)
		c.metrics.SetCacheEntries(n)
	}
	return removed
}

// StartSweeper runs Sweep every SweepInterval until ctx is cancelled or
// Close is called.
func (c *SemanticCache) StartSweeper(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweepIvl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.log.Debug("cache_sweep", slog.Int("removed", n))
				}
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
}

// Close stops the sweeper and waits for it to exit.
func (c *SemanticCache) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
	})
	c.wg.Wait()
}

func (c *SemanticCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Ping checks the shared store. Without one it always succeeds.
func (c *SemanticCache) Ping(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Ping(ctx)
}

// HasStore reports whether a shared tier is configured.
func (c *SemanticCache) HasStore() bool { return c.store != nil }

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries         int     `json:"entries"`
	MaxSize         int     `json:"max_size"`
	ExactHits       uint64  `json:"exact_hits"`
	SemanticHits    uint64  `json:"semantic_hits"`
	Misses          uint64  `json:"misses"`
	Bypassed        uint64  `json:"bypassed"`
	Sets            uint64  `json:"sets"`
	Evicted         uint64  `json:"evicted"`
	Expired         uint64  `json:"expired"`
	IntegrityErrors uint64  `json:"integrity_errors"`
	HitRate         float64 `json:"hit_rate"`
}

func (c *SemanticCache) Stats() Stats {
	st := Stats{
		Entries:         c.Len(),
		MaxSize:         c.maxSize,
		ExactHits:       c.stats.exactHits.Load(),
		SemanticHits:    c.stats.semanticHits.Load(),
		Misses:          c.stats.misses.Load(),
		Bypassed:        c.stats.bypassed.Load(),
		Sets:            c.stats.sets.Load(),
		Evicted:         c.stats.evicted.Load(),
		Expired:         c.stats.expired.Load(),
		IntegrityErrors: c.stats.integrity.Load(),
	}
	if total := st.ExactHits + st.SemanticHits + st.Misses; total > 0 {
		st.HitRate = float64(st.ExactHits+st.SemanticHits) / float64(total)
	}
	return st
}
