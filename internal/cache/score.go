package cache

import (
	"math"
	"time"
)

// Tier names recognised by the TTL and eviction policies. Unknown tiers are
// treated as free.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

func tierFactor(tier string) time.Duration {
	switch tier {
	case TierPro:
		return 2
	case TierEnterprise:
		return 4
	default:
		return 1
	}
}

func tierBonus(tier string) float64 {
	switch tier {
	case TierPro:
		return 15
	case TierEnterprise:
		return 30
	default:
		return 0
	}
}

// TTLPolicy assigns entry lifetimes.
type TTLPolicy struct {
	// Default is the base lifetime before tier scaling.
	Default time.Duration
	// Exact caps every entry's lifetime.
	Exact time.Duration
	// Semantic caps the age at which an entry may serve semantic matches.
	Semantic time.Duration
	// Realtime caps entries created for realtime requests.
	Realtime time.Duration
	// EconomyFactor stretches lifetimes while the cost optimizer is in
	// economy mode.
	EconomyFactor float64
}

// DefaultTTLPolicy returns the stock lifetimes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Default:       time.Hour,
		Exact:         24 * time.Hour,
		Semantic:      12 * time.Hour,
		Realtime:      5 * time.Minute,
		EconomyFactor: 2,
	}
}

func (p TTLPolicy) withDefaults() TTLPolicy {
	d := DefaultTTLPolicy()
	if p.Default <= 0 {
		p.Default = d.Default
	}
	if p.Exact <= 0 {
		p.Exact = d.Exact
	}
	if p.Semantic <= 0 {
		p.Semantic = d.Semantic
	}
	if p.Realtime <= 0 {
		p.Realtime = d.Realtime
	}
	if p.EconomyFactor <= 0 {
		p.EconomyFactor = d.EconomyFactor
	}
	return p
}

// For returns the lifetime of an entry written with md.
func (p TTLPolicy) For(md Metadata) time.Duration {
	ttl := p.Default * tierFactor(md.Tier)
	if md.Economy {
		ttl = time.Duration(float64(ttl) * p.EconomyFactor)
	}
	if md.Realtime && ttl > p.Realtime {
		ttl = p.Realtime
	}
	if ttl > p.Exact {
		ttl = p.Exact
	}
	return ttl
}

// score ranks an entry for eviction; lower scores go first.
//
//	frequency = 2·min(accesses/ageHours, 10), ageHours ≥ 0.1
//	recency   = 20·e^(−hoursSinceLastAccess)
//	age       = 0.5·min(ageHours, 24)
//	tier      = free 0, pro 15, enterprise 30
func score(e *Entry, now time.Time) float64 {
	ageH := now.Sub(e.Created).Hours()
	frequency := 2 * math.Min(float64(e.Accesses())/math.Max(ageH, 0.1), 10)
	recency := 20 * math.Exp(-math.Max(now.Sub(e.LastAccess()).Hours(), 0))
	agePenalty := 0.5 * math.Min(math.Max(ageH, 0), 24)
	return frequency + recency - agePenalty + tierBonus(e.Context.Tier)
}
