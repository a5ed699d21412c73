package pool

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Strategy names accepted by NewStrategy.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyRandom             = "random"
)

// Strategy picks one instance out of a non-empty eligible set. The set is
// in registration order. Implementations must be safe for concurrent use.
type Strategy interface {
	Name() string
	Pick(candidates []*Instance) *Instance
}

// NewStrategy builds the named strategy. An empty name means round robin.
func NewStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyRoundRobin:
		return &roundRobin{}, nil
	case StrategyWeightedRoundRobin:
		return &weightedRoundRobin{typeCursors: make(map[providers.Type]*atomic.Uint64)}, nil
	case StrategyLeastConnections:
		return leastConnections{}, nil
	case StrategyRandom:
		return randomPick{}, nil
	default:
		return nil, fmt.Errorf("pool: unknown load balancing strategy %q", name)
	}
}

type roundRobin struct {
	cursor atomic.Uint64
}

func (*roundRobin) Name() string { return StrategyRoundRobin }

func (r *roundRobin) Pick(c []*Instance) *Instance {
	n := r.cursor.Add(1) - 1
	return c[n%uint64(len(c))]
}

// weightedRoundRobin walks a virtual list in which every provider type owns
// as many slots as its weight. Within a type, slots cycle through that
// type's instances.
type weightedRoundRobin struct {
	cursor atomic.Uint64

	mu          sync.Mutex
	typeCursors map[providers.Type]*atomic.Uint64
}

func (*weightedRoundRobin) Name() string { return StrategyWeightedRoundRobin }

func (w *weightedRoundRobin) Pick(c []*Instance) *Instance {
	var (
		order  []providers.Type
		byType = make(map[providers.Type][]*Instance)
		weight = make(map[providers.Type]int)
	)
	for _, inst := range c {
		if _, seen := byType[inst.Type]; !seen {
			order = append(order, inst.Type)
		}
		byType[inst.Type] = append(byType[inst.Type], inst)
		if wt := inst.weight(); wt > weight[inst.Type] {
			weight[inst.Type] = wt
		}
	}

	total := 0
	for _, t := range order {
		total += weight[t]
	}
	slot := int((w.cursor.Add(1) - 1) % uint64(total))

	var chosen providers.Type
	for _, t := range order {
		if slot < weight[t] {
			chosen = t
			break
		}
		slot -= weight[t]
	}

	insts := byType[chosen]
	n := w.typeCursor(chosen).Add(1) - 1
	return insts[n%uint64(len(insts))]
}

func (w *weightedRoundRobin) typeCursor(t providers.Type) *atomic.Uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.typeCursors[t]
	if !ok {
		c = new(atomic.Uint64)
		w.typeCursors[t] = c
	}
	return c
}

type leastConnections struct{}

func (leastConnections) Name() string { return StrategyLeastConnections }

func (leastConnections) Pick(c []*Instance) *Instance {
	best := c[0]
	for _, inst := range c[1:] {
		if inst.InFlight() < best.InFlight() {
			best = inst
		}
	}
	return best
}

type randomPick struct{}

func (randomPick) Name() string { return StrategyRandom }

func (randomPick) Pick(c []*Instance) *Instance {
	return c[rand.IntN(len(c))]
}
