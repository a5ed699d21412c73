// Package pool manages the provider instances the gateway can dispatch to:
// registration, eligibility (health, circuit breaker, rate window), load
// balancing and guarded execution.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// InstanceSpec describes one backend to register. Each API key or endpoint
// is its own instance.
type InstanceSpec struct {
	// ID is optional; the manager assigns "<type>-<n>" when empty.
	ID       string
	Client   providers.Client
	Model    string
	Endpoint string

	// RateLimit is requests per minute; 0 means unlimited.
	RateLimit int

	// Weight is the share used by weighted round robin; values below 1
	// count as 1.
	Weight int
}

// HealthStatus is the last probe result for an instance.
type HealthStatus struct {
	Healthy   bool
	LastCheck time.Time
	LastError string
}

// Instance is one registered backend.
type Instance struct {
	ID        string
	Type      providers.Type
	Model     string
	Endpoint  string
	RateLimit int
	Weight    int
	Client    providers.Client

	breaker  *Breaker
	inFlight atomic.Int64

	healthMu sync.RWMutex
	health   HealthStatus
}

func (i *Instance) Breaker() *Breaker { return i.breaker }

// InFlight returns the number of calls currently running on the instance.
func (i *Instance) InFlight() int64 { return i.inFlight.Load() }

func (i *Instance) Health() HealthStatus {
	i.healthMu.RLock()
	defer i.healthMu.RUnlock()
	return i.health
}

func (i *Instance) setHealth(ok bool, err error, at time.Time) {
	i.healthMu.Lock()
	defer i.healthMu.Unlock()
	i.health.Healthy = ok
	i.health.LastCheck = at
	i.health.LastError = ""
	if err != nil {
		i.health.LastError = err.Error()
	}
}

func (i *Instance) weight() int {
	if i.Weight < 1 {
		return 1
	}
	return i.Weight
}
