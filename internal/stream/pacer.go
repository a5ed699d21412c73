package stream

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces chunk emission at least delay apart. The first chunk goes
// out immediately.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer returns a Pacer. A non-positive delay disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	if delay <= 0 {
		return &Pacer{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{lim: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next chunk may be sent or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.lim.Wait(ctx)
}
