package host

import (
	"context"
	"time"
)

// Reaper closes iterator handles that nobody has touched for longer than
// the idle TTL. Consumers that walk away without closing would otherwise
// hold their lease, and block writers, forever.
type Reaper struct {
	rt       *Runtime
	ttl      time.Duration
	interval time.Duration
}

func NewReaper(rt *Runtime, ttl, interval time.Duration) *Reaper {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{rt: rt, ttl: ttl, interval: interval}
}

func (p *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	// Run once immediately
	p.sweepOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.sweepOnce()
		}
	}
}

func (p *Reaper) sweepOnce() int {
	start := time.Now()
	closed, open := p.rt.sweep(p.rt.clock().Add(-p.ttl))

	if m := p.rt.metrics; m != nil {
		m.IteratorsOpen.Set(float64(open))
		if closed > 0 {
			m.ReapedTotal.Add(float64(closed))
		}
	}

	// Only log when something was reaped
	if closed > 0 && p.rt.logger != nil {
		p.rt.logger.Info(map[string]interface{}{
			"op":         "reap_iterators",
			"closed":     closed,
			"open":       open,
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
	return closed
}
