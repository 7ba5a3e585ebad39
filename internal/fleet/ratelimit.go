package fleet

import (
	"context"
	"time"
)

// BootSpacing is the minimum time between two shard start attempts.
// The gateway invalidates sessions that IDENTIFY faster than this.
const BootSpacing = 5 * time.Second

// bootGate enforces BootSpacing between consecutive start attempts.
// It is owned by the queuer goroutine and not safe for concurrent use.
type bootGate struct {
	spacing time.Duration
	last    time.Time // zero until the first attempt
	now     func() time.Time
}

func newBootGate(spacing time.Duration) *bootGate {
	if spacing <= 0 {
		spacing = BootSpacing
	}
	return &bootGate{spacing: spacing, now: time.Now}
}

// remaining returns how long the caller must still wait at now.
func (g *bootGate) remaining(now time.Time) time.Duration {
	if g.last.IsZero() {
		return 0
	}
	elapsed := now.Sub(g.last)
	if elapsed >= g.spacing {
		return 0
	}
	return g.spacing - elapsed
}

// wait suspends until spacing has elapsed since the last attempt.
// It only returns early when ctx is done.
func (g *bootGate) wait(ctx context.Context) error {
	d := g.remaining(g.now())
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// mark records an attempt at t, successful or not.
func (g *bootGate) mark(t time.Time) {
	g.last = t
}
