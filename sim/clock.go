package sim

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Clock paces a sampling loop with bounded random jitter on each edge,
// so tests exercise the tolerance of mid-cell sampling instead of a
// perfectly periodic clock. Jitter must stay well under a quarter of the
// oversampled period or edges drift out of their sampling windows.
type Clock struct {
	period time.Duration
	jneg   time.Duration
	jpos   time.Duration
	rng    *rand.Rand
}

// NewClock builds a clock with the given nominal period and jitter
// bounds. Both bounds are magnitudes; the effective edge spacing is
// period - jneg .. period + jpos.
func NewClock(period, jneg, jpos time.Duration, seed int64) (*Clock, error) {
	if period <= 0 {
		return nil, fmt.Errorf("clock period %v must be positive", period)
	}
	if jneg < 0 || jpos < 0 {
		return nil, fmt.Errorf("jitter bounds must not be negative")
	}
	if jneg >= period {
		return nil, fmt.Errorf("negative jitter %v swallows the whole period %v", jneg, period)
	}
	return &Clock{
		period: period,
		jneg:   jneg,
		jpos:   jpos,
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

// Next returns the spacing to the next edge.
func (c *Clock) Next() time.Duration {
	span := int64(c.jneg + c.jpos)
	if span == 0 {
		return c.period
	}
	return c.period - c.jneg + time.Duration(c.rng.Int63n(span+1))
}

// Run invokes fn once per clock edge until fn fails or the context ends.
func (c *Clock) Run(ctx context.Context, fn func() error) error {
	timer := time.NewTimer(c.Next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := fn(); err != nil {
				return err
			}
			timer.Reset(c.Next())
		}
	}
}
