package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockRejectsBadParameters(t *testing.T) {
	_, err := NewClock(0, 0, 0, 1)
	assert.Error(t, err)

	_, err = NewClock(time.Millisecond, -time.Microsecond, 0, 1)
	assert.Error(t, err)

	_, err = NewClock(time.Millisecond, time.Millisecond, 0, 1)
	assert.Error(t, err, "negative jitter must stay under the period")
}

func TestClockNextWithoutJitter(t *testing.T) {
	c, err := NewClock(time.Millisecond, 0, 0, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, time.Millisecond, c.Next())
	}
}

func TestClockNextStaysInBounds(t *testing.T) {
	const (
		period = time.Millisecond
		jitter = 100 * time.Microsecond
	)
	c, err := NewClock(period, jitter, jitter, 42)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		d := c.Next()
		assert.GreaterOrEqual(t, d, period-jitter)
		assert.LessOrEqual(t, d, period+jitter)
	}
}

func TestClockSameSeedSameSequence(t *testing.T) {
	a, err := NewClock(time.Millisecond, 50*time.Microsecond, 50*time.Microsecond, 7)
	require.NoError(t, err)
	b, err := NewClock(time.Millisecond, 50*time.Microsecond, 50*time.Microsecond, 7)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestClockRunStopsOnError(t *testing.T) {
	c, err := NewClock(100*time.Microsecond, 0, 0, 1)
	require.NoError(t, err)

	stop := errors.New("done")
	edges := 0
	err = c.Run(context.Background(), func() error {
		edges++
		if edges == 5 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 5, edges)
}

func TestClockRunHonorsContext(t *testing.T) {
	c, err := NewClock(100*time.Microsecond, 0, 0, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	edges := 0
	err = c.Run(ctx, func() error {
		edges++
		if edges == 3 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
