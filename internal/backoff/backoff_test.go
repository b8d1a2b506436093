package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_ExponentialGrowthWithoutJitter(t *testing.T) {
	p := NewSeeded(200*time.Millisecond, 2*time.Second, 0, 1, 1)

	require.Equal(t, 200*time.Millisecond, p.Next(0))
	require.Equal(t, 400*time.Millisecond, p.Next(1))
	require.Equal(t, 800*time.Millisecond, p.Next(2))
	require.Equal(t, 1600*time.Millisecond, p.Next(3))
}

func TestNext_CapsAtConfiguredMaximum(t *testing.T) {
	p := NewSeeded(200*time.Millisecond, 2*time.Second, 0, 1, 1)

	for attempt := 5; attempt < 10; attempt++ {
		assert.Equal(t, 2*time.Second, p.Next(attempt))
	}
}

func TestNext_JitterStaysWithinBounds(t *testing.T) {
	p := NewSeeded(100*time.Millisecond, time.Second, 0.1, 7, 42)

	for attempt := 0; attempt < 20; attempt++ {
		d := p.Next(attempt)
		lower := time.Duration(float64(100*time.Millisecond<<uint(attempt)) * 0.9)
		upper := time.Duration(float64(100*time.Millisecond<<uint(attempt)) * 1.1)
		if lower > time.Second {
			lower = time.Duration(float64(time.Second) * 0.9)
		}
		if upper > time.Duration(float64(time.Second)*1.1) {
			upper = time.Duration(float64(time.Second) * 1.1)
		}
		assert.GreaterOrEqual(t, d, lower)
		assert.LessOrEqual(t, d, upper)
	}
}

func TestNext_ReproducibleUnderSameSeed(t *testing.T) {
	a := NewSeeded(50*time.Millisecond, 5*time.Second, 0.25, 99, 11)
	b := NewSeeded(50*time.Millisecond, 5*time.Second, 0.25, 99, 11)

	for attempt := 0; attempt < 10; attempt++ {
		require.Equal(t, a.Next(attempt), b.Next(attempt))
	}
}
