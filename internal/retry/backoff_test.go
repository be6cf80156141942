package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsGeometricallyAndCaps(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 10 * time.Second, Factor: 2}

	assert.Equal(t, time.Second, b.Next(0))
	assert.Equal(t, time.Second, b.Next(1))
	assert.Equal(t, 2*time.Second, b.Next(2))
	assert.Equal(t, 4*time.Second, b.Next(3))
	assert.Equal(t, 8*time.Second, b.Next(4))
	assert.Equal(t, 10*time.Second, b.Next(5))
	assert.Equal(t, 10*time.Second, b.Next(50))
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	b := Backoff{Min: time.Second, Max: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		d := b.Next(3)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
