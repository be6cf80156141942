package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxConsecutiveLosses: 3, Cooldown: 10 * time.Minute})
	now := start.Add(time.Hour)

	cb.Record(d("-0.5"), now)
	cb.Record(d("-0.5"), now)
	cb.Record(d("0.2"), now)
	cb.Record(d("-0.5"), now)
	cb.Record(d("-0.5"), now)
	assert.False(t, cb.Tripped(now), "a win resets the streak")

	cb.Record(d("0"), now)
	cb.Record(d("-0.5"), now)
	assert.True(t, cb.Tripped(now), "flat exits neither extend nor break the streak")

	assert.True(t, cb.Tripped(now.Add(9*time.Minute)))
	assert.False(t, cb.Tripped(now.Add(10*time.Minute)))

	losses, _, tripped, _ := cb.GetStats()
	assert.Zero(t, losses)
	assert.False(t, tripped)
}

func TestBreakerDailyLoss(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxDailyLoss: d("10"), Cooldown: time.Hour})
	now := start.Add(20 * time.Hour)

	cb.Record(d("-6"), now)
	cb.Record(d("3"), now)
	cb.Record(d("-6"), now)
	assert.False(t, cb.Tripped(now), "net -9")

	// next UTC day starts a fresh tally
	tomorrow := start.Add(25 * time.Hour)
	cb.Record(d("-9"), tomorrow)
	assert.False(t, cb.Tripped(tomorrow))

	cb.Record(d("-1"), tomorrow)
	assert.True(t, cb.Tripped(tomorrow))
	_, pnl, _, reason := cb.GetStats()
	assert.True(t, pnl.Equal(d("-10")))
	assert.Equal(t, "Max daily loss exceeded", reason)
}

func TestBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	for i := 0; i < 20; i++ {
		cb.Record(d("-100"), start)
	}
	assert.False(t, cb.Tripped(start))
}

func TestBreakerForceReset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxConsecutiveLosses: 1, Cooldown: time.Hour})
	cb.Record(d("-1"), start)
	assert.True(t, cb.Tripped(start))
	cb.ForceReset()
	assert.False(t, cb.Tripped(start))
}
