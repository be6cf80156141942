package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - pauses admission after a run of losing workers
// ═══════════════════════════════════════════════════════════════════════════════

// BreakerConfig holds the trip thresholds. A zero MaxConsecutiveLosses and a
// zero MaxDailyLoss disable the breaker.
type BreakerConfig struct {
	MaxConsecutiveLosses int             `yaml:"max_consecutive_losses"`
	MaxDailyLoss         decimal.Decimal `yaml:"max_daily_loss"`
	Cooldown             time.Duration   `yaml:"cooldown"`
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxConsecutiveLosses: 5,
		MaxDailyLoss:         decimal.NewFromInt(25),
		Cooldown:             30 * time.Minute,
	}
}

type CircuitBreaker struct {
	mu  sync.RWMutex
	cfg BreakerConfig

	// State
	consecutiveLosses int
	dailyPnL          decimal.Decimal
	tripped           bool
	trippedAt         time.Time
	reason            string

	// Tracking
	day string
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg}
}

func (cb *CircuitBreaker) enabled() bool {
	return cb.cfg.MaxConsecutiveLosses > 0 || cb.cfg.MaxDailyLoss.IsPositive()
}

// Record feeds one closed worker's realized PnL.
func (cb *CircuitBreaker) Record(pnl decimal.Decimal, now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollDay(now)
	cb.dailyPnL = cb.dailyPnL.Add(pnl)
	switch {
	case pnl.IsNegative():
		cb.consecutiveLosses++
	case pnl.IsPositive():
		cb.consecutiveLosses = 0
	}

	if !cb.enabled() || cb.tripped {
		return
	}
	if cb.cfg.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.cfg.MaxConsecutiveLosses {
		cb.trip("Max consecutive losses", now)
		return
	}
	if cb.cfg.MaxDailyLoss.IsPositive() && cb.dailyPnL.Neg().GreaterThanOrEqual(cb.cfg.MaxDailyLoss) {
		cb.trip("Max daily loss exceeded", now)
	}
}

// Tripped reports whether admission should stay paused. The breaker resets
// itself once the cooldown has passed.
func (cb *CircuitBreaker) Tripped(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollDay(now)
	if !cb.tripped {
		return false
	}
	if now.Sub(cb.trippedAt) >= cb.cfg.Cooldown {
		cb.tripped = false
		cb.consecutiveLosses = 0
		log.Info().Msg("✅ Circuit breaker reset after cooldown")
		return false
	}
	return true
}

// rollDay clears the daily tally at the UTC day boundary. A trip survives it.
func (cb *CircuitBreaker) rollDay(now time.Time) {
	today := now.UTC().Format("2006-01-02")
	if cb.day != today {
		cb.day = today
		cb.dailyPnL = decimal.Zero
	}
}

func (cb *CircuitBreaker) trip(reason string, now time.Time) {
	cb.tripped = true
	cb.trippedAt = now
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_losses", cb.consecutiveLosses).
		Str("daily_pnl", cb.dailyPnL.StringFixed(2)).
		Dur("cooldown", cb.cfg.Cooldown).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// GetStats returns circuit breaker statistics.
func (cb *CircuitBreaker) GetStats() (consecutiveLosses int, dailyPnL decimal.Decimal, tripped bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveLosses, cb.dailyPnL, cb.tripped, cb.reason
}

// ForceReset manually resets the circuit breaker.
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveLosses = 0
	cb.tripped = false
	cb.reason = ""
	log.Info().Msg("Circuit breaker manually reset")
}
