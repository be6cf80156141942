package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polymaker/internal/metrics"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOTAL LIQUIDATION MONITOR - aggregate risk vote
// ═══════════════════════════════════════════════════════════════════════════════
//
// Conditions:
//   - idle slots: running/max leaves at least IdleSlotRatio free for
//     IdleSlotDuration (ignored during StartupGrace)
//   - no fills anywhere for NoTradeDuration
//   - free balance below MinFreeBalance
//
// Fires when RequireConditions of them hold and MinInterval has passed since
// the last trigger. The last trigger time is persisted.
//
// ═══════════════════════════════════════════════════════════════════════════════

// LiquidationConfig holds the trigger thresholds.
type LiquidationConfig struct {
	Enabled           bool            `yaml:"enabled"`
	MinInterval       time.Duration   `yaml:"min_interval"`
	IdleSlotRatio     float64         `yaml:"idle_slot_ratio"`
	IdleSlotDuration  time.Duration   `yaml:"idle_slot_duration"`
	StartupGrace      time.Duration   `yaml:"startup_grace"`
	NoTradeDuration   time.Duration   `yaml:"no_trade_duration"`
	MinFreeBalance    decimal.Decimal `yaml:"min_free_balance"`
	RequireConditions int             `yaml:"require_conditions"`
	HardReset         bool            `yaml:"hard_reset"`
}

// DefaultLiquidationConfig returns production defaults (disabled).
func DefaultLiquidationConfig() LiquidationConfig {
	return LiquidationConfig{
		MinInterval:       72 * time.Hour,
		IdleSlotRatio:     0.5,
		IdleSlotDuration:  120 * time.Minute,
		StartupGrace:      6 * time.Hour,
		NoTradeDuration:   180 * time.Minute,
		MinFreeBalance:    decimal.NewFromInt(20),
		RequireConditions: 2,
		HardReset:         true,
	}
}

// StateStore persists the last trigger time.
type StateStore interface {
	LoadLastTrigger() (time.Time, bool, error)
	SaveLastTrigger(at time.Time) error
}

// Inputs is one observation from the scheduler.
type Inputs struct {
	Running     int
	MaxSlots    int
	LastFillAt  time.Time           // zero when unknown
	FreeBalance decimal.NullDecimal // unset when the balance could not be read
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Trigger   bool
	Reasons   []string
	IdleRatio float64
}

// LiquidationMonitor tracks the conditions across evaluations.
type LiquidationMonitor struct {
	mu sync.Mutex

	cfg   LiquidationConfig
	state StateStore

	startedAt   time.Time
	idleSince   time.Time
	lastFill    time.Time
	lastTrigger time.Time
}

// NewLiquidationMonitor loads the persisted trigger time. state may be nil.
func NewLiquidationMonitor(cfg LiquidationConfig, state StateStore, now time.Time) *LiquidationMonitor {
	if cfg.RequireConditions < 1 {
		cfg.RequireConditions = 1
	}
	if cfg.MinInterval < time.Second {
		cfg.MinInterval = time.Second
	}
	m := &LiquidationMonitor{
		cfg:       cfg,
		state:     state,
		startedAt: now,
		lastFill:  now,
	}
	if state != nil {
		at, ok, err := state.LoadLastTrigger()
		if err != nil {
			log.Warn().Err(err).Msg("Could not load liquidation state")
		} else if ok {
			m.lastTrigger = at
		}
	}
	return m
}

// Evaluate updates the idle and fill trackers and votes.
func (m *LiquidationMonitor) Evaluate(in Inputs, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := in.MaxSlots
	if slots < 1 {
		slots = 1
	}
	ratio := 1 - float64(in.Running)/float64(slots)
	if ratio < 0 {
		ratio = 0
	}
	if ratio >= m.cfg.IdleSlotRatio {
		if m.idleSince.IsZero() {
			m.idleSince = now
		}
	} else {
		m.idleSince = time.Time{}
	}
	if in.LastFillAt.After(m.lastFill) {
		m.lastFill = in.LastFillAt
	}

	d := Decision{IdleRatio: ratio}
	if !m.cfg.Enabled {
		return d
	}
	if !m.lastTrigger.IsZero() && now.Sub(m.lastTrigger) < m.cfg.MinInterval {
		return d
	}

	inGrace := now.Sub(m.startedAt) < m.cfg.StartupGrace
	if !m.idleSince.IsZero() && !inGrace {
		if idle := now.Sub(m.idleSince); idle >= m.cfg.IdleSlotDuration {
			d.Reasons = append(d.Reasons, fmt.Sprintf("idle_slots>=%.2f for %s", m.cfg.IdleSlotRatio, idle.Round(time.Minute)))
		}
	}
	if quiet := now.Sub(m.lastFill); quiet >= m.cfg.NoTradeDuration {
		d.Reasons = append(d.Reasons, fmt.Sprintf("no_fill_for=%s", quiet.Round(time.Minute)))
	}
	if in.FreeBalance.Valid && in.FreeBalance.Decimal.LessThan(m.cfg.MinFreeBalance) {
		d.Reasons = append(d.Reasons, fmt.Sprintf("free_balance=%s<%s", in.FreeBalance.Decimal.StringFixed(2), m.cfg.MinFreeBalance.StringFixed(2)))
	}

	d.Trigger = len(d.Reasons) >= m.cfg.RequireConditions
	if len(d.Reasons) > 0 {
		log.Debug().
			Int("running", in.Running).
			Int("slots", slots).
			Float64("idle_ratio", ratio).
			Strs("reasons", d.Reasons).
			Bool("trigger", d.Trigger).
			Msg("Liquidation vote")
	}
	return d
}

// MarkTriggered records a trigger and persists it.
func (m *LiquidationMonitor) MarkTriggered(now time.Time) error {
	m.mu.Lock()
	m.lastTrigger = now
	m.idleSince = time.Time{}
	m.lastFill = now
	m.mu.Unlock()

	metrics.Liquidations.Inc()
	log.Warn().Time("at", now).Msg("🚨 TOTAL LIQUIDATION TRIGGERED")
	if m.state == nil {
		return nil
	}
	return m.state.SaveLastTrigger(now)
}

// HardReset reports whether a full state reset follows a trigger.
func (m *LiquidationMonitor) HardReset() bool { return m.cfg.HardReset }

// LastTrigger returns the last trigger time, zero if never.
func (m *LiquidationMonitor) LastTrigger() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTrigger
}
