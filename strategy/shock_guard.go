package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHOCK GUARD - freeze entries after a sudden drop
// ═══════════════════════════════════════════════════════════════════════════════
//
// NORMAL ──gate──▶ HOLDING ──hold elapsed──▶ RECOVERY_CHECK ──pass──▶ NORMAL
//                                                  │
//                                                  └──fail──▶ BLOCKED ──cooldown──▶ NORMAL
//
// Every buy first waits out an observation hold. If a shock was seen while
// holding, the buy is released only when RequireConditions of
// {rebound from the low, no new low for Reconfirm, spread under SpreadCap}
// hold and a final shock check comes back clean.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ShockPhase is the guard's state.
type ShockPhase string

const (
	PhaseNormal        ShockPhase = "NORMAL"
	PhaseHolding       ShockPhase = "HOLDING"
	PhaseRecoveryCheck ShockPhase = "RECOVERY_CHECK"
	PhaseBlocked       ShockPhase = "BLOCKED"
)

// GateDecision is the answer to "may I buy now".
type GateDecision string

const (
	GateAllow  GateDecision = "ALLOW"
	GateDefer  GateDecision = "DEFER"
	GateReject GateDecision = "REJECT"
)

// GateResult explains a decision. RetryAt is zero when there is nothing to
// wait for.
type GateResult struct {
	Decision GateDecision
	Reason   string
	RetryAt  time.Time
}

// RecoveryConfig controls how a shock hold is lifted.
type RecoveryConfig struct {
	ReboundPct        decimal.Decimal     `yaml:"rebound_pct"`
	Reconfirm         time.Duration       `yaml:"reconfirm"`
	SpreadCap         decimal.NullDecimal `yaml:"spread_cap"`
	RequireConditions int                 `yaml:"require_conditions"`
}

// ShockConfig controls shock detection.
type ShockConfig struct {
	Enabled         bool                `yaml:"enabled"`
	Window          time.Duration       `yaml:"window"`
	DropPct         decimal.Decimal     `yaml:"drop_pct"`
	VelocityPct     decimal.NullDecimal `yaml:"velocity_pct_per_sec"`
	AbsFloor        decimal.NullDecimal `yaml:"abs_floor"`
	Hold            time.Duration       `yaml:"hold"`
	BlockedCooldown time.Duration       `yaml:"blocked_cooldown"`
	Recovery        RecoveryConfig      `yaml:"recovery"`
}

// DefaultShockConfig returns the production defaults (disabled).
func DefaultShockConfig() ShockConfig {
	return ShockConfig{
		Window:          30 * time.Second,
		DropPct:         decimal.RequireFromString("0.20"),
		AbsFloor:        decimal.NewNullDecimal(decimal.RequireFromString("0.03")),
		Hold:            90 * time.Second,
		BlockedCooldown: 300 * time.Second,
		Recovery: RecoveryConfig{
			ReboundPct:        decimal.RequireFromString("0.05"),
			Reconfirm:         30 * time.Second,
			SpreadCap:         decimal.NewNullDecimal(decimal.RequireFromString("0.03")),
			RequireConditions: 2,
		},
	}
}

type shockSample struct {
	at     time.Time
	mid    decimal.Decimal
	spread decimal.NullDecimal
}

type shockHit struct {
	reason     string
	windowHigh decimal.Decimal
}

// ShockGuard is not safe for concurrent use; the machine owns it.
type ShockGuard struct {
	cfg     ShockConfig
	keep    time.Duration
	history []shockSample

	phase        ShockPhase
	holdUntil    time.Time
	blockedUntil time.Time

	anchorHigh decimal.Decimal
	low        decimal.NullDecimal
	lowAt      time.Time
	evidence   bool

	lastMid    decimal.NullDecimal
	lastSpread decimal.NullDecimal
}

// NewShockGuard builds a guard in the NORMAL phase.
func NewShockGuard(cfg ShockConfig) *ShockGuard {
	keep := cfg.Window
	if cfg.Recovery.Reconfirm > keep {
		keep = cfg.Recovery.Reconfirm
	}
	if cfg.Hold > keep {
		keep = cfg.Hold
	}
	if keep < time.Second {
		keep = time.Second
	}
	if cfg.Window < time.Second {
		cfg.Window = time.Second
	}
	return &ShockGuard{cfg: cfg, keep: 2 * keep, phase: PhaseNormal}
}

func (g *ShockGuard) Enabled() bool { return g.cfg.Enabled }
func (g *ShockGuard) Phase() ShockPhase { return g.phase }

// Observe feeds one top of book. Quotes missing either side, or at or below
// zero, only advance the timers.
func (g *ShockGuard) Observe(bid, ask decimal.NullDecimal, now time.Time) {
	if !g.cfg.Enabled {
		return
	}
	if !bid.Valid || !ask.Valid || !bid.Decimal.IsPositive() || !ask.Decimal.IsPositive() {
		g.advance(now)
		return
	}
	mid := bid.Decimal.Add(ask.Decimal).Div(decimal.NewFromInt(2))
	spread := decimal.Max(ask.Decimal.Sub(bid.Decimal), decimal.Zero)

	g.history = append(g.history, shockSample{at: now, mid: mid, spread: decimal.NewNullDecimal(spread)})
	g.trim(now)
	g.lastMid = decimal.NewNullDecimal(mid)
	g.lastSpread = decimal.NewNullDecimal(spread)

	g.advance(now)

	switch g.phase {
	case PhaseNormal:
		if hit, ok := g.detect(now); ok {
			g.enterHolding(now, hit.windowHigh, true)
			log.Warn().Str("reason", hit.reason).Msg("⚡ Shock detected, holding entries")
		}
	case PhaseHolding, PhaseRecoveryCheck:
		if _, ok := g.detect(now); ok {
			g.evidence = true
		}
		if !g.low.Valid || mid.LessThan(g.low.Decimal) {
			g.low = decimal.NewNullDecimal(mid)
			g.lowAt = now
		}
	}
}

// Gate decides whether a buy may go out at now.
func (g *ShockGuard) Gate(now time.Time) GateResult {
	if !g.cfg.Enabled {
		return GateResult{Decision: GateAllow, Reason: "shock guard disabled"}
	}
	g.advance(now)

	switch g.phase {
	case PhaseNormal:
		reason := "pre-buy observation window"
		high := decimal.Zero
		hit, ok := g.detect(now)
		if ok {
			reason = "pre-buy hold with shock evidence: " + hit.reason
			high = hit.windowHigh
		}
		g.enterHolding(now, high, ok)
		return GateResult{Decision: GateDefer, Reason: reason, RetryAt: g.holdUntil}

	case PhaseHolding:
		return GateResult{Decision: GateDefer, Reason: "observation hold active", RetryAt: g.holdUntil}

	case PhaseBlocked:
		return GateResult{Decision: GateReject, Reason: "blocked cooldown active", RetryAt: g.blockedUntil}
	}

	// RECOVERY_CHECK
	if !g.evidence {
		hit, ok := g.detect(now)
		if !ok {
			g.reset()
			return GateResult{Decision: GateAllow, Reason: "pre-buy observation completed"}
		}
		g.enterHolding(now, hit.windowHigh, true)
		return GateResult{Decision: GateDefer, Reason: "post-observation shock: " + hit.reason, RetryAt: g.holdUntil}
	}

	met, detail := g.recovery(now)
	if met {
		if hit, ok := g.detect(now); ok {
			g.enterHolding(now, hit.windowHigh, true)
			return GateResult{Decision: GateDefer, Reason: "recovery passed but shock still detected: " + hit.reason, RetryAt: g.holdUntil}
		}
		g.reset()
		return GateResult{Decision: GateAllow, Reason: "recovery passed: " + detail}
	}

	g.phase = PhaseBlocked
	g.blockedUntil = now.Add(g.cfg.BlockedCooldown)
	log.Warn().Str("detail", detail).Time("until", g.blockedUntil).Msg("🛑 Shock recovery failed, entries blocked")
	return GateResult{Decision: GateReject, Reason: "recovery failed: " + detail, RetryAt: g.blockedUntil}
}

func (g *ShockGuard) advance(now time.Time) {
	if g.phase == PhaseBlocked && !now.Before(g.blockedUntil) {
		g.reset()
	}
	if g.phase == PhaseHolding && !now.Before(g.holdUntil) {
		g.phase = PhaseRecoveryCheck
	}
}

func (g *ShockGuard) enterHolding(now time.Time, high decimal.Decimal, evidence bool) {
	g.phase = PhaseHolding
	g.holdUntil = now.Add(g.cfg.Hold)
	g.blockedUntil = time.Time{}
	g.anchorHigh = high
	if high.IsZero() && g.lastMid.Valid {
		g.anchorHigh = g.lastMid.Decimal
	}
	g.low = g.lastMid
	g.lowAt = now
	g.evidence = evidence
}

func (g *ShockGuard) reset() {
	g.phase = PhaseNormal
	g.holdUntil = time.Time{}
	g.blockedUntil = time.Time{}
	g.anchorHigh = decimal.Zero
	g.low = decimal.NullDecimal{}
	g.lowAt = time.Time{}
	g.evidence = false
}

// detect checks drop from the window high, the absolute floor, then velocity.
func (g *ShockGuard) detect(now time.Time) (shockHit, bool) {
	if !g.lastMid.Valid {
		return shockHit{}, false
	}
	last := g.lastMid.Decimal
	start := now.Add(-g.cfg.Window)

	var high decimal.Decimal
	var first *shockSample
	for i := range g.history {
		s := &g.history[i]
		if s.at.Before(start) || !s.mid.IsPositive() {
			continue
		}
		if first == nil {
			first = s
		}
		if s.mid.GreaterThan(high) {
			high = s.mid
		}
	}
	if first == nil {
		return shockHit{}, false
	}

	drop := decimal.Zero
	if high.IsPositive() {
		drop = high.Sub(last).Div(high)
	}
	if drop.GreaterThanOrEqual(g.cfg.DropPct) {
		return shockHit{
			reason:     fmt.Sprintf("drop %s >= %s", drop.StringFixed(4), g.cfg.DropPct.StringFixed(4)),
			windowHigh: high,
		}, true
	}
	if g.cfg.AbsFloor.Valid && last.LessThanOrEqual(g.cfg.AbsFloor.Decimal) {
		return shockHit{
			reason:     fmt.Sprintf("mid %s <= floor %s", last.StringFixed(4), g.cfg.AbsFloor.Decimal.StringFixed(4)),
			windowHigh: high,
		}, true
	}
	if g.cfg.VelocityPct.Valid {
		dt := now.Sub(first.at).Seconds()
		if dt > 0 {
			velocity := last.Sub(first.mid).Div(first.mid).Div(decimal.NewFromFloat(dt))
			if velocity.LessThanOrEqual(g.cfg.VelocityPct.Decimal.Abs().Neg()) {
				return shockHit{
					reason:     fmt.Sprintf("velocity %s/s", velocity.StringFixed(6)),
					windowHigh: high,
				}, true
			}
		}
	}
	return shockHit{}, false
}

func (g *ShockGuard) recovery(now time.Time) (bool, string) {
	rc := g.cfg.Recovery
	met := 0

	rebound := decimal.Zero
	if g.low.Valid && g.low.Decimal.IsPositive() && g.lastMid.Valid {
		rebound = g.lastMid.Decimal.Sub(g.low.Decimal).Div(g.low.Decimal)
	}
	reboundOK := rebound.GreaterThanOrEqual(rc.ReboundPct)
	if reboundOK {
		met++
	}

	quietOK := g.lowAt.IsZero() || now.Sub(g.lowAt) >= rc.Reconfirm
	if quietOK {
		met++
	}

	spreadOK := true
	if rc.SpreadCap.Valid {
		spreadOK = g.lastSpread.Valid && g.lastSpread.Decimal.LessThanOrEqual(rc.SpreadCap.Decimal)
	}
	if spreadOK {
		met++
	}

	require := rc.RequireConditions
	if require < 1 {
		require = 1
	}
	detail := fmt.Sprintf("rebound=%s(%t) quiet=%t spread=%t met=%d/%d",
		rebound.StringFixed(4), reboundOK, quietOK, spreadOK, met, require)
	return met >= require, detail
}

func (g *ShockGuard) trim(now time.Time) {
	cutoff := now.Add(-g.keep)
	i := 0
	for i < len(g.history) && g.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.history = append(g.history[:0], g.history[i:]...)
	}
}
