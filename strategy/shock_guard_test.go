package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var g0 = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return g0.Add(time.Duration(sec) * time.Second) }

func q(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func testShockConfig() ShockConfig {
	cfg := DefaultShockConfig()
	cfg.Enabled = true
	cfg.Window = 20 * time.Second
	cfg.Hold = 30 * time.Second
	cfg.BlockedCooldown = 40 * time.Second
	cfg.Recovery.Reconfirm = 10 * time.Second
	return cfg
}

func TestShockGuardDisabledAllows(t *testing.T) {
	g := NewShockGuard(DefaultShockConfig())
	g.Observe(q("0.50"), q("0.52"), at(1))
	assert.Equal(t, GateAllow, g.Gate(at(1)).Decision)
}

func TestShockGuardFirstBuyObserves(t *testing.T) {
	g := NewShockGuard(testShockConfig())
	g.Observe(q("0.60"), q("0.62"), at(1))

	res := g.Gate(at(2))
	assert.Equal(t, GateDefer, res.Decision)
	assert.Contains(t, res.Reason, "pre-buy")
	assert.Equal(t, at(32), res.RetryAt)
	assert.Equal(t, PhaseHolding, g.Phase())

	assert.Equal(t, GateDefer, g.Gate(at(20)).Decision)
}

func TestShockGuardQuietObservationAllows(t *testing.T) {
	g := NewShockGuard(testShockConfig())
	g.Observe(q("0.60"), q("0.62"), at(1))
	require.Equal(t, GateDefer, g.Gate(at(2)).Decision)

	g.Observe(q("0.50"), q("0.52"), at(36))
	g.Observe(q("0.58"), q("0.60"), at(48))
	res := g.Gate(at(48))
	assert.Equal(t, GateAllow, res.Decision, res.Reason)
	assert.Equal(t, PhaseNormal, g.Phase())
}

func shockedGuard(t *testing.T, require int) *ShockGuard {
	t.Helper()
	cfg := testShockConfig()
	cfg.Recovery.RequireConditions = require
	g := NewShockGuard(cfg)
	g.Observe(q("0.60"), q("0.62"), at(0))
	g.Observe(q("0.40"), q("0.42"), at(5))
	assert.Equal(t, PhaseHolding, g.Phase(), "33% drop inside the window")
	return g
}

func TestShockGuardRecoveryPasses(t *testing.T) {
	g := shockedGuard(t, 2)
	assert.Equal(t, GateDefer, g.Gate(at(10)).Decision)

	// rebound ~10% and no new low for 31s, spread too wide: 2 of 3
	g.Observe(q("0.40"), q("0.50"), at(36))
	res := g.Gate(at(36))
	assert.Equal(t, GateAllow, res.Decision, res.Reason)
}

func TestShockGuardRecoveryFailsThenBlocks(t *testing.T) {
	g := shockedGuard(t, 3)

	g.Observe(q("0.40"), q("0.50"), at(36))
	res := g.Gate(at(36))
	require.Equal(t, GateReject, res.Decision)
	assert.Equal(t, at(76), res.RetryAt)

	assert.Equal(t, GateReject, g.Gate(at(50)).Decision)

	// cooldown over: back to normal, and every buy observes first
	g.Observe(q("0.48"), q("0.50"), at(80))
	assert.Equal(t, PhaseNormal, g.Phase())
	assert.Equal(t, GateDefer, g.Gate(at(80)).Decision)
}

func TestShockGuardNewLowResetsQuietPeriod(t *testing.T) {
	g := shockedGuard(t, 3)

	g.Observe(q("0.37"), q("0.39"), at(34))
	g.Observe(q("0.44"), q("0.46"), at(40))
	res := g.Gate(at(40))
	assert.Equal(t, GateReject, res.Decision)
	assert.Contains(t, res.Reason, "quiet=false")
}

func TestShockGuardAbsoluteFloor(t *testing.T) {
	g := NewShockGuard(testShockConfig())
	g.Observe(q("0.01"), q("0.03"), at(0))
	assert.Equal(t, PhaseHolding, g.Phase())
}

func TestShockGuardVelocity(t *testing.T) {
	cfg := testShockConfig()
	cfg.DropPct = decimal.RequireFromString("0.50")
	cfg.VelocityPct = q("0.01")
	g := NewShockGuard(cfg)

	g.Observe(q("0.50"), q("0.52"), at(0))
	// -10% over 5s is -2%/s
	g.Observe(q("0.45"), q("0.47"), at(5))
	assert.Equal(t, PhaseHolding, g.Phase())
}
