package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polymaker/types"
)

var t0 = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snap(bid, ask string) types.Snapshot {
	return types.Snapshot{InstrumentID: "111", BestBid: q(bid), BestAsk: q(ask)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InstrumentID = "111"
	cfg.MinWindow = time.Minute
	cfg.DropPct = d("0.10")
	cfg.IncrementalDropStep = d("0.02")
	cfg.IncrementalDropCap = d("0.15")
	cfg.ProfitPct = d("0.10")
	cfg.OrderSize = d("10")
	return cfg
}

func fill(side, price, size string, at time.Time) types.Fill {
	return types.Fill{InstrumentID: "111", Side: side, Price: d(price), Size: d(size), At: at}
}

// armedMachine returns a machine with a window high of 0.50, armed at t0+61s.
func armedMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m := NewMachine(cfg, t0)
	m.OnSnapshot(snap("0.49", "0.51"), t0)
	require.Equal(t, StateAccumulating, m.State())
	m.OnSnapshot(snap("0.49", "0.51"), t0.Add(61*time.Second))
	require.Equal(t, StateArmed, m.State())
	return m
}

// holdingMachine buys 10 @ 0.45 at t0+91s.
func holdingMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m := armedMachine(t, cfg)
	a := m.OnSnapshot(snap("0.43", "0.45"), t0.Add(90*time.Second))
	require.Equal(t, ActionBuy, a.Kind)
	m.OnFill(fill("BUY", "0.45", "10", t0), t0.Add(91*time.Second))
	require.Equal(t, StateHolding, m.State())
	return m
}

func requireExit(t *testing.T, m *Machine, want types.ExitReason) types.ExitReport {
	t.Helper()
	require.Equal(t, StateTerminated, m.State())
	rep, ok := m.Exit()
	require.True(t, ok)
	require.Equal(t, want, rep.Reason, rep.Data["detail"])
	assert.Equal(t, want.Refillable(), rep.Refillable)
	return rep
}

func TestEntryOnDropFromWindowHigh(t *testing.T) {
	m := armedMachine(t, testConfig())

	// 6% below the high is not enough
	a := m.OnSnapshot(snap("0.46", "0.48"), t0.Add(80*time.Second))
	assert.Equal(t, ActionNone, a.Kind)

	a = m.OnSnapshot(snap("0.43", "0.45"), t0.Add(90*time.Second))
	require.Equal(t, ActionBuy, a.Kind)
	assert.True(t, a.Price.Equal(d("0.45")))
	assert.True(t, a.Size.Equal(d("10")))
	assert.Equal(t, "BUY", a.Side())

	// one open order at a time
	a = m.OnSnapshot(snap("0.40", "0.42"), t0.Add(95*time.Second))
	assert.Equal(t, ActionNone, a.Kind)
}

func TestEntryRespectsPriceBand(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPrice = d("0.40")
	m := armedMachine(t, cfg)

	a := m.OnSnapshot(snap("0.43", "0.45"), t0.Add(90*time.Second))
	assert.Equal(t, ActionNone, a.Kind)
}

func TestShockGuardDefersEntry(t *testing.T) {
	cfg := testConfig()
	cfg.Shock.Enabled = true
	m := armedMachine(t, cfg)

	a := m.OnSnapshot(snap("0.43", "0.45"), t0.Add(90*time.Second))
	assert.Equal(t, ActionNone, a.Kind)
	assert.Equal(t, PhaseHolding, m.Guard().Phase())
}

func TestProfitExitEscalatesAndRearms(t *testing.T) {
	m := holdingMachine(t, testConfig())
	base := t0.Add(91 * time.Second)

	// target is 0.495
	a := m.OnSnapshot(snap("0.48", "0.50"), base.Add(time.Minute))
	assert.Equal(t, ActionNone, a.Kind)

	a = m.OnSnapshot(snap("0.50", "0.52"), base.Add(2*time.Minute))
	require.Equal(t, ActionSell, a.Kind)
	assert.False(t, a.Aggressive)
	assert.True(t, a.Price.Equal(d("0.52")), a.Price.String())
	assert.True(t, a.Size.Equal(d("10")))

	assert.Equal(t, ActionNone, m.Tick(base.Add(3*time.Minute)).Kind)

	a = m.Tick(base.Add(4 * time.Minute))
	require.Equal(t, ActionSell, a.Kind)
	assert.True(t, a.Aggressive)
	assert.True(t, a.Replace)
	assert.True(t, a.Price.Equal(d("0.50")))

	m.OnFill(fill("SELL", "0.50", "10", base), base.Add(4*time.Minute))
	assert.Equal(t, StateArmed, m.State())
	assert.True(t, m.Position().Realized.Equal(d("0.5")))
	assert.True(t, m.EffectiveDrop().Equal(d("0.12")))
	_, done := m.Exit()
	assert.False(t, done)
}

func TestIncrementalDropIsCapped(t *testing.T) {
	cfg := testConfig()
	cfg.IncrementalDropStep = d("0.10")
	m := holdingMachine(t, cfg)
	m.OnFill(fill("SELL", "0.50", "10", t0), t0.Add(2*time.Minute))
	assert.True(t, m.EffectiveDrop().Equal(d("0.15")))
}

func TestPartialFillsAccumulate(t *testing.T) {
	m := armedMachine(t, testConfig())
	m.OnSnapshot(snap("0.43", "0.45"), t0.Add(90*time.Second))

	m.OnFill(fill("BUY", "0.45", "4", t0), t0.Add(91*time.Second))
	m.OnFill(fill("BUY", "0.40", "6", t0), t0.Add(92*time.Second))
	assert.Equal(t, StateHolding, m.State())
	assert.True(t, m.Position().Size.Equal(d("10")))
	assert.True(t, m.Position().Entry.Equal(d("0.42")), m.Position().Entry.String())
}

func TestBuyTimeoutCancels(t *testing.T) {
	m := armedMachine(t, testConfig())
	a := m.OnSnapshot(snap("0.43", "0.45"), t0.Add(90*time.Second))
	require.Equal(t, ActionBuy, a.Kind)

	a = m.Tick(t0.Add(150 * time.Second))
	assert.Equal(t, ActionCancelAll, a.Kind)
	assert.Equal(t, StateArmed, m.State())

	a = m.OnSnapshot(snap("0.43", "0.45"), t0.Add(151*time.Second))
	assert.Equal(t, ActionBuy, a.Kind)
}

func TestNoDataTimeout(t *testing.T) {
	m := NewMachine(testConfig(), t0)
	assert.Equal(t, ActionNone, m.Tick(t0.Add(time.Minute)).Kind)
	assert.Equal(t, StateAwaitingFirstPrice, m.State())

	m.Tick(t0.Add(2 * time.Minute))
	rep := requireExit(t, m, types.ExitNoDataTimeout)
	assert.False(t, rep.HadPosition)
}

func TestSignalTimeoutWhenFlat(t *testing.T) {
	cfg := testConfig()
	cfg.StaleWindow = 0
	m := armedMachine(t, cfg)

	m.Tick(t0.Add(29 * time.Minute))
	assert.Equal(t, StateArmed, m.State())

	m.Tick(t0.Add(30 * time.Minute))
	requireExit(t, m, types.ExitSignalTimeout)
}

func TestStaleDataWhenFlat(t *testing.T) {
	m := armedMachine(t, testConfig())
	m.Tick(t0.Add(15 * time.Minute))
	requireExit(t, m, types.ExitStaleData)
}

func TestStaleDataWithPositionSellsFirst(t *testing.T) {
	m := holdingMachine(t, testConfig())
	staleAt := t0.Add(90*time.Second + 15*time.Minute)

	a := m.Tick(staleAt)
	require.Equal(t, ActionSell, a.Kind)
	assert.Equal(t, StateExiting, m.State())
	assert.False(t, a.Aggressive)

	m.OnFill(fill("SELL", "0.45", "10", staleAt), staleAt)
	rep := requireExit(t, m, types.ExitStaleData)
	assert.True(t, rep.HadPosition)
}

func TestLiquidateFlatTerminatesAtOnce(t *testing.T) {
	m := armedMachine(t, testConfig())
	m.Liquidate(types.ExitLiquidated, t0.Add(2*time.Minute))
	requireExit(t, m, types.ExitLiquidated)
}

func TestLiquidateSellsAggressivelyThenAbandons(t *testing.T) {
	m := holdingMachine(t, testConfig())
	now := t0.Add(2 * time.Minute)

	a := m.Liquidate(types.ExitPositionClosed, now)
	require.Equal(t, ActionSell, a.Kind)
	assert.True(t, a.Aggressive)
	assert.True(t, a.Price.Equal(d("0.43")))

	assert.Equal(t, ActionNone, m.Tick(now.Add(5*time.Minute)).Kind)

	a = m.Tick(now.Add(10 * time.Minute))
	assert.Equal(t, ActionCancelAll, a.Kind)
	rep := requireExit(t, m, types.ExitSellAbandoned)
	assert.Equal(t, "10", rep.Data["position"])
}

func TestSellAbandonedByOrderLayer(t *testing.T) {
	m := holdingMachine(t, testConfig())
	now := t0.Add(3 * time.Minute)
	m.OnSnapshot(snap("0.50", "0.52"), now)

	a := m.OnOrderFailed(ActionSell, fmt.Errorf("sell 111: %w", types.ErrOrderAbandoned), now)
	assert.Equal(t, ActionCancelAll, a.Kind)
	requireExit(t, m, types.ExitSellAbandoned)
}

func TestBuyInsufficientBalanceWhenFlat(t *testing.T) {
	m := armedMachine(t, testConfig())
	now := t0.Add(90 * time.Second)
	m.OnSnapshot(snap("0.43", "0.45"), now)

	m.OnOrderFailed(ActionBuy, fmt.Errorf("buy: %w", types.ErrInsufficientBalance), now)
	requireExit(t, m, types.ExitBalanceInsufficient)
}

func TestLowBalanceGoesSellOnly(t *testing.T) {
	m := holdingMachine(t, testConfig())
	now := t0.Add(2 * time.Minute)

	a := m.OnBalance(d("0.5"), now)
	assert.Equal(t, ActionNone, a.Kind)
	assert.True(t, m.SellOnly())
	assert.Equal(t, StateHolding, m.State())

	a = m.OnSnapshot(snap("0.50", "0.52"), now.Add(time.Second))
	require.Equal(t, ActionSell, a.Kind)
	m.OnFill(fill("SELL", "0.52", "10", now), now.Add(2*time.Second))
	rep := requireExit(t, m, types.ExitBalanceInsufficient)
	assert.True(t, rep.HadPosition)
}

func TestLowBalanceFlatAbandons(t *testing.T) {
	m := armedMachine(t, testConfig())
	m.OnBalance(d("5"), t0.Add(2*time.Minute))
	assert.Equal(t, StateArmed, m.State())

	m.OnBalance(d("0.2"), t0.Add(3*time.Minute))
	requireExit(t, m, types.ExitBalanceInsufficient)
}

func TestDeadlineSellOnlyThenIdleExit(t *testing.T) {
	cfg := testConfig()
	cfg.StaleWindow = 0
	cfg.Deadline = t0.Add(40 * time.Minute)
	m := armedMachine(t, cfg)

	a := m.OnSnapshot(snap("0.43", "0.45"), t0.Add(10*time.Minute))
	assert.Equal(t, ActionNone, a.Kind, "no buys in the sell-only phase")
	assert.True(t, m.SellOnly())

	m.Tick(t0.Add(19 * time.Minute))
	assert.Equal(t, StateArmed, m.State())

	m.Tick(t0.Add(20 * time.Minute))
	requireExit(t, m, types.ExitDeadlineReached)
}

func TestExactlyOneExitReason(t *testing.T) {
	m := armedMachine(t, testConfig())
	m.Stop(types.ExitUserStopped, t0.Add(2*time.Minute))
	requireExit(t, m, types.ExitUserStopped)

	m.Liquidate(types.ExitLiquidated, t0.Add(3*time.Minute))
	m.OnBalance(decimal.Zero, t0.Add(3*time.Minute))
	m.Tick(t0.Add(time.Hour))
	assert.Equal(t, ActionNone, m.OnSnapshot(snap("0.10", "0.12"), t0.Add(time.Hour)).Kind)
	requireExit(t, m, types.ExitUserStopped)
}

func TestClosedOrderIsReplaced(t *testing.T) {
	m := holdingMachine(t, testConfig())
	base := t0.Add(91 * time.Second)

	require.Equal(t, ActionSell, m.OnSnapshot(snap("0.50", "0.52"), base.Add(2*time.Minute)).Kind)
	a := m.Tick(base.Add(4 * time.Minute))
	require.True(t, a.Aggressive)

	// fill-and-kill found no taker
	m.OnOrderClosed(base.Add(4 * time.Minute))
	a = m.Tick(base.Add(4*time.Minute + time.Second))
	require.Equal(t, ActionSell, a.Kind)
	assert.False(t, a.Replace)
}
