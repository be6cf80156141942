package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VOLATILITY MACHINE - one instrument, one position
// ═══════════════════════════════════════════════════════════════════════════════
//
// AWAITING_FIRST_PRICE → ACCUMULATING_WINDOW → ARMED_TO_BUY ⇄ HOLDING_POSITION
//                                                   │               │
//                                                   └──▶ EXITING ◀──┘
//                                                           │
//                                                      TERMINATED
//
// Entry: mid falls DropPct below the lookback high, ask inside
// [MinPrice, MaxPrice], shock guard allows. Every round trip raises the
// required drop by IncrementalDropStep up to IncrementalDropCap.
//
// Exit: bid reaches entry*(1+ProfitPct). Sells start passive and go
// aggressive after SellEscalateAfter.
//
// The machine never does I/O. It returns an Action and is told what
// happened through OnFill and OnOrderFailed. At most one order is open.
//
// ═══════════════════════════════════════════════════════════════════════════════

// State is the machine's lifecycle phase.
type State string

const (
	StateAwaitingFirstPrice State = "AWAITING_FIRST_PRICE"
	StateAccumulating       State = "ACCUMULATING_WINDOW"
	StateArmed              State = "ARMED_TO_BUY"
	StateHolding            State = "HOLDING_POSITION"
	StateExiting            State = "EXITING"
	StateTerminated         State = "TERMINATED"
)

// ActionKind tells the worker what to send.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionBuy
	ActionSell
	ActionCancelAll
)

func (k ActionKind) String() string {
	switch k {
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	case ActionCancelAll:
		return "CANCEL_ALL"
	}
	return "NONE"
}

// Action is one instruction for the order layer. Replace means cancel the
// open order first.
type Action struct {
	Kind       ActionKind
	Price      decimal.Decimal
	Size       decimal.Decimal
	Aggressive bool
	Replace    bool
	Reason     string
}

// Side returns the exchange side string for buy and sell actions.
func (a Action) Side() string {
	if a.Kind == ActionSell {
		return "SELL"
	}
	return "BUY"
}

// Config holds the per-instrument thresholds.
type Config struct {
	InstrumentID string `yaml:"-"`

	Lookback            time.Duration   `yaml:"lookback"`
	MinWindow           time.Duration   `yaml:"min_window"`
	DropPct             decimal.Decimal `yaml:"drop_pct"`
	IncrementalDropStep decimal.Decimal `yaml:"incremental_drop_step"`
	IncrementalDropCap  decimal.Decimal `yaml:"incremental_drop_cap"`
	ProfitPct           decimal.Decimal `yaml:"profit_pct"`
	MinPrice            decimal.Decimal `yaml:"min_price"`
	MaxPrice            decimal.Decimal `yaml:"max_price"`
	OrderSize           decimal.Decimal `yaml:"order_size"`

	SignalTimeout  time.Duration `yaml:"signal_timeout"`
	StaleWindow    time.Duration `yaml:"stale_window"`
	NoDataTimeout  time.Duration `yaml:"no_data_timeout"`
	Deadline       time.Time     `yaml:"deadline"`
	SellOnlyBefore time.Duration `yaml:"sell_only_before"`
	SellOnlyIdle   time.Duration `yaml:"sell_only_idle"`

	MinBalance        decimal.Decimal `yaml:"min_balance"`
	BuyTimeout        time.Duration   `yaml:"buy_timeout"`
	SellEscalateAfter time.Duration   `yaml:"sell_escalate_after"`
	SellAbandonAfter  time.Duration   `yaml:"sell_abandon_after"`

	Shock ShockConfig `yaml:"shock"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:            10 * time.Minute,
		MinWindow:           time.Minute,
		DropPct:             decimal.RequireFromString("0.05"),
		IncrementalDropStep: decimal.RequireFromString("0.01"),
		IncrementalDropCap:  decimal.RequireFromString("0.15"),
		ProfitPct:           decimal.RequireFromString("0.05"),
		MinPrice:            decimal.RequireFromString("0.05"),
		MaxPrice:            decimal.RequireFromString("0.95"),
		OrderSize:           decimal.NewFromInt(5),
		SignalTimeout:       30 * time.Minute,
		StaleWindow:         15 * time.Minute,
		NoDataTimeout:       2 * time.Minute,
		SellOnlyBefore:      30 * time.Minute,
		SellOnlyIdle:        10 * time.Minute,
		MinBalance:          decimal.NewFromInt(1),
		BuyTimeout:          time.Minute,
		SellEscalateAfter:   2 * time.Minute,
		SellAbandonAfter:    10 * time.Minute,
		Shock:               DefaultShockConfig(),
	}
}

// Position is the worker's own holding in the instrument.
type Position struct {
	Size     decimal.Decimal
	Entry    decimal.Decimal
	Realized decimal.Decimal
}

func (p Position) Open() bool { return p.Size.IsPositive() }

type openOrder struct {
	kind       ActionKind
	price      decimal.Decimal
	size       decimal.Decimal
	filled     decimal.Decimal
	aggressive bool
	placedAt   time.Time
}

// Machine is not safe for concurrent use; one worker goroutine drives it.
type Machine struct {
	cfg    Config
	logger zerolog.Logger
	guard  *ShockGuard
	window *rollingWindow

	state   State
	started time.Time

	last          types.Snapshot
	haveFirst     bool
	firstPriceAt  time.Time
	lastMid       decimal.Decimal
	lastChangeAt  time.Time
	lastSignalAt  time.Time
	effectiveDrop decimal.Decimal

	pos         Position
	hadPosition bool
	order       *openOrder

	sellOnly      bool
	sellOnlyWhy   types.ExitReason
	sellOnlySince time.Time

	exitingSince time.Time
	exitReason   types.ExitReason
	exitAggr     bool

	report *types.ExitReport
	trades int
}

// NewMachine starts a machine waiting for its first price.
func NewMachine(cfg Config, start time.Time) *Machine {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10 * time.Minute
	}
	return &Machine{
		cfg:           cfg,
		logger:        log.With().Str("instrument", shortID(cfg.InstrumentID)).Logger(),
		guard:         NewShockGuard(cfg.Shock),
		window:        newRollingWindow(cfg.Lookback),
		state:         StateAwaitingFirstPrice,
		started:       start,
		lastSignalAt:  start,
		effectiveDrop: cfg.DropPct,
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Position() Position { return m.pos }
func (m *Machine) Guard() *ShockGuard { return m.guard }
func (m *Machine) SellOnly() bool { return m.sellOnly }
func (m *Machine) EffectiveDrop() decimal.Decimal { return m.effectiveDrop }

// Exit returns the terminal report once the machine has terminated.
func (m *Machine) Exit() (types.ExitReport, bool) {
	if m.report == nil {
		return types.ExitReport{}, false
	}
	return *m.report, true
}

// OnSnapshot records an accepted snapshot and steps the machine.
func (m *Machine) OnSnapshot(s types.Snapshot, now time.Time) Action {
	if m.state == StateTerminated {
		return Action{}
	}
	m.last = s
	if mid, ok := s.Mid(); ok {
		if !m.haveFirst {
			m.haveFirst = true
			m.firstPriceAt = now
			m.lastChangeAt = now
			m.lastMid = mid
			m.state = StateAccumulating
			m.logger.Info().Str("mid", mid.StringFixed(4)).Msg("📈 First price")
		} else if !mid.Equal(m.lastMid) {
			m.lastMid = mid
			m.lastChangeAt = now
		}
		m.window.Push(mid, now)
	}
	m.guard.Observe(s.BestBid, s.BestAsk, now)
	return m.step(now)
}

// Tick steps the machine without new data so timers still fire.
func (m *Machine) Tick(now time.Time) Action {
	if m.state == StateTerminated {
		return Action{}
	}
	return m.step(now)
}

// OnFill applies an execution of the open order.
func (m *Machine) OnFill(f types.Fill, now time.Time) {
	if m.state == StateTerminated || !f.Size.IsPositive() {
		return
	}
	m.lastSignalAt = now
	m.trades++

	switch f.Side {
	case "BUY":
		cost := m.pos.Entry.Mul(m.pos.Size).Add(f.Price.Mul(f.Size))
		m.pos.Size = m.pos.Size.Add(f.Size)
		m.pos.Entry = cost.Div(m.pos.Size)
		m.hadPosition = true
		if m.state == StateArmed || m.state == StateAccumulating {
			m.state = StateHolding
		}
		m.logger.Info().
			Str("price", f.Price.StringFixed(4)).
			Str("size", f.Size.StringFixed(2)).
			Str("entry", m.pos.Entry.StringFixed(4)).
			Msg("🟢 Bought")
	case "SELL":
		size := decimal.Min(f.Size, m.pos.Size)
		m.pos.Realized = m.pos.Realized.Add(f.Price.Sub(m.pos.Entry).Mul(size))
		m.pos.Size = m.pos.Size.Sub(size)
		m.logger.Info().
			Str("price", f.Price.StringFixed(4)).
			Str("size", size.StringFixed(2)).
			Str("realized", m.pos.Realized.StringFixed(4)).
			Msg("🔴 Sold")
	}

	if m.order != nil && m.order.kind.String() == f.Side {
		m.order.filled = m.order.filled.Add(f.Size)
		if m.order.filled.GreaterThanOrEqual(m.order.size) {
			m.order = nil
		}
	}

	if f.Side == "SELL" && !m.pos.Open() {
		m.pos = Position{Realized: m.pos.Realized}
		m.order = nil
		m.afterFlat(now)
	}
}

// OnOrderClosed reports that the open order left the book without filling
// completely (cancelled, expired, or the unfilled part of a fill-and-kill).
func (m *Machine) OnOrderClosed(now time.Time) {
	if m.state == StateTerminated || m.order == nil {
		return
	}
	m.order = nil
	if m.pos.Open() && (m.state == StateArmed || m.state == StateAccumulating) {
		m.state = StateHolding
	}
}

// OnOrderFailed reports that the last action could not be placed.
func (m *Machine) OnOrderFailed(kind ActionKind, err error, now time.Time) Action {
	if m.state == StateTerminated {
		return Action{}
	}
	m.order = nil

	switch {
	case kind == ActionSell && errors.Is(err, types.ErrOrderAbandoned):
		m.terminate(types.ExitSellAbandoned, now, err.Error())
		return Action{Kind: ActionCancelAll, Reason: string(types.ExitSellAbandoned)}
	case kind == ActionBuy && types.IsInsufficientBalance(err):
		m.enterSellOnly(types.ExitBalanceInsufficient, now)
		if !m.pos.Open() {
			m.terminate(types.ExitBalanceInsufficient, now, err.Error())
		}
	default:
		m.logger.Warn().Err(err).Str("side", kind.String()).Msg("Order failed")
	}
	return Action{}
}

// OnBalance reports the account's free balance.
func (m *Machine) OnBalance(balance decimal.Decimal, now time.Time) Action {
	if m.state == StateTerminated || m.cfg.MinBalance.IsZero() || !balance.LessThan(m.cfg.MinBalance) {
		return Action{}
	}
	if !m.sellOnly {
		m.logger.Warn().
			Str("balance", balance.StringFixed(2)).
			Str("floor", m.cfg.MinBalance.StringFixed(2)).
			Msg("💸 Balance below floor, sell-only")
	}
	m.enterSellOnly(types.ExitBalanceInsufficient, now)

	if m.order != nil && m.order.kind == ActionBuy {
		m.order = nil
		if !m.pos.Open() {
			m.terminate(types.ExitBalanceInsufficient, now, "balance "+balance.StringFixed(2))
		}
		return Action{Kind: ActionCancelAll, Reason: "balance below floor"}
	}
	if !m.pos.Open() {
		m.terminate(types.ExitBalanceInsufficient, now, "balance "+balance.StringFixed(2))
	}
	return Action{}
}

// Liquidate unwinds the position aggressively and terminates with reason.
// A flat machine terminates at once.
func (m *Machine) Liquidate(reason types.ExitReason, now time.Time) Action {
	if m.state == StateTerminated {
		return Action{}
	}
	m.logger.Warn().Str("reason", string(reason)).Bool("position", m.pos.Open()).Msg("🚨 Liquidate")
	if !m.pos.Open() {
		cancel := m.order != nil
		m.order = nil
		m.terminate(reason, now, "liquidated flat")
		if cancel {
			return Action{Kind: ActionCancelAll, Reason: string(reason)}
		}
		return Action{}
	}
	m.enterExiting(reason, now, true)
	return m.step(now)
}

// Stop terminates immediately, leaving any position in place.
func (m *Machine) Stop(reason types.ExitReason, now time.Time) Action {
	if m.state == StateTerminated {
		return Action{}
	}
	cancel := m.order != nil
	m.order = nil
	m.terminate(reason, now, "stopped")
	if cancel {
		return Action{Kind: ActionCancelAll, Reason: string(reason)}
	}
	return Action{}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STEP
// ═══════════════════════════════════════════════════════════════════════════════

func (m *Machine) step(now time.Time) Action {
	if m.state == StateAwaitingFirstPrice {
		if m.cfg.NoDataTimeout > 0 && now.Sub(m.started) >= m.cfg.NoDataTimeout {
			m.terminate(types.ExitNoDataTimeout, now, "no price since "+m.started.Format(time.RFC3339))
		}
		return Action{}
	}

	if m.state != StateExiting {
		m.checkDeadline(now)
		if a, done := m.checkRisk(now); done {
			return a
		}
	}

	switch m.state {
	case StateAccumulating:
		if now.Sub(m.firstPriceAt) >= m.cfg.MinWindow {
			m.state = StateArmed
			m.logger.Debug().Int("points", m.window.Len()).Msg("Window ready, armed")
			return m.armed(now)
		}
	case StateArmed:
		return m.armed(now)
	case StateHolding:
		return m.holding(now)
	case StateExiting:
		return m.exiting(now)
	}
	return Action{}
}

// checkRisk applies the flat-only exits and stale data. It reports done when
// the machine terminated or started exiting.
func (m *Machine) checkRisk(now time.Time) (Action, bool) {
	flat := !m.pos.Open() && m.order == nil

	if m.cfg.StaleWindow > 0 && now.Sub(m.lastChangeAt) >= m.cfg.StaleWindow {
		detail := "flat since " + m.lastChangeAt.Format(time.RFC3339)
		if flat {
			m.terminate(types.ExitStaleData, now, detail)
			return Action{}, true
		}
		if m.pos.Open() {
			cancel := m.order != nil && m.order.kind == ActionBuy
			m.enterExiting(types.ExitStaleData, now, false)
			if cancel {
				m.order = nil
				return Action{Kind: ActionCancelAll, Reason: string(types.ExitStaleData)}, true
			}
			return m.exiting(now), true
		}
	}

	if flat && m.cfg.SignalTimeout > 0 && now.Sub(m.lastSignalAt) >= m.cfg.SignalTimeout {
		m.terminate(types.ExitSignalTimeout, now, "no signal since "+m.lastSignalAt.Format(time.RFC3339))
		return Action{}, true
	}

	if flat && m.sellOnly {
		switch m.sellOnlyWhy {
		case types.ExitBalanceInsufficient:
			m.terminate(types.ExitBalanceInsufficient, now, "sell-only and flat")
			return Action{}, true
		case types.ExitDeadlineReached:
			idleFrom := m.sellOnlySince
			if m.lastSignalAt.After(idleFrom) {
				idleFrom = m.lastSignalAt
			}
			if now.Sub(idleFrom) >= m.cfg.SellOnlyIdle {
				m.terminate(types.ExitDeadlineReached, now, "sell-only idle")
				return Action{}, true
			}
		}
	}
	return Action{}, false
}

func (m *Machine) checkDeadline(now time.Time) {
	if m.cfg.Deadline.IsZero() {
		return
	}
	if !m.sellOnly && !now.Before(m.cfg.Deadline.Add(-m.cfg.SellOnlyBefore)) {
		m.logger.Info().Time("deadline", m.cfg.Deadline).Msg("⏳ Deadline near, sell-only")
		m.enterSellOnly(types.ExitDeadlineReached, now)
	}
	if m.pos.Open() && !now.Before(m.cfg.Deadline) && m.state == StateHolding {
		m.enterExiting(types.ExitDeadlineReached, now, true)
	}
}

func (m *Machine) armed(now time.Time) Action {
	if m.order != nil {
		return m.manageBuy(now)
	}
	if m.sellOnly {
		return Action{}
	}
	mid, ok := m.last.Mid()
	if !ok || !m.last.BestAsk.Valid {
		return Action{}
	}
	ask := m.last.BestAsk.Decimal

	high, ok := m.window.High(now.Add(-m.cfg.Lookback))
	if !ok || !high.IsPositive() {
		return Action{}
	}
	drop := high.Sub(mid).Div(high)
	if drop.LessThan(m.effectiveDrop) {
		return Action{}
	}
	if ask.LessThan(m.cfg.MinPrice) || ask.GreaterThan(m.cfg.MaxPrice) {
		m.logger.Debug().Str("ask", ask.StringFixed(4)).Msg("Drop outside price band")
		return Action{}
	}

	gate := m.guard.Gate(now)
	if gate.Decision != GateAllow {
		m.logger.Debug().Str("gate", string(gate.Decision)).Str("reason", gate.Reason).Msg("Entry gated")
		return Action{}
	}

	m.lastSignalAt = now
	m.order = &openOrder{kind: ActionBuy, price: ask, size: m.cfg.OrderSize, placedAt: now}
	m.logger.Info().
		Str("high", high.StringFixed(4)).
		Str("mid", mid.StringFixed(4)).
		Str("drop", drop.StringFixed(4)).
		Str("need", m.effectiveDrop.StringFixed(4)).
		Msg("🎯 Entry signal")
	return Action{
		Kind:   ActionBuy,
		Price:  ask,
		Size:   m.cfg.OrderSize,
		Reason: fmt.Sprintf("drop %s from %s", drop.StringFixed(4), high.StringFixed(4)),
	}
}

func (m *Machine) manageBuy(now time.Time) Action {
	if m.cfg.BuyTimeout <= 0 || now.Sub(m.order.placedAt) < m.cfg.BuyTimeout {
		return Action{}
	}
	m.logger.Info().Dur("age", now.Sub(m.order.placedAt)).Msg("Buy unfilled, cancelling")
	m.order = nil
	if m.pos.Open() {
		m.state = StateHolding
	}
	return Action{Kind: ActionCancelAll, Reason: "buy timeout"}
}

func (m *Machine) holding(now time.Time) Action {
	if m.order != nil && m.order.kind == ActionBuy {
		return m.manageBuy(now)
	}
	target := m.pos.Entry.Mul(decimal.NewFromInt(1).Add(m.cfg.ProfitPct))
	if !m.last.BestBid.Valid {
		return Action{}
	}
	bid := m.last.BestBid.Decimal

	if m.order != nil {
		if m.order.aggressive || m.cfg.SellEscalateAfter <= 0 || now.Sub(m.order.placedAt) < m.cfg.SellEscalateAfter {
			return Action{}
		}
		if bid.LessThan(target) {
			return Action{}
		}
		return m.placeSell(bid, true, true, now, "escalate profit sell")
	}

	if bid.LessThan(target) {
		return Action{}
	}
	price := target
	if m.last.BestAsk.Valid && m.last.BestAsk.Decimal.GreaterThan(price) {
		price = m.last.BestAsk.Decimal
	}
	m.logger.Info().
		Str("entry", m.pos.Entry.StringFixed(4)).
		Str("bid", bid.StringFixed(4)).
		Str("target", target.StringFixed(4)).
		Msg("💰 Profit target reached")
	return m.placeSell(price, false, false, now, "profit target")
}

func (m *Machine) exiting(now time.Time) Action {
	if !m.pos.Open() {
		m.terminate(m.exitReason, now, "position closed")
		return Action{}
	}
	if m.cfg.SellAbandonAfter > 0 && now.Sub(m.exitingSince) >= m.cfg.SellAbandonAfter {
		m.order = nil
		m.terminate(types.ExitSellAbandoned, now, fmt.Sprintf("%s: %s left after %s", m.exitReason, m.pos.Size.StringFixed(2), now.Sub(m.exitingSince)))
		return Action{Kind: ActionCancelAll, Reason: string(types.ExitSellAbandoned)}
	}
	if m.order != nil && m.order.kind == ActionBuy {
		m.order = nil
		return Action{Kind: ActionCancelAll, Reason: "exiting"}
	}

	if m.order != nil {
		if m.order.aggressive || m.cfg.SellEscalateAfter <= 0 || now.Sub(m.order.placedAt) < m.cfg.SellEscalateAfter {
			return Action{}
		}
		if !m.last.BestBid.Valid {
			return Action{}
		}
		return m.placeSell(m.last.BestBid.Decimal, true, true, now, "escalate exit")
	}

	if m.exitAggr || now.Sub(m.exitingSince) >= m.cfg.SellEscalateAfter {
		if !m.last.BestBid.Valid {
			return Action{}
		}
		return m.placeSell(m.last.BestBid.Decimal, true, false, now, string(m.exitReason))
	}
	price, ok := m.last.BestAsk.Decimal, m.last.BestAsk.Valid
	if !ok {
		price, ok = m.last.BestBid.Decimal, m.last.BestBid.Valid
	}
	if !ok {
		return Action{}
	}
	return m.placeSell(price, false, false, now, string(m.exitReason))
}

func (m *Machine) placeSell(price decimal.Decimal, aggressive, replace bool, now time.Time, reason string) Action {
	m.order = &openOrder{kind: ActionSell, price: price, size: m.pos.Size, aggressive: aggressive, placedAt: now}
	return Action{
		Kind:       ActionSell,
		Price:      price,
		Size:       m.pos.Size,
		Aggressive: aggressive,
		Replace:    replace,
		Reason:     reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (m *Machine) afterFlat(now time.Time) {
	switch {
	case m.state == StateExiting:
		m.terminate(m.exitReason, now, "position closed")
	case m.sellOnly:
		m.terminate(m.sellOnlyWhy, now, "sell-only and flat")
	default:
		next := m.effectiveDrop.Add(m.cfg.IncrementalDropStep)
		if m.cfg.IncrementalDropCap.IsPositive() && next.GreaterThan(m.cfg.IncrementalDropCap) {
			next = m.cfg.IncrementalDropCap
		}
		m.effectiveDrop = next
		m.state = StateArmed
		m.logger.Info().
			Str("realized", m.pos.Realized.StringFixed(4)).
			Str("next_drop", next.StringFixed(4)).
			Msg("✅ Round trip complete, re-armed")
	}
}

func (m *Machine) enterSellOnly(why types.ExitReason, now time.Time) {
	if m.sellOnly {
		return
	}
	m.sellOnly = true
	m.sellOnlyWhy = why
	m.sellOnlySince = now
}

func (m *Machine) enterExiting(reason types.ExitReason, now time.Time, aggressive bool) {
	if m.state == StateExiting {
		m.exitAggr = m.exitAggr || aggressive
		return
	}
	m.state = StateExiting
	m.exitReason = reason
	m.exitingSince = now
	m.exitAggr = aggressive
	if m.order != nil && m.order.kind == ActionSell && aggressive {
		m.order.placedAt = time.Time{}
	}
	m.logger.Warn().Str("reason", string(reason)).Str("size", m.pos.Size.StringFixed(2)).Msg("🚪 Exiting")
}

func (m *Machine) terminate(reason types.ExitReason, now time.Time, detail string) {
	if m.report != nil {
		return
	}
	rep := types.NewExitReport(m.cfg.InstrumentID, reason, now)
	rep.HadPosition = m.hadPosition
	rep.Data = map[string]string{
		"state":    string(m.state),
		"detail":   detail,
		"position": m.pos.Size.String(),
		"realized": m.pos.Realized.StringFixed(4),
		"trades":   fmt.Sprint(m.trades),
	}
	if m.pos.Open() {
		rep.Data["entry"] = m.pos.Entry.StringFixed(4)
	}
	m.report = &rep
	m.state = StateTerminated
	m.logger.Info().
		Str("reason", string(reason)).
		Bool("refillable", rep.Refillable).
		Str("detail", detail).
		Msg("🏁 Machine terminated")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
