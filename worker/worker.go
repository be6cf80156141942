package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polymaker/exec"
	"github.com/web3guy0/polymaker/strategy"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WORKER RUNTIME - one instrument, one machine, one exit report
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each tick: reconcile the open order, refresh the balance when due, poll the
// snapshot source, step the machine, execute its action. The loop ends when
// the machine terminates; the exit report is written before Run returns,
// including after a panic (INTERNAL).
//
// ═══════════════════════════════════════════════════════════════════════════════

// SnapshotSource is what the worker polls for prices.
type SnapshotSource interface {
	Poll(ctx context.Context, now time.Time) (types.Snapshot, bool, error)
	Close() error
}

// Exchange is the order and account side.
type Exchange interface {
	exec.OrderClient
	GetOrder(ctx context.Context, orderID string) (exec.Order, error)
	CancelAll(ctx context.Context, tokenID string) error
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// FillRecorder persists executions.
type FillRecorder interface {
	RecordFill(f types.Fill) error
}

// CommandKind is an instruction from the scheduler.
type CommandKind int

const (
	CmdLiquidate CommandKind = iota + 1
	CmdStop
)

// Command is delivered over Deps.Commands.
type Command struct {
	Kind   CommandKind
	Reason types.ExitReason
}

// Config is the worker's runtime configuration.
type Config struct {
	InstrumentID      string            `yaml:"-"`
	ReportPath        string            `yaml:"-"`
	TickInterval      time.Duration     `yaml:"tick_interval"`
	BalanceInterval   time.Duration     `yaml:"balance_interval"`
	OrderPollInterval time.Duration     `yaml:"order_poll_interval"`
	CancelTimeout     time.Duration     `yaml:"cancel_timeout"`
	Strategy          strategy.Config   `yaml:"strategy"`
	Placer            exec.PlacerConfig `yaml:"placer"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		BalanceInterval:   30 * time.Second,
		OrderPollInterval: 5 * time.Second,
		CancelTimeout:     10 * time.Second,
		Strategy:          strategy.DefaultConfig(),
		Placer:            exec.DefaultPlacerConfig(),
	}
}

// Deps are the collaborators. Fills and Commands may be nil.
type Deps struct {
	Snapshots SnapshotSource
	Exchange  Exchange
	Fills     FillRecorder
	Commands  <-chan Command
	Now       func() time.Time
}

type trackedOrder struct {
	id       string
	side     string
	price    decimal.Decimal
	size     decimal.Decimal
	reported decimal.Decimal
}

type runner struct {
	cfg     Config
	deps    Deps
	logger  zerolog.Logger
	machine *strategy.Machine
	placer  *exec.Placer

	open          *trackedOrder
	lastOrderPoll time.Time
	lastBalance   time.Time
}

// Run drives the machine until it terminates and returns its exit report.
func Run(ctx context.Context, cfg Config, deps Deps) (rep types.ExitReport) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	d := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = d.TickInterval
	}
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = d.BalanceInterval
	}
	if cfg.OrderPollInterval <= 0 {
		cfg.OrderPollInterval = d.OrderPollInterval
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = d.CancelTimeout
	}
	cfg.Strategy.InstrumentID = cfg.InstrumentID

	w := &runner{
		cfg:    cfg,
		deps:   deps,
		logger: log.With().Str("worker", shortID(cfg.InstrumentID)).Logger(),
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("💥 Worker panic")
			rep = types.NewExitReport(cfg.InstrumentID, types.ExitInternal, deps.Now())
			rep.Data = map[string]string{"panic": fmt.Sprint(r)}
			if w.machine != nil {
				rep.HadPosition = w.machine.Position().Open()
			}
		}
		w.finish(rep)
	}()

	w.machine = strategy.NewMachine(cfg.Strategy, deps.Now())
	w.placer = exec.NewPlacer(deps.Exchange, cfg.Placer)
	w.logger.Info().
		Str("drop", cfg.Strategy.DropPct.StringFixed(3)).
		Str("profit", cfg.Strategy.ProfitPct.StringFixed(3)).
		Str("size", cfg.Strategy.OrderSize.StringFixed(2)).
		Bool("shock_guard", cfg.Strategy.Shock.Enabled).
		Msg("🤖 Worker started")

	return w.loop(ctx)
}

func (w *runner) loop(ctx context.Context) types.ExitReport {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if rep, ok := w.machine.Exit(); ok {
			return rep
		}

		select {
		case <-ctx.Done():
			w.stop(ctx, types.ExitUserStopped)

		case cmd := <-w.deps.Commands:
			now := w.deps.Now()
			switch cmd.Kind {
			case CmdLiquidate:
				w.execute(ctx, w.machine.Liquidate(cmd.Reason, now))
			case CmdStop:
				w.stop(ctx, cmd.Reason)
			}

		case <-ticker.C:
			w.step(ctx)
		}
	}
}

// step is one tick of the loop.
func (w *runner) step(ctx context.Context) {
	now := w.deps.Now()

	if w.open != nil && now.Sub(w.lastOrderPoll) >= w.cfg.OrderPollInterval {
		w.lastOrderPoll = now
		w.reconcile(ctx, true)
	}

	if w.lastBalance.IsZero() || now.Sub(w.lastBalance) >= w.cfg.BalanceInterval {
		w.lastBalance = now
		bal, err := w.deps.Exchange.GetBalance(ctx)
		if err != nil {
			w.logger.Debug().Err(err).Msg("Balance read failed")
		} else {
			w.execute(ctx, w.machine.OnBalance(bal, now))
		}
	}
	if w.machine.State() == strategy.StateTerminated {
		return
	}

	snap, ok, err := w.deps.Snapshots.Poll(ctx, now)
	if err != nil && !ok {
		w.logger.Debug().Err(err).Msg("No snapshot")
	}
	if ok {
		w.execute(ctx, w.machine.OnSnapshot(snap, now))
	} else {
		w.execute(ctx, w.machine.Tick(now))
	}
}

func (w *runner) execute(ctx context.Context, a strategy.Action) {
	switch a.Kind {
	case strategy.ActionNone:
		return
	case strategy.ActionCancelAll:
		w.cancelAll(ctx)
		return
	}

	now := w.deps.Now()
	if a.Replace || w.open != nil {
		w.cancelAll(ctx)
	}

	size := a.Size
	if a.Kind == strategy.ActionSell {
		size = decimal.Min(size, w.machine.Position().Size)
		if !size.IsPositive() {
			return
		}
	}

	req := exec.OrderRequest{
		TokenID:    w.cfg.InstrumentID,
		Side:       a.Side(),
		Price:      a.Price,
		Size:       size,
		Aggressive: a.Aggressive,
	}
	w.logger.Info().
		Str("side", req.Side).
		Str("price", req.Price.StringFixed(4)).
		Str("size", req.Size.StringFixed(2)).
		Bool("aggressive", req.Aggressive).
		Str("reason", a.Reason).
		Msg("📤 Placing order")

	res, err := w.placer.Place(ctx, req)
	if err != nil {
		w.logger.Warn().Err(err).Str("side", req.Side).Msg("Order failed")
		w.execute(ctx, w.machine.OnOrderFailed(a.Kind, err, now))
		return
	}

	w.open = &trackedOrder{id: res.OrderID, side: req.Side, price: req.Price, size: req.Size}
	w.lastOrderPoll = now
	if res.Filled() {
		price := res.AvgPrice
		if price.IsZero() {
			price = req.Price
		}
		w.open.reported = res.FilledSize
		w.applyFill(res.OrderID, req.Side, price, res.FilledSize, now)
	}
	if w.open != nil && w.open.reported.GreaterThanOrEqual(w.open.size) {
		w.open = nil
		return
	}
	if res.Status != "" && res.Status != "live" {
		w.open = nil
		w.machine.OnOrderClosed(now)
	}
}

// reconcile reads the open order and reports new fills. With notify, an order
// that left the book unfilled is reported to the machine.
func (w *runner) reconcile(ctx context.Context, notify bool) {
	o := w.open
	if o == nil || o.id == "" {
		return
	}
	got, err := w.deps.Exchange.GetOrder(ctx, o.id)
	if err != nil {
		w.logger.Debug().Err(err).Str("order", o.id).Msg("Order status failed")
		return
	}
	now := w.deps.Now()
	if delta := got.Filled.Sub(o.reported); delta.IsPositive() {
		o.reported = got.Filled
		price := got.Price
		if price.IsZero() {
			price = o.price
		}
		w.applyFill(o.id, o.side, price, delta, now)
	}
	if got.Open() {
		return
	}
	w.open = nil
	if notify && o.reported.LessThan(o.size) {
		w.machine.OnOrderClosed(now)
	}
}

func (w *runner) cancelAll(ctx context.Context) {
	if err := w.deps.Exchange.CancelAll(ctx, w.cfg.InstrumentID); err != nil {
		w.logger.Warn().Err(err).Msg("Cancel failed")
	}
	if w.open != nil {
		w.reconcile(ctx, false)
		w.open = nil
	}
}

func (w *runner) applyFill(orderID, side string, price, size decimal.Decimal, now time.Time) {
	f := types.Fill{
		InstrumentID: w.cfg.InstrumentID,
		OrderID:      orderID,
		Side:         side,
		Price:        price,
		Size:         size,
		At:           now,
	}
	w.machine.OnFill(f, now)
	if w.deps.Fills == nil {
		return
	}
	if err := w.deps.Fills.RecordFill(f); err != nil {
		w.logger.Warn().Err(err).Msg("Fill not recorded")
	}
}

// stop terminates the machine; cancellation of resting orders still runs when
// ctx is already done.
func (w *runner) stop(ctx context.Context, reason types.ExitReason) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CancelTimeout)
	defer cancel()
	w.execute(c, w.machine.Stop(reason, w.deps.Now()))
}

func (w *runner) finish(rep types.ExitReport) {
	if w.deps.Snapshots != nil {
		if err := w.deps.Snapshots.Close(); err != nil {
			w.logger.Debug().Err(err).Msg("Snapshot source close")
		}
	}
	if w.cfg.ReportPath != "" {
		if err := WriteReport(w.cfg.ReportPath, rep); err != nil {
			w.logger.Error().Err(err).Str("path", w.cfg.ReportPath).Msg("Exit report not written")
		}
	}
	w.logger.Info().
		Str("reason", string(rep.Reason)).
		Bool("refillable", rep.Refillable).
		Bool("had_position", rep.HadPosition).
		Msg("👋 Worker exited")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
