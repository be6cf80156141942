package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polymaker/internal/fsutil"
	"github.com/web3guy0/polymaker/internal/metrics"
	"github.com/web3guy0/polymaker/marketdata"
	"github.com/web3guy0/polymaker/marketstate"
	"github.com/web3guy0/polymaker/risk"
	"github.com/web3guy0/polymaker/storage"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER - worker lifecycle orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per tick:
//   commands → reap exits → candidates / sell signals → eviction → refill
//   → admission → subscriptions → liquidation vote → status.json
//
// Lifecycle:
//   PENDING → RUNNING → EXITING → EXITED → (refill) PENDING
//
// Every record mutation happens on the control loop. Readers (List, ctl, the
// Telegram bot) only see the copy published at the end of each tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds the scheduler cadence and policy.
type Config struct {
	MaxWorkers        int           `yaml:"max_workers"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	CandidatePoll     time.Duration `yaml:"candidate_poll"`
	CandidatesPath    string        `yaml:"candidates_path"`
	SellSignalsPath   string        `yaml:"sell_signals_path"`
	StatusPath        string        `yaml:"status_path"`
	InboxDir          string        `yaml:"inbox_dir"`
	CandidateMaxAge   time.Duration `yaml:"candidate_max_age"`
	EvictAfter        time.Duration `yaml:"evict_after"`
	LowLiquidityProbe time.Duration `yaml:"low_liquidity_probe"`
	RefillCooldown    time.Duration `yaml:"refill_cooldown"`
	MaxRetries        int           `yaml:"max_retries"`
	CheckTimeout      time.Duration `yaml:"check_timeout"`
	BalanceInterval   time.Duration `yaml:"balance_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Admission waits for the aggregator to hear about a candidate before
	// launching it. SharedCacheFailures timeouts in a row park the candidate
	// for SharedCachePause. A negative SharedCacheWait turns the gate off.
	SharedCacheWait     time.Duration `yaml:"shared_cache_wait"`
	SharedCacheFailures int           `yaml:"shared_cache_failures"`
	SharedCachePause    time.Duration `yaml:"shared_cache_pause"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:        5,
		TickInterval:      5 * time.Second,
		CandidatePoll:     10 * time.Second,
		EvictAfter:        15 * time.Minute,
		LowLiquidityProbe: 2 * time.Minute,
		RefillCooldown:    2 * time.Minute,
		MaxRetries:        3,
		CheckTimeout:      20 * time.Second,
		BalanceInterval:   time.Minute,
		ShutdownTimeout:   30 * time.Second,

		SharedCacheWait:     45 * time.Second,
		SharedCacheFailures: 3,
		SharedCachePause:    10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.CandidatePoll <= 0 {
		c.CandidatePoll = d.CandidatePoll
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = d.EvictAfter
	}
	if c.LowLiquidityProbe <= 0 {
		c.LowLiquidityProbe = d.LowLiquidityProbe
	}
	if c.RefillCooldown < 0 {
		c.RefillCooldown = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.BalanceInterval <= 0 {
		c.BalanceInterval = d.BalanceInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.SharedCacheWait == 0 {
		c.SharedCacheWait = d.SharedCacheWait
	}
	if c.SharedCacheFailures <= 0 {
		c.SharedCacheFailures = d.SharedCacheFailures
	}
	if c.SharedCachePause <= 0 {
		c.SharedCachePause = d.SharedCachePause
	}
	return c
}

// StateChecker classifies instrument tradability.
type StateChecker interface {
	CheckState(ctx context.Context, id string, force bool) (marketstate.Result, error)
}

// MarketData is the aggregator surface the scheduler drives.
type MarketData interface {
	SetDesired(ids []string)
	LastActivity(id string) time.Time
	Forget(id string)
	Health() marketdata.Health
	Ready(id string) bool
}

// Ledger persists exit records and answers the fill question for the
// liquidation vote.
type Ledger interface {
	UpsertExit(rec storage.ExitRecord) error
	ListExits() ([]storage.ExitRecord, error)
	DeleteExit(id string) error
	LatestFillAt() (time.Time, bool, error)
	Reset() error
}

// Notifier is told about exits and liquidations (Telegram).
type Notifier interface {
	NotifyExit(rep types.ExitReport)
	NotifyLiquidation(reasons []string)
}

// BalanceFunc reads the free collateral balance.
type BalanceFunc func(ctx context.Context) (decimal.Decimal, error)

// Deps are the scheduler collaborators. Only Launcher and States are
// required.
type Deps struct {
	Launcher    Launcher
	States      StateChecker
	Market      MarketData
	Ledger      Ledger
	Liquidation *risk.LiquidationMonitor
	Breaker     *risk.CircuitBreaker
	Balance     BalanceFunc
	Notifier    Notifier
	Now         func() time.Time
}

// ErrQueueFull is returned when a control command cannot be queued.
var ErrQueueFull = errors.New("control queue full")

type Scheduler struct {
	cfg  Config
	deps Deps

	// control loop only
	records     map[string]*types.WorkerRecord
	pending     []string
	handles     map[string]Handle
	overrides   map[string]types.ExitReason
	liquidating map[string]bool
	forceCheck  map[string]bool
	lastProbe   map[string]time.Time
	archived    map[string]bool
	sellSignals map[string]bool
	cacheWait   map[string]*cacheWait

	lastCandidates time.Time
	lastBalance    time.Time
	balance        decimal.NullDecimal
	refreshNow     bool
	exitRequested  bool
	resetPending   bool

	cmds chan Command
	wake chan struct{}

	// published view
	mu        sync.RWMutex
	published []types.WorkerRecord
	desired   []string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		deps:        deps,
		records:     make(map[string]*types.WorkerRecord),
		handles:     make(map[string]Handle),
		overrides:   make(map[string]types.ExitReason),
		liquidating: make(map[string]bool),
		forceCheck:  make(map[string]bool),
		cacheWait:   make(map[string]*cacheWait),
		lastProbe:   make(map[string]time.Time),
		archived:    make(map[string]bool),
		sellSignals: make(map[string]bool),
		cmds:        make(chan Command, 64),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Run drives the control loop until ctx is done, Stop is called or an exit
// command arrives. Running workers are stopped before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.restore()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Info().
		Int("max_workers", s.cfg.MaxWorkers).
		Dur("tick", s.cfg.TickInterval).
		Str("candidates", s.cfg.CandidatesPath).
		Msg("🗓️ Scheduler started")

	s.Tick(ctx, s.deps.Now())
	for !s.exitRequested {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.stopCh:
			s.shutdown()
			return nil
		case <-s.wake:
			s.Tick(ctx, s.deps.Now())
		case <-ticker.C:
			s.Tick(ctx, s.deps.Now())
		}
	}
	log.Info().Msg("Exit requested")
	s.shutdown()
	return nil
}

// Stop ends Run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Tick runs one control cycle.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.applyCommands(now)
	s.reap(now)

	if s.resetPending {
		s.maybeReset()
	}
	if s.exitRequested {
		s.stopAll(types.ExitUserStopped)
		s.publish(now)
		return
	}

	if s.refreshNow || s.lastCandidates.IsZero() || now.Sub(s.lastCandidates) >= s.cfg.CandidatePoll {
		s.refreshNow = false
		s.lastCandidates = now
		s.ingestCandidates(now)
		s.ingestSellSignals()
	}

	s.evict(ctx, now)
	s.refill(now)
	s.admit(ctx, now)
	s.syncSubscriptions()
	s.checkLiquidation(ctx, now)
	s.publish(now)
}

// restore loads exit records so refill budgets and permanent rejections
// survive a restart.
func (s *Scheduler) restore() {
	if s.deps.Ledger == nil {
		return
	}
	recs, err := s.deps.Ledger.ListExits()
	if err != nil {
		log.Warn().Err(err).Msg("Could not load exit records")
		return
	}
	for _, r := range recs {
		reason := r.ExitReason()
		if !reason.Valid() {
			continue
		}
		if r.Refillable && r.RetryCount >= s.retryBudget(reason) {
			s.archived[r.InstrumentID] = true
			continue
		}
		s.records[r.InstrumentID] = &types.WorkerRecord{
			InstrumentID:  r.InstrumentID,
			State:         types.WorkerExited,
			SourceAccount: r.SourceAccount,
			ExitReason:    &reason,
			ExitedAt:      r.LastExitAt,
			Refillable:    r.Refillable,
			RetryCount:    r.RetryCount,
			HadPosition:   r.HadPosition,
			LowLiquidity:  r.LowLiquidity,
		}
	}
	if len(recs) > 0 {
		log.Info().Int("records", len(recs)).Int("archived", len(s.archived)).Msg("📂 Exit records restored")
	}
}

func (s *Scheduler) shutdown() {
	s.stopAll(types.ExitUserStopped)

	type exited struct {
		id  string
		rep types.ExitReport
	}
	merged := make(chan exited)
	quit := make(chan struct{})
	defer close(quit)
	for id, h := range s.handles {
		go func(id string, done <-chan types.ExitReport) {
			select {
			case rep := <-done:
				select {
				case merged <- exited{id: id, rep: rep}:
				case <-quit:
				}
			case <-quit:
			}
		}(id, h.Done())
	}

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
wait:
	for len(s.handles) > 0 {
		select {
		case e := <-merged:
			s.onExit(e.id, e.rep, s.deps.Now())
		case <-deadline.C:
			break wait
		}
	}
	if n := len(s.handles); n > 0 {
		log.Warn().Int("workers", n).Msg("Workers still running at shutdown")
	}
	s.publish(s.deps.Now())
	log.Info().Msg("Scheduler stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTROL SURFACE
// ═══════════════════════════════════════════════════════════════════════════════

// List returns the worker records published by the last tick.
func (s *Scheduler) List() []types.WorkerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.WorkerRecord(nil), s.published...)
}

// DesiredSubscriptions returns the subscription set computed by the last tick.
func (s *Scheduler) DesiredSubscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.desired...)
}

// StopWorker stops a running or pending instrument.
func (s *Scheduler) StopWorker(id string) error {
	return s.enqueue(Command{Op: OpStop, InstrumentID: id})
}

// Refresh re-reads upstream feeds and bypasses the state cache for pending
// admissions on the next tick.
func (s *Scheduler) Refresh() error {
	return s.enqueue(Command{Op: OpRefresh})
}

// RequestExit stops every worker and ends Run.
func (s *Scheduler) RequestExit() error {
	return s.enqueue(Command{Op: OpExit})
}

func (s *Scheduler) enqueue(c Command) error {
	if c.Op == OpStop && c.InstrumentID == "" {
		return errors.New("stop needs an instrument id")
	}
	c.IssuedAt = s.deps.Now()
	select {
	case s.cmds <- c:
	default:
		return ErrQueueFull
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) applyCommands(now time.Time) {
	var cmds []Command
	for done := false; !done; {
		select {
		case c := <-s.cmds:
			cmds = append(cmds, c)
		default:
			done = true
		}
	}
	cmds = append(cmds, drainInbox(s.cfg.InboxDir)...)

	for _, c := range cmds {
		switch c.Op {
		case OpStop:
			s.stopCommand(c.InstrumentID, now)
		case OpRefresh:
			s.refreshNow = true
			for _, id := range s.pending {
				s.forceCheck[id] = true
			}
			log.Info().Msg("🔄 Refresh requested")
		case OpExit:
			s.exitRequested = true
		case OpList:
		default:
			log.Warn().Str("op", string(c.Op)).Msg("Unknown control command")
		}
	}
}

func (s *Scheduler) stopCommand(id string, now time.Time) {
	rec, ok := s.records[id]
	if !ok {
		log.Info().Str("instrument", shortID(id)).Msg("Stop: not managed")
		return
	}
	switch rec.State {
	case types.WorkerRunning:
		s.stopWorker(id, types.ExitUserStopped)
	case types.WorkerPending:
		s.dropPending(id)
		s.markExited(rec, types.NewExitReport(id, types.ExitUserStopped, now), now)
		log.Info().Str("instrument", shortID(id)).Msg("⏹️ Pending instrument stopped")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXITS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) reap(now time.Time) {
	for _, id := range sortedKeys(s.handles) {
		select {
		case rep := <-s.handles[id].Done():
			s.onExit(id, rep, now)
		default:
		}
	}
}

func (s *Scheduler) onExit(id string, rep types.ExitReport, now time.Time) {
	delete(s.handles, id)
	delete(s.liquidating, id)
	delete(s.lastProbe, id)

	if r, ok := s.overrides[id]; ok {
		delete(s.overrides, id)
		if rep.Reason == types.ExitUserStopped || rep.Reason == "" {
			rep.Reason = r
			rep.Refillable = r.Refillable()
		}
	}
	if !rep.Reason.Valid() {
		rep = types.NewExitReport(id, types.ExitInternal, now)
	}
	rep.InstrumentID = id
	if s.sellSignals[id] {
		// the followed account is out; never buy this one again
		delete(s.sellSignals, id)
		rep.Refillable = false
	}

	rec, ok := s.records[id]
	if !ok {
		rec = &types.WorkerRecord{InstrumentID: id}
		s.records[id] = rec
	}
	if rec.State == types.WorkerRunning {
		rec.State = types.WorkerExiting
	}
	s.markExited(rec, rep, now)

	metrics.WorkerExits.WithLabelValues(string(rep.Reason)).Inc()
	log.Info().
		Str("instrument", shortID(id)).
		Str("reason", string(rep.Reason)).
		Bool("refillable", rep.Refillable).
		Bool("had_position", rep.HadPosition).
		Int("retries", rec.RetryCount).
		Msg("🏁 Worker exited")

	if s.deps.Breaker != nil {
		if pnl, err := decimal.NewFromString(rep.Data["realized"]); err == nil {
			s.deps.Breaker.Record(pnl, now)
		}
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.NotifyExit(rep)
	}
	if rep.Reason.MarketGone() {
		s.cleanup(id)
	}
}

func (s *Scheduler) markExited(rec *types.WorkerRecord, rep types.ExitReport, now time.Time) {
	reason := rep.Reason
	rec.State = types.WorkerExited
	rec.ExitReason = &reason
	rec.Refillable = rep.Refillable
	rec.ExitedAt = now
	rec.HadPosition = rec.HadPosition || rep.HadPosition
	rec.Handle = ""
	s.saveExit(rec)
}

func (s *Scheduler) saveExit(rec *types.WorkerRecord) {
	if s.deps.Ledger == nil || rec.ExitReason == nil {
		return
	}
	err := s.deps.Ledger.UpsertExit(storage.ExitRecord{
		InstrumentID:  rec.InstrumentID,
		Reason:        string(*rec.ExitReason),
		Refillable:    rec.Refillable,
		RetryCount:    rec.RetryCount,
		HadPosition:   rec.HadPosition,
		LowLiquidity:  rec.LowLiquidity,
		SourceAccount: rec.SourceAccount,
		LastExitAt:    rec.ExitedAt,
	})
	if err != nil {
		log.Warn().Err(err).Str("instrument", shortID(rec.InstrumentID)).Msg("Exit record not saved")
	}
}

// cleanup removes every downstream trace of an instrument whose market is
// gone. The exit record stays so the instrument is never admitted again.
func (s *Scheduler) cleanup(id string) {
	s.dropPending(id)
	delete(s.forceCheck, id)
	for _, path := range []string{s.cfg.CandidatesPath, s.cfg.SellSignalsPath} {
		if n, err := PurgeFeed(path, id); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Purge failed")
		} else if n > 0 {
			log.Info().Str("instrument", shortID(id)).Str("file", path).Int("records", n).Msg("🧹 Purged from feed")
		}
	}
	if s.deps.Market != nil {
		s.deps.Market.Forget(id)
	}
}

func (s *Scheduler) stopWorker(id string, reason types.ExitReason) {
	h, ok := s.handles[id]
	if !ok {
		return
	}
	if rec := s.records[id]; rec != nil {
		rec.State = types.WorkerExiting
	}
	if _, set := s.overrides[id]; !set {
		s.overrides[id] = reason
	}
	log.Info().Str("instrument", shortID(id)).Str("reason", string(reason)).Msg("⏹️ Stopping worker")
	h.Stop()
}

func (s *Scheduler) stopAll(reason types.ExitReason) {
	for _, id := range sortedKeys(s.handles) {
		if rec := s.records[id]; rec != nil && rec.State == types.WorkerExiting {
			continue
		}
		s.stopWorker(id, reason)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// UPSTREAM FEEDS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) ingestCandidates(now time.Time) {
	cands, err := LoadCandidates(s.cfg.CandidatesPath)
	if err != nil {
		log.Warn().Err(err).Msg("Candidate feed unreadable")
		return
	}
	added := 0
	for _, c := range cands {
		id := c.InstrumentID
		if id == "" || s.archived[id] {
			continue
		}
		if _, known := s.records[id]; known {
			continue
		}
		if s.cfg.CandidateMaxAge > 0 && !c.LastSeen.IsZero() && now.Sub(c.LastSeen) > s.cfg.CandidateMaxAge {
			continue
		}
		s.records[id] = &types.WorkerRecord{
			InstrumentID:  id,
			State:         types.WorkerPending,
			SourceAccount: c.SourceAccount,
			EnqueuedAt:    now,
		}
		s.pending = append(s.pending, id)
		added++
	}
	if added > 0 {
		log.Info().Int("new", added).Int("pending", len(s.pending)).Msg("📥 Candidates queued")
	}
}

func (s *Scheduler) ingestSellSignals() {
	sigs, err := LoadSellSignals(s.cfg.SellSignalsPath)
	if err != nil {
		log.Warn().Err(err).Msg("Sell-signal feed unreadable")
		return
	}
	var consumed, dropped []string
	for _, sig := range sigs {
		id := sig.InstrumentID
		rec, ok := s.records[id]
		if !ok {
			consumed = append(consumed, id)
			continue
		}
		switch rec.State {
		case types.WorkerRunning, types.WorkerExiting:
			s.sellSignals[id] = true
			if rec.State == types.WorkerRunning && !s.liquidating[id] {
				s.liquidating[id] = true
				s.handles[id].Liquidate(types.ExitPositionClosed)
				log.Info().Str("instrument", shortID(id)).Str("source", sig.SourceAccount).Msg("📤 Sell signal, unwinding")
			}
		case types.WorkerPending:
			s.dropPending(id)
			delete(s.records, id)
			log.Info().Str("instrument", shortID(id)).Msg("Sell signal for pending candidate, dropped")
		case types.WorkerExited:
			if rec.Refillable {
				rec.Refillable = false
				s.saveExit(rec)
				log.Info().Str("instrument", shortID(id)).Msg("Sell signal for exited worker, refill cancelled")
			}
		}
		dropped = append(dropped, id)
		consumed = append(consumed, id)
	}
	if len(consumed) > 0 {
		if _, err := PurgeFeed(s.cfg.SellSignalsPath, consumed...); err != nil {
			log.Warn().Err(err).Msg("Sell-signal purge failed")
		}
	}
	if len(dropped) > 0 {
		if _, err := PurgeFeed(s.cfg.CandidatesPath, dropped...); err != nil {
			log.Warn().Err(err).Msg("Candidate purge failed")
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVICTION / REFILL / ADMISSION
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) evict(ctx context.Context, now time.Time) {
	for _, id := range s.idsIn(types.WorkerRunning) {
		rec := s.records[id]
		last := rec.StartedAt
		if s.deps.Market != nil {
			if a := s.deps.Market.LastActivity(id); a.After(last) {
				last = a
			}
		}
		rec.LastHeartbeat = last

		if rec.LowLiquidity && now.Sub(s.lastProbe[id]) >= s.cfg.LowLiquidityProbe {
			s.lastProbe[id] = now
			res, err := s.check(ctx, id, false)
			if err == nil {
				rec.LowLiquidity = res.Status == marketstate.StatusLowLiquidity
				if res.Status.PermanentlyClosed() {
					reason, _ := res.Status.ExitReason()
					s.stopWorker(id, reason)
					continue
				}
			}
		}

		if now.Sub(last) < s.cfg.EvictAfter {
			continue
		}
		reason := types.ExitStaleData
		res, err := s.check(ctx, id, true)
		if err == nil {
			if r, ok := res.Status.ExitReason(); ok {
				reason = r
			}
		}
		log.Warn().
			Str("instrument", shortID(id)).
			Dur("idle", now.Sub(last).Round(time.Second)).
			Str("status", string(res.Status)).
			Msg("💤 Evicting idle worker")
		s.stopWorker(id, reason)
	}
}

func (s *Scheduler) retryBudget(reason types.ExitReason) int {
	if n := reason.MaxRetries(); n > 0 {
		return n
	}
	return s.cfg.MaxRetries
}

func (s *Scheduler) refill(now time.Time) {
	if s.resetPending {
		return
	}
	var eligible []*types.WorkerRecord
	for _, id := range s.idsIn(types.WorkerExited) {
		rec := s.records[id]
		if !rec.Refillable || rec.ExitReason == nil {
			continue
		}
		if rec.RetryCount >= s.retryBudget(*rec.ExitReason) {
			delete(s.records, id)
			s.archived[id] = true
			log.Info().
				Str("instrument", shortID(id)).
				Str("reason", string(*rec.ExitReason)).
				Int("retries", rec.RetryCount).
				Msg("🗄️ Retry budget exhausted, archived")
			continue
		}
		if now.Sub(rec.ExitedAt) < s.cfg.RefillCooldown {
			continue
		}
		eligible = append(eligible, rec)
	}

	free := s.cfg.MaxWorkers - s.occupied() - len(s.pending)
	if free <= 0 || len(eligible) == 0 {
		return
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.HadPosition != b.HadPosition {
			return a.HadPosition
		}
		if !a.ExitedAt.Equal(b.ExitedAt) {
			return a.ExitedAt.Before(b.ExitedAt)
		}
		return a.InstrumentID < b.InstrumentID
	})
	if len(eligible) > free {
		eligible = eligible[:free]
	}
	for _, rec := range eligible {
		rec.State = types.WorkerPending
		rec.RetryCount++
		rec.EnqueuedAt = now
		s.forceCheck[rec.InstrumentID] = true
		s.pending = append(s.pending, rec.InstrumentID)
		s.saveExit(rec)
		log.Info().
			Str("instrument", shortID(rec.InstrumentID)).
			Str("last_exit", string(*rec.ExitReason)).
			Int("retry", rec.RetryCount).
			Bool("had_position", rec.HadPosition).
			Msg("♻️ Refill queued")
	}
}

func (s *Scheduler) admit(ctx context.Context, now time.Time) {
	if s.resetPending || len(s.pending) == 0 {
		return
	}
	if s.deps.Market != nil && s.deps.Market.Health().Degraded {
		log.Warn().Int("pending", len(s.pending)).Msg("Feed degraded, admission paused")
		return
	}
	if s.deps.Breaker != nil && s.deps.Breaker.Tripped(now) {
		log.Warn().Int("pending", len(s.pending)).Msg("Circuit breaker tripped, admission paused")
		return
	}

	var deferred []string
	for len(s.pending) > 0 && s.occupied() < s.cfg.MaxWorkers {
		id := s.pending[0]
		s.pending = s.pending[1:]
		rec, ok := s.records[id]
		if !ok || rec.State != types.WorkerPending {
			continue
		}
		if !s.sharedReady(id, now) {
			deferred = append(deferred, id)
			continue
		}

		force := s.forceCheck[id]
		delete(s.forceCheck, id)
		res, err := s.check(ctx, id, force)
		if err != nil || res.Status == marketstate.StatusUnknown {
			log.Warn().Err(err).Str("instrument", shortID(id)).Msg("Admission check inconclusive, deferring")
			if force {
				s.forceCheck[id] = true
			}
			deferred = append(deferred, id)
			continue
		}
		if !res.Status.Tradable() {
			s.reject(rec, res.Status, now)
			continue
		}
		rec.LowLiquidity = res.Status == marketstate.StatusLowLiquidity

		h, err := s.deps.Launcher.Launch(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("instrument", shortID(id)).Msg("Worker launch failed")
			s.markExited(rec, types.NewExitReport(id, types.ExitInternal, now), now)
			continue
		}
		s.handles[id] = h
		s.lastProbe[id] = now
		rec.State = types.WorkerRunning
		rec.StartedAt = now
		rec.LastHeartbeat = now
		rec.Handle = h.ID()
		log.Info().
			Str("instrument", shortID(id)).
			Str("handle", rec.Handle).
			Bool("low_liquidity", rec.LowLiquidity).
			Int("retry", rec.RetryCount).
			Int("running", s.occupied()).
			Msg("🚀 Worker admitted")
	}
	// deferred candidates keep their place ahead of newer arrivals
	s.pending = append(deferred, s.pending...)
}

type cacheWait struct {
	since       time.Time
	failures    int
	pausedUntil time.Time
}

// sharedReady reports whether the aggregator has seen id. A worker launched
// earlier would find nothing in the store for it.
func (s *Scheduler) sharedReady(id string, now time.Time) bool {
	if s.deps.Market == nil || s.cfg.SharedCacheWait < 0 {
		return true
	}
	w := s.cacheWait[id]
	if w != nil && now.Before(w.pausedUntil) {
		return false
	}
	if s.deps.Market.Ready(id) {
		if w != nil {
			log.Info().Str("instrument", shortID(id)).Dur("waited", now.Sub(w.since)).Msg("📡 Shared cache ready")
			delete(s.cacheWait, id)
		}
		return true
	}
	if w == nil {
		w = &cacheWait{}
		s.cacheWait[id] = w
	}
	if w.since.IsZero() {
		w.since = now
		return false
	}
	if now.Sub(w.since) < s.cfg.SharedCacheWait {
		return false
	}

	w.failures++
	w.since = now
	log.Warn().Str("instrument", shortID(id)).Int("failures", w.failures).Msg("Shared cache still empty, keeping candidate queued")
	if w.failures >= s.cfg.SharedCacheFailures {
		w.failures = 0
		w.since = time.Time{}
		w.pausedUntil = now.Add(s.cfg.SharedCachePause)
		log.Warn().Str("instrument", shortID(id)).Time("until", w.pausedUntil).Msg("⏸️ Candidate parked, shared cache never filled")
	}
	return false
}

func (s *Scheduler) reject(rec *types.WorkerRecord, status marketstate.Status, now time.Time) {
	id := rec.InstrumentID
	metrics.AdmissionRejects.WithLabelValues(string(status)).Inc()
	log.Info().Str("instrument", shortID(id)).Str("status", string(status)).Msg("🚫 Admission rejected")
	s.markExited(rec, types.NewExitReport(id, types.ExitAdmissionRejected, now), now)
	s.cleanup(id)
}

func (s *Scheduler) check(ctx context.Context, id string, force bool) (marketstate.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()
	return s.deps.States.CheckState(cctx, id, force)
}

func (s *Scheduler) syncSubscriptions() {
	ids := s.idsIn(types.WorkerRunning, types.WorkerExiting, types.WorkerPending)
	if s.deps.Market != nil {
		s.deps.Market.SetDesired(ids)
	}
	s.mu.Lock()
	s.desired = ids
	s.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// TOTAL LIQUIDATION
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) checkLiquidation(ctx context.Context, now time.Time) {
	m := s.deps.Liquidation
	if m == nil || s.resetPending {
		return
	}
	in := risk.Inputs{
		Running:  len(s.idsIn(types.WorkerRunning)),
		MaxSlots: s.cfg.MaxWorkers,
	}
	if s.deps.Ledger != nil {
		if at, ok, err := s.deps.Ledger.LatestFillAt(); err == nil && ok {
			in.LastFillAt = at
		}
	}
	if s.deps.Balance != nil && (s.lastBalance.IsZero() || now.Sub(s.lastBalance) >= s.cfg.BalanceInterval) {
		s.lastBalance = now
		bctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
		bal, err := s.deps.Balance(bctx)
		cancel()
		if err != nil {
			log.Debug().Err(err).Msg("Balance read failed")
			s.balance = decimal.NullDecimal{}
		} else {
			s.balance = decimal.NewNullDecimal(bal)
		}
	}
	in.FreeBalance = s.balance

	d := m.Evaluate(in, now)
	if !d.Trigger {
		return
	}
	s.liquidateAll(d.Reasons, now)
}

func (s *Scheduler) liquidateAll(reasons []string, now time.Time) {
	running := s.idsIn(types.WorkerRunning)
	for _, id := range running {
		s.liquidating[id] = true
		s.handles[id].Liquidate(types.ExitLiquidated)
	}
	log.Warn().
		Strs("reasons", reasons).
		Int("workers", len(running)).
		Msg("🚨 Liquidating all workers")

	if err := s.deps.Liquidation.MarkTriggered(now); err != nil {
		log.Warn().Err(err).Msg("Liquidation state not saved")
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.NotifyLiquidation(reasons)
	}
	if s.deps.Liquidation.HardReset() {
		s.resetPending = true
	}
}

// maybeReset clears scheduler state once every worker has exited.
func (s *Scheduler) maybeReset() {
	if s.occupied() > 0 {
		return
	}
	if s.deps.Ledger != nil {
		if err := s.deps.Ledger.Reset(); err != nil {
			log.Warn().Err(err).Msg("Ledger reset failed")
		}
	}
	s.records = make(map[string]*types.WorkerRecord)
	s.pending = nil
	s.archived = make(map[string]bool)
	s.forceCheck = make(map[string]bool)
	s.cacheWait = make(map[string]*cacheWait)
	s.overrides = make(map[string]types.ExitReason)
	s.lastCandidates = time.Time{}
	s.resetPending = false
	log.Warn().Msg("🧹 Hard reset complete, admission resumed")
}

// ═══════════════════════════════════════════════════════════════════════════════
// PUBLICATION
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) publish(now time.Time) {
	ids := sortedKeys(s.records)
	out := make([]types.WorkerRecord, 0, len(ids))
	counts := map[types.WorkerState]int{}
	for _, id := range ids {
		rec := *s.records[id]
		if rec.ExitReason != nil {
			r := *rec.ExitReason
			rec.ExitReason = &r
		}
		out = append(out, rec)
		counts[rec.State]++
	}
	for _, st := range []types.WorkerState{types.WorkerPending, types.WorkerRunning, types.WorkerExiting, types.WorkerExited} {
		metrics.WorkersByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}

	s.mu.Lock()
	s.published = out
	s.mu.Unlock()

	if s.cfg.StatusPath == "" {
		return
	}
	st := StatusFile{
		Version:   1,
		UpdatedAt: now,
		Running:   counts[types.WorkerRunning],
		Pending:   counts[types.WorkerPending],
		MaxSlots:  s.cfg.MaxWorkers,
		Workers:   out,
	}
	if s.deps.Market != nil {
		st.Degraded = s.deps.Market.Health().Degraded
	}
	if err := fsutil.WriteJSON(s.cfg.StatusPath, st); err != nil {
		log.Warn().Err(err).Msg("Status not written")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) occupied() int {
	n := 0
	for _, rec := range s.records {
		if rec.State == types.WorkerRunning || rec.State == types.WorkerExiting {
			n++
		}
	}
	return n
}

func (s *Scheduler) idsIn(states ...types.WorkerState) []string {
	var ids []string
	for id, rec := range s.records {
		for _, st := range states {
			if rec.State == st {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) dropPending(id string) {
	delete(s.cacheWait, id)
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p != id {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
