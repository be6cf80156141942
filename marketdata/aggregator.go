package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polymaker/feeds"
	"github.com/web3guy0/polymaker/internal/metrics"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGGREGATOR - one upstream connection, one snapshot per instrument
// ═══════════════════════════════════════════════════════════════════════════════
//
// Consumes feed events, keeps a sequence-numbered snapshot for every
// subscribed instrument, diffs the desired subscription set against the
// live one, and publishes the whole set to the shared store.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Feed is the upstream connection the aggregator owns.
type Feed interface {
	Run(ctx context.Context) error
	Subscribe(ctx context.Context, ids []string) error
	Unsubscribe(ctx context.Context, ids []string) error
	Events() <-chan feeds.Event
	Reconnect()
	ConsecutiveFailures() int
}

// Publisher receives every successfully written store payload.
type Publisher interface {
	Publish(data []byte) error
}

// AggregatorConfig holds the aggregator cadence and health thresholds.
type AggregatorConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushHeartbeat time.Duration `yaml:"flush_heartbeat"`
	HealthInterval time.Duration `yaml:"health_interval"`
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
	SubscribeGrace time.Duration `yaml:"subscribe_grace"`
	DegradedAfter  int           `yaml:"degraded_after"`
}

// DefaultAggregatorConfig returns production defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		FlushInterval:  time.Second,
		FlushHeartbeat: 30 * time.Second,
		HealthInterval: 10 * time.Second,
		SilenceTimeout: 2 * time.Minute,
		SubscribeGrace: 30 * time.Second,
		DegradedAfter:  5,
	}
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	d := DefaultAggregatorConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.FlushHeartbeat <= 0 {
		c.FlushHeartbeat = d.FlushHeartbeat
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = d.SilenceTimeout
	}
	if c.SubscribeGrace <= 0 {
		c.SubscribeGrace = d.SubscribeGrace
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	return c
}

// Health is the aggregator's view of its upstream.
type Health struct {
	Degraded    bool
	Subscribed  int
	Tracked     int
	LastEventAt time.Time
	Unknown     uint64
	Filtered    uint64
}

// Aggregator maintains snapshots and the shared store.
type Aggregator struct {
	cfg       AggregatorConfig
	feed      Feed
	store     *Store // nil for a private, in-memory aggregator
	publisher Publisher

	mu        sync.RWMutex
	snapshots map[string]*types.Snapshot
	desired   map[string]struct{}
	active    map[string]time.Time // id -> when the subscribe was sent
	confirmed map[string]bool

	dirty         bool
	lastFlush     time.Time
	lastEventAt   time.Time
	lastHealth    time.Time
	lastReconnect time.Time
	counts        map[feeds.Kind]uint64
	healthEvents  uint64
	emptyUpdates  uint64
	filtered      uint64

	now func() time.Time
}

// NewAggregator creates an aggregator. store may be nil when nothing needs
// to be published, as for a worker's private fallback feed.
func NewAggregator(feed Feed, store *Store, cfg AggregatorConfig) *Aggregator {
	return &Aggregator{
		cfg:       cfg.withDefaults(),
		feed:      feed,
		store:     store,
		snapshots: make(map[string]*types.Snapshot),
		desired:   make(map[string]struct{}),
		active:    make(map[string]time.Time),
		confirmed: make(map[string]bool),
		counts:    make(map[feeds.Kind]uint64),
		now:       time.Now,
	}
}

// SetPublisher attaches an extra sink for each written store payload.
func (a *Aggregator) SetPublisher(p Publisher) {
	a.mu.Lock()
	a.publisher = p
	a.mu.Unlock()
}

// Restore seeds snapshots from the last published store so sequences keep
// increasing across restarts.
func (a *Aggregator) Restore() error {
	if a.store == nil {
		return nil
	}
	file, err := a.store.Read()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, snap := range file.Instruments {
		s := snap
		s.InstrumentID = id
		a.snapshots[id] = &s
	}
	log.Info().Int("instruments", len(file.Instruments)).Msg("♻️ Restored snapshots from shared store")
	return nil
}

// Seed installs a starting snapshot for one instrument.
func (a *Aggregator) Seed(snap types.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := snap
	a.snapshots[snap.InstrumentID] = &s
}

// Ready reports whether the feed has said anything about id yet, even an
// empty book. Workers admitted before that would only see ErrUnknownInstrument.
func (a *Aggregator) Ready(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.snapshots[id]; ok {
		return true
	}
	return a.confirmed[id]
}

// SetDesired replaces the desired subscription set. The diff against live
// subscriptions happens on the next Tick.
func (a *Aggregator) SetDesired(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.desired = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			a.desired[id] = struct{}{}
		}
	}
}

// Snapshot returns a copy of the current snapshot for id.
func (a *Aggregator) Snapshot(id string) (types.Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.snapshots[id]
	if !ok {
		return types.Snapshot{}, false
	}
	return *s, true
}

// LastActivity is when id last received a data update, zero if never.
func (a *Aggregator) LastActivity(id string) time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.snapshots[id]; ok {
		return s.WrittenAt
	}
	return time.Time{}
}

// Forget drops the snapshot for id, used when its market is gone.
func (a *Aggregator) Forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.snapshots[id]; ok {
		delete(a.snapshots, id)
		a.dirty = true
	}
}

// Health reports subscription and upstream state.
func (a *Aggregator) Health() Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Health{
		Degraded:    a.feed.ConsecutiveFailures() >= a.cfg.DegradedAfter,
		Subscribed:  len(a.active),
		Tracked:     len(a.snapshots),
		LastEventAt: a.lastEventAt,
		Unknown:     a.counts[feeds.KindUnknown],
		Filtered:    a.filtered,
	}
}

// Run drives the feed and the control tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	a.mu.Lock()
	start := a.now()
	a.lastEventAt = start
	a.lastHealth = start
	a.mu.Unlock()

	feedDone := make(chan error, 1)
	go func() { feedDone <- a.feed.Run(ctx) }()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	log.Info().Str("store", a.storePath()).Msg("📡 Aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.flush(a.now())
			<-feedDone
			log.Info().Msg("Aggregator stopped")
			return nil
		case ev := <-a.feed.Events():
			a.OnEvent(ev, a.now())
		case <-ticker.C:
			a.Tick(ctx, a.now())
		}
	}
}

// OnEvent merges one feed event.
func (a *Aggregator) OnEvent(ev feeds.Event, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastEventAt = now
	a.healthEvents++
	a.counts[ev.Kind()]++
	metrics.FeedEvents.WithLabelValues(string(ev.Kind())).Inc()

	switch e := ev.(type) {
	case feeds.PriceChange:
		for _, q := range e.Quotes {
			a.apply(q.InstrumentID, types.Snapshot{
				BestBid:        q.BestBid,
				BestAsk:        q.BestAsk,
				LastTradePrice: q.LastTradePrice,
			}, e.At, now)
		}
	case feeds.Book:
		bid, ask := feeds.TopOfBook(e.Bids, e.Asks)
		a.apply(e.InstrumentID, types.Snapshot{BestBid: bid, BestAsk: ask}, e.At, now)
	case feeds.BestBidAsk:
		a.apply(e.InstrumentID, types.Snapshot{BestBid: e.BestBid, BestAsk: e.BestAsk}, e.At, now)
	case feeds.Trade:
		a.apply(e.InstrumentID, types.Snapshot{LastTradePrice: e.Price}, e.At, now)
	case feeds.Unknown:
		log.Debug().Str("type", e.Type).Msg("Unrecognized feed event")
	}
}

// apply merges upd into the snapshot for id. Caller holds a.mu.
func (a *Aggregator) apply(id string, upd types.Snapshot, at, now time.Time) {
	if _, ok := a.desired[id]; !ok {
		a.filtered++
		metrics.FeedFiltered.Inc()
		return
	}
	a.confirmed[id] = true

	if !upd.BestBid.Valid && !upd.BestAsk.Valid && !upd.LastTradePrice.Valid {
		a.emptyUpdates++
		return
	}

	snap, ok := a.snapshots[id]
	if !ok {
		snap = &types.Snapshot{InstrumentID: id}
		a.snapshots[id] = snap
	}
	snap.Merge(upd)
	snap.Sequence++
	observed := at
	if observed.IsZero() {
		observed = now
	}
	if observed.After(snap.ObservedAt) {
		snap.ObservedAt = observed
	}
	snap.WrittenAt = now
	a.dirty = true
	metrics.SnapshotUpdates.Inc()
}

// Tick runs one control cycle: subscription diff, flush, health.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) {
	a.syncSubscriptions(ctx, now)
	a.maybeFlush(now)
	a.healthCheck(now)
}

// syncSubscriptions diffs desired against active. Each id is subscribed on
// its own so one failure does not hold back the rest.
func (a *Aggregator) syncSubscriptions(ctx context.Context, now time.Time) {
	a.mu.Lock()
	var add, resend, remove []string
	for id := range a.desired {
		sentAt, ok := a.active[id]
		switch {
		case !ok:
			add = append(add, id)
		case !a.confirmed[id] && now.Sub(sentAt) >= a.cfg.SubscribeGrace:
			resend = append(resend, id)
		}
	}
	for id := range a.active {
		if _, ok := a.desired[id]; !ok {
			remove = append(remove, id)
		}
	}
	for id := range a.snapshots {
		if _, ok := a.desired[id]; !ok {
			delete(a.snapshots, id)
			a.dirty = true
		}
	}
	for _, id := range remove {
		delete(a.active, id)
		delete(a.confirmed, id)
	}
	a.mu.Unlock()

	sort.Strings(add)
	sort.Strings(resend)
	sort.Strings(remove)

	if len(remove) > 0 {
		if err := a.feed.Unsubscribe(ctx, remove); err != nil {
			log.Warn().Err(err).Int("count", len(remove)).Msg("Unsubscribe failed")
		} else {
			log.Info().Strs("ids", shortIDs(remove)).Msg("➖ Unsubscribed")
		}
	}

	for _, id := range append(add, resend...) {
		if err := a.feed.Subscribe(ctx, []string{id}); err != nil {
			log.Warn().Err(err).Str("id", shortID(id)).Msg("Subscribe failed, will retry")
			continue
		}
		a.mu.Lock()
		a.active[id] = now
		if _, ok := a.confirmed[id]; !ok {
			a.confirmed[id] = false
		}
		a.mu.Unlock()
	}
	if len(add) > 0 {
		log.Info().Strs("ids", shortIDs(add)).Msg("➕ Subscribed")
	}
	if len(resend) > 0 {
		log.Warn().Strs("ids", shortIDs(resend)).Msg("🔁 No data after subscribe, re-issued")
	}
}

func (a *Aggregator) maybeFlush(now time.Time) {
	a.mu.RLock()
	due := (a.dirty && now.Sub(a.lastFlush) >= a.cfg.FlushInterval) ||
		now.Sub(a.lastFlush) >= a.cfg.FlushHeartbeat
	a.mu.RUnlock()
	if due {
		a.flush(now)
	}
}

// flush writes the whole set. Failures keep the dirty flag so the next tick
// retries.
func (a *Aggregator) flush(now time.Time) {
	if a.store == nil {
		return
	}

	a.mu.Lock()
	set := make(map[string]types.Snapshot, len(a.snapshots))
	for id, s := range a.snapshots {
		set[id] = *s
	}
	a.dirty = false
	publisher := a.publisher
	a.mu.Unlock()

	metrics.TrackedInstruments.Set(float64(len(set)))

	data, err := a.store.Write(set, now)
	if err != nil {
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
		metrics.StoreFlushes.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("path", a.store.Path()).Msg("❌ Store flush failed")
		return
	}

	a.mu.Lock()
	a.lastFlush = now
	a.mu.Unlock()
	metrics.StoreFlushes.WithLabelValues("ok").Inc()

	if publisher != nil {
		if err := publisher.Publish(data); err != nil {
			log.Warn().Err(err).Msg("Snapshot publish failed")
		}
	}
}

func (a *Aggregator) healthCheck(now time.Time) {
	a.mu.Lock()
	if a.lastHealth.IsZero() {
		a.lastHealth = now
		if a.lastEventAt.IsZero() {
			a.lastEventAt = now
		}
		a.mu.Unlock()
		return
	}
	if now.Sub(a.lastHealth) < a.cfg.HealthInterval {
		a.mu.Unlock()
		return
	}
	a.lastHealth = now
	events := a.healthEvents
	a.healthEvents = 0
	subscribed := len(a.active)
	silentFor := now.Sub(a.lastEventAt)
	reconnect := subscribed > 0 && silentFor >= a.cfg.SilenceTimeout &&
		now.Sub(a.lastReconnect) >= a.cfg.SilenceTimeout
	if reconnect {
		a.lastReconnect = now
		// Everything must be confirmed again on the new connection.
		for id := range a.confirmed {
			a.confirmed[id] = false
		}
		for id := range a.active {
			a.active[id] = now
		}
	}
	counts := make(map[feeds.Kind]uint64, len(a.counts))
	for k, v := range a.counts {
		counts[k] = v
	}
	empty := a.emptyUpdates
	filtered := a.filtered
	a.mu.Unlock()

	degraded := a.feed.ConsecutiveFailures() >= a.cfg.DegradedAfter
	if degraded {
		metrics.FeedDegraded.Set(1)
	} else {
		metrics.FeedDegraded.Set(0)
	}

	ev := log.Debug()
	if events == 0 && subscribed > 0 {
		ev = log.Warn()
	}
	ev.Uint64("events", events).
		Int("subscribed", subscribed).
		Uint64("price_change", counts[feeds.KindPriceChange]).
		Uint64("book", counts[feeds.KindBook]).
		Uint64("best_bid_ask", counts[feeds.KindBestBidAsk]).
		Uint64("trade", counts[feeds.KindTrade]).
		Uint64("unknown", counts[feeds.KindUnknown]).
		Uint64("empty", empty).
		Uint64("filtered", filtered).
		Dur("silent_for", silentFor).
		Bool("degraded", degraded).
		Msg("🩺 Aggregator health")

	if degraded {
		log.Error().Int("failures", a.feed.ConsecutiveFailures()).Msg("🚨 Feed degraded")
	}
	if reconnect {
		log.Warn().Dur("silent_for", silentFor).Msg("🔕 Feed silent, reconnecting")
		a.feed.Reconnect()
	}
}

func (a *Aggregator) storePath() string {
	if a.store == nil {
		return "(memory)"
	}
	return a.store.Path()
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "…" + id[len(id)-4:]
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return out
}
