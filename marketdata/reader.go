package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED-SNAPSHOT READER - embedded in every worker
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls the aggregator's store for one instrument and forwards a snapshot
// only when it is new:
//   1. sequence increased since the last acceptance
//   2. same sequence but written_at moved forward
//   3. nothing changed but Quiescence elapsed since the last acceptance
//
// If the store is missing or stale for longer than FallbackGrace the reader
// opens a private feed and keeps it for the rest of its life. A fresh store
// without our instrument (empty book, nothing traded yet) is not a reason to
// leave the shared feed.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Source identifies where a reader currently gets its data.
type Source string

const (
	SourceShared  Source = "shared"
	SourcePrivate Source = "private"
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	InstrumentID   string        `yaml:"-"`
	StorePath      string        `yaml:"store_path"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StoreFreshness time.Duration `yaml:"store_freshness"`
	Quiescence     time.Duration `yaml:"quiescence"`
	FallbackGrace  time.Duration `yaml:"fallback_grace"`
}

// DefaultReaderConfig returns production defaults.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		PollInterval:   time.Second,
		StoreFreshness: 2 * time.Minute,
		Quiescence:     30 * time.Second,
		FallbackGrace:  30 * time.Second,
	}
}

// FallbackSource is a private per-worker price source.
type FallbackSource interface {
	Latest() (types.Snapshot, bool)
	Close() error
}

// FallbackFactory opens a private source for id. seed is the last accepted
// shared snapshot, nil if none.
type FallbackFactory func(ctx context.Context, id string, seed *types.Snapshot) (FallbackSource, error)

// Reader implements the worker-side novelty and fallback policy.
type Reader struct {
	cfg      ReaderConfig
	fallback FallbackFactory

	mu             sync.Mutex
	source         Source
	private        FallbackSource
	started        bool
	unhealthySince time.Time

	// raw values as seen on the current source
	haveRaw     bool
	lastRawSeq  uint64
	lastWritten time.Time

	// values handed to the strategy
	haveLast     bool
	last         types.Snapshot
	lastAcceptAt time.Time

	now func() time.Time
}

// NewReader creates a reader. fallback may be nil, in which case the reader
// only ever uses the shared store.
func NewReader(cfg ReaderConfig, fallback FallbackFactory) *Reader {
	d := DefaultReaderConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.StoreFreshness <= 0 {
		cfg.StoreFreshness = d.StoreFreshness
	}
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = d.Quiescence
	}
	if cfg.FallbackGrace < 0 {
		cfg.FallbackGrace = 0
	}
	return &Reader{
		cfg:      cfg,
		fallback: fallback,
		source:   SourceShared,
		now:      time.Now,
	}
}

// Source reports the active source.
func (r *Reader) Source() Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Start decides the initial source: the shared store is used only when a
// path was given and the file is fresh.
func (r *Reader) Start(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true

	file, err := ReadStore(r.cfg.StorePath)
	if err == nil && file.Fresh(now, r.cfg.StoreFreshness) {
		log.Info().Str("instrument", r.cfg.InstrumentID).Str("store", r.cfg.StorePath).Msg("📖 Reading shared snapshot store")
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%w: updated %s", types.ErrStoreStale, file.UpdatedAt.Format(time.RFC3339))
	}
	log.Warn().Err(err).Str("instrument", r.cfg.InstrumentID).Msg("Shared store unusable at start")
	return r.engageFallbackLocked(ctx, err)
}

// Poll performs one read. The bool is true when the returned snapshot should
// be forwarded to the strategy.
func (r *Reader) Poll(ctx context.Context, now time.Time) (types.Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		r.started = true
		file, err := ReadStore(r.cfg.StorePath)
		if err != nil || !file.Fresh(now, r.cfg.StoreFreshness) {
			if err == nil {
				err = types.ErrStoreStale
			}
			if ferr := r.engageFallbackLocked(ctx, err); ferr != nil {
				return types.Snapshot{}, false, ferr
			}
		}
	}

	if r.source == SourcePrivate {
		snap, ok := r.private.Latest()
		if !ok {
			return r.quiescent(now)
		}
		return r.decide(snap, now)
	}

	snap, err := r.readShared(now)
	if errors.Is(err, types.ErrUnknownInstrument) {
		// store is alive, the aggregator just has no prices for us yet
		r.unhealthySince = time.Time{}
		out, ok, _ := r.quiescent(now)
		return out, ok, err
	}
	if err != nil {
		if r.unhealthySince.IsZero() {
			r.unhealthySince = now
		}
		if now.Sub(r.unhealthySince) >= r.cfg.FallbackGrace && r.fallback != nil {
			if ferr := r.engageFallbackLocked(ctx, err); ferr != nil {
				return types.Snapshot{}, false, ferr
			}
			return types.Snapshot{}, false, nil
		}
		out, ok, _ := r.quiescent(now)
		return out, ok, err
	}
	r.unhealthySince = time.Time{}
	return r.decide(snap, now)
}

// Run polls every PollInterval and sends accepted snapshots to out until ctx
// is done.
func (r *Reader) Run(ctx context.Context, out chan<- types.Snapshot) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		if err := r.Start(ctx, r.now()); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	defer r.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, ok, err := r.Poll(ctx, r.now())
			if err != nil && !errors.Is(err, types.ErrStoreMissing) && !errors.Is(err, types.ErrStoreStale) {
				log.Debug().Err(err).Str("instrument", r.cfg.InstrumentID).Msg("Snapshot read failed")
			}
			if !ok {
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close releases the private source if one was opened.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.private == nil {
		return nil
	}
	err := r.private.Close()
	r.private = nil
	if r.source == SourcePrivate {
		r.source = SourceShared
	}
	return err
}

func (r *Reader) readShared(now time.Time) (types.Snapshot, error) {
	file, err := ReadStore(r.cfg.StorePath)
	if err != nil {
		return types.Snapshot{}, err
	}
	if !file.Fresh(now, r.cfg.StoreFreshness) {
		return types.Snapshot{}, fmt.Errorf("%w: updated %s", types.ErrStoreStale, file.UpdatedAt.Format(time.RFC3339))
	}
	snap, ok := file.Instruments[r.cfg.InstrumentID]
	if !ok {
		return types.Snapshot{}, fmt.Errorf("%w: %s", types.ErrUnknownInstrument, r.cfg.InstrumentID)
	}
	return snap, nil
}

// decide applies the novelty policy and translates the source's sequence
// into the worker-visible one. Caller holds r.mu.
func (r *Reader) decide(snap types.Snapshot, now time.Time) (types.Snapshot, bool, error) {
	var step uint64
	switch {
	case !r.haveRaw:
		step = 1
	case snap.Sequence > r.lastRawSeq:
		step = snap.Sequence - r.lastRawSeq
	case snap.Sequence == r.lastRawSeq && snap.WrittenAt.After(r.lastWritten):
		step = 0
	case snap.Sequence < r.lastRawSeq && snap.WrittenAt.After(r.lastWritten):
		// writer restarted and its counter began again
		step = 1
	default:
		return r.quiescent(now)
	}

	r.haveRaw = true
	r.lastRawSeq = snap.Sequence
	r.lastWritten = snap.WrittenAt

	out := snap
	out.InstrumentID = r.cfg.InstrumentID
	switch {
	case !r.haveLast:
		// first acceptance keeps the source's own numbering
	default:
		out.Sequence = r.last.Sequence + step
	}
	r.accept(out, now)
	return out, true, nil
}

// quiescent re-forwards the last accepted snapshot once Quiescence elapsed
// so the strategy keeps ticking in flat markets.
func (r *Reader) quiescent(now time.Time) (types.Snapshot, bool, error) {
	if !r.haveLast || now.Sub(r.lastAcceptAt) < r.cfg.Quiescence {
		return types.Snapshot{}, false, nil
	}
	r.lastAcceptAt = now
	return r.last, true, nil
}

func (r *Reader) accept(s types.Snapshot, now time.Time) {
	r.haveLast = true
	r.last = s
	r.lastAcceptAt = now
}

// engageFallbackLocked switches to the private source. Caller holds r.mu.
func (r *Reader) engageFallbackLocked(ctx context.Context, cause error) error {
	if r.source == SourcePrivate {
		return nil
	}
	if r.fallback == nil {
		return fmt.Errorf("shared store unusable and no fallback configured: %w", cause)
	}

	var seed *types.Snapshot
	if r.haveLast {
		s := r.last
		seed = &s
	}
	src, err := r.fallback(ctx, r.cfg.InstrumentID, seed)
	if err != nil {
		return fmt.Errorf("open private feed: %w", err)
	}
	r.private = src
	r.source = SourcePrivate
	r.haveRaw = false
	r.lastRawSeq = 0
	r.lastWritten = time.Time{}
	r.unhealthySince = time.Time{}

	log.Warn().Err(cause).Str("instrument", r.cfg.InstrumentID).Msg("🔀 Switched to private feed")
	return nil
}
