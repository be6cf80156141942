package marketdata

import (
	"context"
	"time"

	"github.com/web3guy0/polymaker/feeds"
	"github.com/web3guy0/polymaker/types"
)

// PrivateSource is a worker-owned aggregator on its own connection,
// subscribed to a single instrument. Nothing is written to disk.
type PrivateSource struct {
	id      string
	agg     *Aggregator
	seeded  bool
	seedSeq uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPrivateFallback returns a FallbackFactory that dials wsURL.
func NewPrivateFallback(wsURL string, cfg AggregatorConfig, opts ...feeds.Option) FallbackFactory {
	return func(ctx context.Context, id string, seed *types.Snapshot) (FallbackSource, error) {
		opts := append([]feeds.Option{feeds.WithName("private:" + shortID(id))}, opts...)
		return StartPrivateSource(ctx, feeds.NewClient(wsURL, opts...), id, seed, cfg), nil
	}
}

// StartPrivateSource runs an in-memory aggregator over feed for id.
func StartPrivateSource(ctx context.Context, feed Feed, id string, seed *types.Snapshot, cfg AggregatorConfig) *PrivateSource {
	agg := NewAggregator(feed, nil, cfg)
	runCtx, cancel := context.WithCancel(ctx)
	p := &PrivateSource{id: id, agg: agg, cancel: cancel, done: make(chan struct{})}
	if seed != nil {
		s := *seed
		s.InstrumentID = id
		agg.Seed(s)
		p.seeded, p.seedSeq = true, s.Sequence
	}
	agg.SetDesired([]string{id})
	agg.Tick(ctx, time.Now())

	go func() {
		defer close(p.done)
		_ = agg.Run(runCtx)
	}()
	return p
}

// Latest returns the current snapshot, false until the first update from
// the private connection. The seed only fills in legs that update lacks.
func (p *PrivateSource) Latest() (types.Snapshot, bool) {
	s, ok := p.agg.Snapshot(p.id)
	if !ok || s.WrittenAt.IsZero() {
		return types.Snapshot{}, false
	}
	if p.seeded && s.Sequence == p.seedSeq {
		return types.Snapshot{}, false
	}
	return s, true
}

// Close stops the connection and waits for it to wind down.
func (p *PrivateSource) Close() error {
	p.cancel()
	<-p.done
	return nil
}
