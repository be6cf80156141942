package marketdata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polymaker/feeds"
	"github.com/web3guy0/polymaker/types"
)

func writeOne(t *testing.T, store *Store, snap types.Snapshot, at time.Time) {
	t.Helper()
	_, err := store.Write(map[string]types.Snapshot{snap.InstrumentID: snap}, at)
	require.NoError(t, err)
}

func TestReaderForwardsFlatMarketAfterQuiescence(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "prices.json"))
	r := NewReader(ReaderConfig{
		InstrumentID: "111",
		StorePath:    store.Path(),
		Quiescence:   30 * time.Second,
	}, nil)
	ctx := context.Background()

	snap := types.Snapshot{InstrumentID: "111", BestBid: px("0.5"), BestAsk: px("0.52"), Sequence: 5, WrittenAt: t0}
	writeOne(t, store, snap, t0)
	require.NoError(t, r.Start(ctx, t0))

	got, ok, err := r.Poll(ctx, t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Sequence)

	snap.Sequence = 6
	writeOne(t, store, snap, t0.Add(time.Second))
	got, ok, _ = r.Poll(ctx, t0.Add(time.Second))
	require.True(t, ok, "sequence increase is new even at the same price")
	assert.Equal(t, uint64(6), got.Sequence)

	_, ok, _ = r.Poll(ctx, t0.Add(10*time.Second))
	assert.False(t, ok, "nothing changed and quiescence has not elapsed")

	got, ok, _ = r.Poll(ctx, t0.Add(31*time.Second))
	require.True(t, ok, "flat market still ticks the strategy")
	assert.Equal(t, uint64(6), got.Sequence)
	assert.True(t, got.BestBid.Decimal.Equal(px("0.5").Decimal))

	_, ok, _ = r.Poll(ctx, t0.Add(32*time.Second))
	assert.False(t, ok)
}

func TestReaderAcceptsReaffirmedWrite(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "prices.json"))
	r := NewReader(ReaderConfig{InstrumentID: "111", StorePath: store.Path()}, nil)
	ctx := context.Background()

	snap := types.Snapshot{InstrumentID: "111", BestBid: px("0.5"), Sequence: 9, WrittenAt: t0}
	writeOne(t, store, snap, t0)
	_, ok, _ := r.Poll(ctx, t0)
	require.True(t, ok)

	snap.WrittenAt = t0.Add(2 * time.Second)
	writeOne(t, store, snap, t0.Add(2*time.Second))
	got, ok, _ := r.Poll(ctx, t0.Add(2*time.Second))
	require.True(t, ok)
	assert.Equal(t, uint64(9), got.Sequence)
}

func TestReaderSequenceStaysMonotonicAcrossWriterRestart(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "prices.json"))
	r := NewReader(ReaderConfig{InstrumentID: "111", StorePath: store.Path()}, nil)
	ctx := context.Background()

	writeOne(t, store, types.Snapshot{InstrumentID: "111", BestBid: px("0.5"), Sequence: 100, WrittenAt: t0}, t0)
	first, ok, _ := r.Poll(ctx, t0)
	require.True(t, ok)

	writeOne(t, store, types.Snapshot{InstrumentID: "111", BestBid: px("0.6"), Sequence: 1, WrittenAt: t0.Add(time.Second)}, t0.Add(time.Second))
	second, ok, _ := r.Poll(ctx, t0.Add(time.Second))
	require.True(t, ok)
	assert.Greater(t, second.Sequence, first.Sequence)

	writeOne(t, store, types.Snapshot{InstrumentID: "111", BestBid: px("0.61"), Sequence: 3, WrittenAt: t0.Add(2 * time.Second)}, t0.Add(2*time.Second))
	third, ok, _ := r.Poll(ctx, t0.Add(2*time.Second))
	require.True(t, ok)
	assert.Equal(t, second.Sequence+2, third.Sequence)
}

func TestReaderFallsBackWhenStoreAbsent(t *testing.T) {
	feed := newFakeFeed()
	r := NewReader(ReaderConfig{
		InstrumentID: "111",
		StorePath:    filepath.Join(t.TempDir(), "missing.json"),
	}, func(ctx context.Context, id string, seed *types.Snapshot) (FallbackSource, error) {
		assert.Nil(t, seed)
		return StartPrivateSource(ctx, feed, id, seed, AggregatorConfig{}), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer r.Close()

	require.NoError(t, r.Start(ctx, time.Now()))
	assert.Equal(t, SourcePrivate, r.Source())
	assert.Equal(t, []string{"111"}, feed.subscribed())

	feed.events <- feeds.BestBidAsk{InstrumentID: "111", BestBid: px("0.33"), BestAsk: px("0.35")}

	var got types.Snapshot
	require.Eventually(t, func() bool {
		s, ok, _ := r.Poll(ctx, time.Now())
		got = s
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, got.BestBid.Decimal.Equal(px("0.33").Decimal))
}

func TestReaderFallsBackAfterStaleGrace(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "prices.json"))
	writeOne(t, store, types.Snapshot{InstrumentID: "111", BestBid: px("0.4"), Sequence: 3, WrittenAt: t0}, t0)

	var seeded *types.Snapshot
	fb := &staticSource{}
	r := NewReader(ReaderConfig{
		InstrumentID:   "111",
		StorePath:      store.Path(),
		StoreFreshness: time.Minute,
		FallbackGrace:  30 * time.Second,
	}, func(_ context.Context, _ string, seed *types.Snapshot) (FallbackSource, error) {
		seeded = seed
		return fb, nil
	})
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, t0))
	first, ok, _ := r.Poll(ctx, t0)
	require.True(t, ok)

	// aggregator died: the file stops being rewritten
	_, _, err := r.Poll(ctx, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, types.ErrStoreStale)
	assert.Equal(t, SourceShared, r.Source())

	_, _, _ = r.Poll(ctx, t0.Add(2*time.Minute+30*time.Second))
	assert.Equal(t, SourcePrivate, r.Source())
	require.NotNil(t, seeded)
	assert.Equal(t, uint64(3), seeded.Sequence)

	fb.snap = types.Snapshot{InstrumentID: "111", BestBid: px("0.41"), Sequence: 1, WrittenAt: t0.Add(3 * time.Minute)}
	fb.ok = true
	got, ok, _ := r.Poll(ctx, t0.Add(3*time.Minute))
	require.True(t, ok)
	assert.Greater(t, got.Sequence, first.Sequence, "private numbering continues after the shared one")

	// the shared store recovering does not switch back
	writeOne(t, store, types.Snapshot{InstrumentID: "111", BestBid: px("0.5"), Sequence: 50, WrittenAt: t0.Add(4 * time.Minute)}, t0.Add(4*time.Minute))
	_, _, _ = r.Poll(ctx, t0.Add(4*time.Minute))
	assert.Equal(t, SourcePrivate, r.Source())

	require.NoError(t, r.Close())
	assert.True(t, fb.closed)
}

func TestReaderStaysSharedWhileInstrumentHasNoPrices(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "prices.json"))
	fallbacks := 0
	r := NewReader(ReaderConfig{
		InstrumentID:   "111",
		StorePath:      store.Path(),
		StoreFreshness: time.Minute,
		FallbackGrace:  30 * time.Second,
	}, func(context.Context, string, *types.Snapshot) (FallbackSource, error) {
		fallbacks++
		return &staticSource{}, nil
	})
	ctx := context.Background()
	writeOne(t, store, types.Snapshot{InstrumentID: "222", BestBid: px("0.2"), Sequence: 1, WrittenAt: t0}, t0)
	require.NoError(t, r.Start(ctx, t0))

	// the aggregator keeps writing, just never anything for 111
	for i := 0; i <= 10; i++ {
		at := t0.Add(time.Duration(i) * 20 * time.Second)
		writeOne(t, store, types.Snapshot{InstrumentID: "222", BestBid: px("0.2"), Sequence: uint64(i + 1), WrittenAt: at}, at)
		_, ok, err := r.Poll(ctx, at)
		assert.False(t, ok)
		assert.ErrorIs(t, err, types.ErrUnknownInstrument)
	}
	assert.Equal(t, SourceShared, r.Source())
	assert.Zero(t, fallbacks)

	at := t0.Add(4 * time.Minute)
	writeOne(t, store, types.Snapshot{InstrumentID: "111", BestBid: px("0.45"), Sequence: 1, WrittenAt: at}, at)
	got, ok, err := r.Poll(ctx, at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.BestBid.Decimal.Equal(px("0.45").Decimal))
}

func TestPrivateSourceHoldsSeedBackUntilFirstUpdate(t *testing.T) {
	feed := newFakeFeed()
	seed := types.Snapshot{InstrumentID: "111", BestBid: px("0.4"), BestAsk: px("0.44"), Sequence: 7, WrittenAt: t0}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := StartPrivateSource(ctx, feed, "111", &seed, AggregatorConfig{})
	defer src.Close()

	_, ok := src.Latest()
	assert.False(t, ok, "the seed is the shared store's last word, not news")

	feed.events <- feeds.BestBidAsk{InstrumentID: "111", BestBid: px("0.41")}
	var got types.Snapshot
	require.Eventually(t, func() bool {
		got, ok = src.Latest()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(8), got.Sequence)
	assert.True(t, got.BestBid.Decimal.Equal(px("0.41").Decimal))
	assert.True(t, got.BestAsk.Decimal.Equal(px("0.44").Decimal), "seed fills the leg the update lacked")
}

func TestReaderWithoutFallbackReportsError(t *testing.T) {
	r := NewReader(ReaderConfig{InstrumentID: "111"}, nil)
	err := r.Start(context.Background(), t0)
	assert.ErrorIs(t, err, types.ErrStoreMissing)
}

type staticSource struct {
	snap   types.Snapshot
	ok     bool
	closed bool
}

func (s *staticSource) Latest() (types.Snapshot, bool) { return s.snap, s.ok }
func (s *staticSource) Close() error                   { s.closed = true; return nil }
