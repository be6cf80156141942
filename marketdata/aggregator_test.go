package marketdata

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polymaker/feeds"
	"github.com/web3guy0/polymaker/types"
)

// fakeFeed records subscription traffic and lets tests inject events.
type fakeFeed struct {
	mu         sync.Mutex
	subs       map[string]bool
	subCalls   []string
	unsubCalls []string
	failFor    map[string]bool
	reconnects int
	failures   int
	events     chan feeds.Event
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:    make(map[string]bool),
		failFor: make(map[string]bool),
		events:  make(chan feeds.Event, 64),
	}
}

func (f *fakeFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeFeed) Subscribe(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if f.failFor[id] {
			return errors.New("subscribe rejected")
		}
		f.subs[id] = true
		f.subCalls = append(f.subCalls, id)
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.subs, id)
		f.unsubCalls = append(f.unsubCalls, id)
	}
	return nil
}

func (f *fakeFeed) Events() <-chan feeds.Event { return f.events }

func (f *fakeFeed) Reconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func (f *fakeFeed) ConsecutiveFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *fakeFeed) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for id := range f.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var t0 = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T, ids ...string) (*Aggregator, *fakeFeed, *Store) {
	t.Helper()
	feed := newFakeFeed()
	store := NewStore(filepath.Join(t.TempDir(), "prices.json"))
	agg := NewAggregator(feed, store, AggregatorConfig{})
	agg.SetDesired(ids)
	agg.Tick(context.Background(), t0)
	return agg, feed, store
}

func TestPartialUpdateKeepsOtherLeg(t *testing.T) {
	agg, _, _ := newTestAggregator(t, "111")

	agg.OnEvent(feeds.BestBidAsk{InstrumentID: "111", BestBid: px("0.40"), BestAsk: px("0.44")}, t0)
	agg.OnEvent(feeds.BestBidAsk{InstrumentID: "111", BestBid: px("0.41")}, t0.Add(time.Second))

	snap, ok := agg.Snapshot("111")
	require.True(t, ok)
	assert.True(t, snap.BestBid.Decimal.Equal(px("0.41").Decimal))
	require.True(t, snap.BestAsk.Valid, "ask must survive a bid-only update")
	assert.True(t, snap.BestAsk.Decimal.Equal(px("0.44").Decimal))
}

func TestSequenceIsMonotonicAndEmptyUpdatesDoNotBump(t *testing.T) {
	agg, _, _ := newTestAggregator(t, "111", "222")

	var last uint64
	for i := 0; i < 5; i++ {
		agg.OnEvent(feeds.Trade{InstrumentID: "111", Price: px("0.5")}, t0.Add(time.Duration(i)*time.Second))
		snap, _ := agg.Snapshot("111")
		assert.Greater(t, snap.Sequence, last)
		last = snap.Sequence
	}

	agg.OnEvent(feeds.BestBidAsk{InstrumentID: "111"}, t0.Add(10*time.Second))
	snap, _ := agg.Snapshot("111")
	assert.Equal(t, last, snap.Sequence)

	agg.OnEvent(feeds.PriceChange{Quotes: []feeds.Quote{
		{InstrumentID: "111", BestAsk: px("0.55")},
		{InstrumentID: "222", BestBid: px("0.10")},
	}}, t0.Add(11*time.Second))
	snap, _ = agg.Snapshot("111")
	assert.Equal(t, last+1, snap.Sequence)
	other, ok := agg.Snapshot("222")
	require.True(t, ok)
	assert.Equal(t, uint64(1), other.Sequence)
}

func TestEmptyBookMarksInstrumentReady(t *testing.T) {
	agg, _, _ := newTestAggregator(t, "111", "222")
	assert.False(t, agg.Ready("111"))

	agg.OnEvent(feeds.Book{InstrumentID: "111"}, t0)
	assert.True(t, agg.Ready("111"), "an empty book is still an answer")
	_, ok := agg.Snapshot("111")
	assert.False(t, ok)

	agg.OnEvent(feeds.Trade{InstrumentID: "222", Price: px("0.3")}, t0)
	assert.True(t, agg.Ready("222"))
	assert.False(t, agg.Ready("333"))
}

func TestObservedAtUsesEventTimestamp(t *testing.T) {
	agg, _, _ := newTestAggregator(t, "111")
	eventAt := t0.Add(-3 * time.Second)

	agg.OnEvent(feeds.BestBidAsk{InstrumentID: "111", BestBid: px("0.3"), At: eventAt}, t0)
	snap, _ := agg.Snapshot("111")
	assert.True(t, snap.ObservedAt.Equal(eventAt))
	assert.True(t, snap.WrittenAt.Equal(t0))

	agg.OnEvent(feeds.BestBidAsk{InstrumentID: "111", BestBid: px("0.31")}, t0.Add(time.Second))
	snap, _ = agg.Snapshot("111")
	assert.True(t, snap.ObservedAt.Equal(t0.Add(time.Second)), "wall clock when the event has no timestamp")
}

func TestBookDerivesTopOfBookFromLadders(t *testing.T) {
	agg, _, _ := newTestAggregator(t, "111")
	agg.OnEvent(feeds.Book{
		InstrumentID: "111",
		Bids:         []feeds.PriceLevel{{Price: px("0.30").Decimal, Size: px("5").Decimal}, {Price: px("0.32").Decimal, Size: px("1").Decimal}},
		Asks:         []feeds.PriceLevel{{Price: px("0.36").Decimal, Size: px("2").Decimal}},
	}, t0)

	snap, _ := agg.Snapshot("111")
	assert.True(t, snap.BestBid.Decimal.Equal(px("0.32").Decimal))
	assert.True(t, snap.BestAsk.Decimal.Equal(px("0.36").Decimal))
}

func TestUnknownEventsAreCountedAndOthersFiltered(t *testing.T) {
	agg, _, _ := newTestAggregator(t, "111")

	agg.OnEvent(feeds.Unknown{Type: "tick_size_change"}, t0)
	agg.OnEvent(feeds.BestBidAsk{InstrumentID: "999", BestBid: px("0.2")}, t0)

	h := agg.Health()
	assert.Equal(t, uint64(1), h.Unknown)
	assert.Equal(t, uint64(1), h.Filtered)
	_, ok := agg.Snapshot("999")
	assert.False(t, ok)
}

func TestSubscriptionDiffToleratesPartialFailure(t *testing.T) {
	feed := newFakeFeed()
	feed.failFor["bad"] = true
	agg := NewAggregator(feed, nil, AggregatorConfig{})
	ctx := context.Background()

	agg.SetDesired([]string{"a", "bad", "c"})
	agg.Tick(ctx, t0)
	assert.Equal(t, []string{"a", "c"}, feed.subscribed())
	assert.Equal(t, 2, agg.Health().Subscribed)

	feed.mu.Lock()
	delete(feed.failFor, "bad")
	feed.mu.Unlock()
	agg.Tick(ctx, t0.Add(time.Second))
	assert.Equal(t, []string{"a", "bad", "c"}, feed.subscribed())

	agg.SetDesired([]string{"c"})
	agg.Tick(ctx, t0.Add(2*time.Second))
	assert.Equal(t, []string{"c"}, feed.subscribed())
	assert.ElementsMatch(t, []string{"a", "bad"}, feed.unsubCalls)
}

func TestUnconfirmedSubscriptionIsReissuedAfterGrace(t *testing.T) {
	feed := newFakeFeed()
	agg := NewAggregator(feed, nil, AggregatorConfig{SubscribeGrace: 30 * time.Second})
	ctx := context.Background()

	agg.SetDesired([]string{"quiet", "busy"})
	agg.Tick(ctx, t0)
	agg.OnEvent(feeds.Trade{InstrumentID: "busy", Price: px("0.5")}, t0.Add(time.Second))

	agg.Tick(ctx, t0.Add(10*time.Second))
	assert.Len(t, feed.subCalls, 2)

	agg.Tick(ctx, t0.Add(31*time.Second))
	assert.Equal(t, []string{"busy", "quiet", "quiet"}, sortedCopy(feed.subCalls))

	// once per grace window
	agg.Tick(ctx, t0.Add(40*time.Second))
	assert.Len(t, feed.subCalls, 3)
}

func TestSilentFeedIsReconnected(t *testing.T) {
	feed := newFakeFeed()
	agg := NewAggregator(feed, nil, AggregatorConfig{HealthInterval: 10 * time.Second, SilenceTimeout: time.Minute})
	ctx := context.Background()

	agg.SetDesired([]string{"111"})
	agg.Tick(ctx, t0)
	agg.Tick(ctx, t0.Add(30*time.Second))
	assert.Equal(t, 0, feed.reconnects)

	agg.Tick(ctx, t0.Add(61*time.Second))
	assert.Equal(t, 1, feed.reconnects)

	// not again until another silence window has passed
	agg.Tick(ctx, t0.Add(75*time.Second))
	assert.Equal(t, 1, feed.reconnects)
}

func TestDegradedAfterRepeatedFailures(t *testing.T) {
	feed := newFakeFeed()
	agg := NewAggregator(feed, nil, AggregatorConfig{DegradedAfter: 3})
	assert.False(t, agg.Health().Degraded)

	feed.mu.Lock()
	feed.failures = 3
	feed.mu.Unlock()
	assert.True(t, agg.Health().Degraded)
}

func TestFlushPublishesOnlyDesiredInstruments(t *testing.T) {
	agg, _, store := newTestAggregator(t, "111", "222")
	pub := &capturePublisher{}
	agg.SetPublisher(pub)

	agg.OnEvent(feeds.Trade{InstrumentID: "111", Price: px("0.5")}, t0)
	agg.OnEvent(feeds.Trade{InstrumentID: "222", Price: px("0.6")}, t0)
	agg.Tick(context.Background(), t0.Add(2*time.Second))

	file, err := store.Read()
	require.NoError(t, err)
	assert.Len(t, file.Instruments, 2)
	assert.Len(t, pub.payloads, 1)

	agg.SetDesired([]string{"111"})
	agg.Tick(context.Background(), t0.Add(4*time.Second))

	file, err = store.Read()
	require.NoError(t, err)
	assert.Len(t, file.Instruments, 1)
	_, ok := file.Instruments["111"]
	assert.True(t, ok)
}

func TestHeartbeatFlushWhenClean(t *testing.T) {
	agg, _, store := newTestAggregator(t, "111")
	file, err := store.Read()
	require.NoError(t, err)
	first := file.UpdatedAt

	agg.Tick(context.Background(), t0.Add(5*time.Second))
	file, _ = store.Read()
	assert.True(t, file.UpdatedAt.Equal(first), "clean set is not rewritten before the heartbeat")

	agg.Tick(context.Background(), t0.Add(31*time.Second))
	file, _ = store.Read()
	assert.True(t, file.UpdatedAt.After(first))
}

func TestRestoreContinuesSequences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	store := NewStore(path)
	_, err := store.Write(map[string]types.Snapshot{"111": {Sequence: 41, BestBid: px("0.2"), WrittenAt: t0}}, t0)
	require.NoError(t, err)

	agg := NewAggregator(newFakeFeed(), store, AggregatorConfig{})
	require.NoError(t, agg.Restore())
	agg.SetDesired([]string{"111"})
	agg.OnEvent(feeds.Trade{InstrumentID: "111", Price: px("0.3")}, t0.Add(time.Second))

	snap, _ := agg.Snapshot("111")
	assert.Equal(t, uint64(42), snap.Sequence)
	assert.True(t, snap.BestBid.Valid)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	feed := newFakeFeed()
	store := NewStore(filepath.Join(t.TempDir(), "prices.json"))
	agg := NewAggregator(feed, store, AggregatorConfig{FlushInterval: time.Hour})
	agg.SetDesired([]string{"111"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	feed.events <- feeds.Trade{InstrumentID: "111", Price: px("0.5")}
	require.Eventually(t, func() bool {
		_, ok := agg.Snapshot("111")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	file, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), file.Instruments["111"].Sequence)
}

type capturePublisher struct {
	payloads [][]byte
}

func (c *capturePublisher) Publish(data []byte) error {
	c.payloads = append(c.payloads, data)
	return nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
