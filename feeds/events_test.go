package feeds

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParsePriceChange(t *testing.T) {
	frame := `{"event_type":"price_change","market":"0xabc","timestamp":"1757908892351",
		"price_changes":[
			{"asset_id":"111","price":"0.5","size":"10","side":"BUY","best_bid":"0.49","best_ask":"0.51"},
			{"asset_id":"222","price":"0.5","size":"10","side":"SELL","best_bid":"0.48"}
		]}`

	events, err := ParseMessage([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)

	pc, ok := events[0].(PriceChange)
	require.True(t, ok)
	assert.Equal(t, KindPriceChange, pc.Kind())
	assert.Equal(t, time.UnixMilli(1757908892351), pc.Timestamp())
	require.Len(t, pc.Quotes, 2)

	assert.Equal(t, "111", pc.Quotes[0].InstrumentID)
	assert.True(t, pc.Quotes[0].BestBid.Decimal.Equal(dec("0.49")))
	assert.True(t, pc.Quotes[0].BestAsk.Decimal.Equal(dec("0.51")))

	assert.True(t, pc.Quotes[1].BestBid.Valid)
	assert.False(t, pc.Quotes[1].BestAsk.Valid, "missing leg must stay unset")
}

func TestParseBookUsesLadders(t *testing.T) {
	frame := `[{"event_type":"book","asset_id":"111","market":"0xabc","timestamp":1700000000,
		"bids":[{"price":"0.40","size":"5"},{"price":"0.45","size":"3"},{"price":"0.47","size":"0"}],
		"asks":[["0.60","2"],["0.55","1"]]}]`

	events, err := ParseMessage([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)

	book, ok := events[0].(Book)
	require.True(t, ok)
	assert.Equal(t, time.Unix(1700000000, 0), book.At)

	bid, ask := TopOfBook(book.Bids, book.Asks)
	assert.True(t, bid.Decimal.Equal(dec("0.45")), "zero-size rung is ignored")
	assert.True(t, ask.Decimal.Equal(dec("0.55")))
}

func TestParseTickWithoutLaddersIsBestBidAsk(t *testing.T) {
	events, err := ParseMessage([]byte(`{"event_type":"tick","asset_id":"9","bid":"x","best_bid":0.3,"best_ask":0.32}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	bba, ok := events[0].(BestBidAsk)
	require.True(t, ok)
	assert.True(t, bba.BestBid.Decimal.Equal(dec("0.3")))
	assert.True(t, bba.At.IsZero())
}

func TestParseTradeAndUnknown(t *testing.T) {
	frame := `[{"event_type":"last_trade_price","asset_id":"111","price":"0.52","size":"7","side":"BUY"},
		{"event_type":"tick_size_change","asset_id":"111"}]`

	events, err := ParseMessage([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 2)

	tr, ok := events[0].(Trade)
	require.True(t, ok)
	assert.True(t, tr.Price.Decimal.Equal(dec("0.52")))

	un, ok := events[1].(Unknown)
	require.True(t, ok)
	assert.Equal(t, "tick_size_change", un.Type)
	assert.Equal(t, KindUnknown, un.Kind())
}

func TestParseKeepAliveAndGarbage(t *testing.T) {
	events, err := ParseMessage([]byte("PONG"))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = ParseMessage([]byte("INVALID OPERATION"))
	assert.Error(t, err)

	_, err = ParseMessage([]byte(`{"event_type":`))
	assert.Error(t, err)
}

func TestParseSkipsOnlyTheBadElement(t *testing.T) {
	frame := `[{"event_type":"best_bid_ask","asset_id":"1","best_bid":"oops"},
		{"event_type":"best_bid_ask","asset_id":"2","best_bid":"0.1","best_ask":"0.2"}]`

	events, err := ParseMessage([]byte(frame))
	assert.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].(BestBidAsk).InstrumentID)
}

func TestTopOfBookEmptySides(t *testing.T) {
	bid, ask := TopOfBook(nil, []PriceLevel{{Price: dec("0.7"), Size: dec("1")}})
	assert.False(t, bid.Valid)
	assert.True(t, ask.Valid)
}
