package exec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polymaker/internal/retry"
	"github.com/web3guy0/polymaker/strategy"
	"github.com/web3guy0/polymaker/types"
)

type scriptedClient struct {
	errs  []error // returned in order, nil once exhausted
	sizes []decimal.Decimal
}

func (c *scriptedClient) PlaceOrder(_ context.Context, o OrderRequest) (OrderResult, error) {
	c.sizes = append(c.sizes, o.Size)
	n := len(c.sizes) - 1
	if n < len(c.errs) && c.errs[n] != nil {
		return OrderResult{}, c.errs[n]
	}
	return OrderResult{OrderID: "ok", Status: "matched", FilledSize: o.Size, AvgPrice: o.Price}, nil
}

func newTestPlacer(c OrderClient) (*Placer, *[]time.Duration) {
	cfg := DefaultPlacerConfig()
	cfg.Backoff = retry.Backoff{Min: time.Second, Max: 8 * time.Second, Factor: 2}
	p := NewPlacer(c, cfg)
	var waits []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return p, &waits
}

func order(size string) OrderRequest {
	return OrderRequest{TokenID: "111", Side: "BUY", Price: decimal.RequireFromString("0.45"), Size: decimal.RequireFromString(size)}
}

func sizesOf(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func TestPlacerShrinksThenAbandons(t *testing.T) {
	insufficient := errors.New("HTTP 400: not enough balance / allowance")
	c := &scriptedClient{errs: []error{insufficient, insufficient, insufficient, insufficient, insufficient}}
	p, waits := newTestPlacer(c)

	_, err := p.Place(context.Background(), order("8"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrOrderAbandoned)
	assert.True(t, types.IsInsufficientBalance(err))

	assert.Equal(t, []string{"8", "4", "2", "1"}, sizesOf(c.sizes))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *waits)
}

func TestPlacerShrinkThenSucceeds(t *testing.T) {
	c := &scriptedClient{errs: []error{types.ErrInsufficientBalance}}
	p, _ := newTestPlacer(c)

	res, err := p.Place(context.Background(), order("20"))
	require.NoError(t, err)
	assert.True(t, res.FilledSize.Equal(decimal.NewFromInt(10)))
}

func TestPlacerShrinksDefaultOrderSize(t *testing.T) {
	c := &scriptedClient{errs: []error{types.ErrInsufficientBalance, types.ErrInsufficientBalance, types.ErrInsufficientBalance}}
	p, _ := newTestPlacer(c)
	size := strategy.DefaultConfig().OrderSize

	_, err := p.Place(context.Background(), OrderRequest{TokenID: "111", Side: "BUY", Price: decimal.RequireFromString("0.45"), Size: size})
	assert.ErrorIs(t, err, types.ErrOrderAbandoned)
	assert.Equal(t, []string{"5", "2.5", "1.25"}, sizesOf(c.sizes))

	c = &scriptedClient{errs: []error{types.ErrInsufficientBalance}}
	p, _ = newTestPlacer(c)
	res, err := p.Place(context.Background(), OrderRequest{TokenID: "111", Side: "BUY", Price: decimal.RequireFromString("0.45"), Size: size})
	require.NoError(t, err)
	assert.Equal(t, "2.5", res.FilledSize.String())
}

func TestPlacerRetriesTransientErrors(t *testing.T) {
	boom := types.NewNetworkError("http", errors.New("502"))
	c := &scriptedClient{errs: []error{boom, boom}}
	p, waits := newTestPlacer(c)

	res, err := p.Place(context.Background(), order("10"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.OrderID)
	assert.Equal(t, []string{"10", "10", "10"}, sizesOf(c.sizes))
	assert.Len(t, *waits, 2)
}

func TestPlacerGivesUpAfterAttempts(t *testing.T) {
	boom := types.NewNetworkError("http", errors.New("timeout"))
	c := &scriptedClient{errs: []error{boom, boom, boom, boom, boom, boom}}
	p, waits := newTestPlacer(c)

	_, err := p.Place(context.Background(), order("10"))
	assert.ErrorIs(t, err, types.ErrOrderAbandoned)
	assert.Len(t, c.sizes, 5)
	assert.Len(t, *waits, 4)
	assert.False(t, types.IsInsufficientBalance(err))
}

func TestPlacerFatalErrorIsNotRetried(t *testing.T) {
	fatal := types.NewFatalNetworkError("http", errors.New("HTTP 400: invalid tick size"))
	c := &scriptedClient{errs: []error{fatal}}
	p, waits := newTestPlacer(c)

	_, err := p.Place(context.Background(), order("10"))
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, types.ErrOrderAbandoned)
	assert.Len(t, c.sizes, 1)
	assert.Empty(t, *waits)
}
