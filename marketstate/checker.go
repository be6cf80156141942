package marketstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polymaker/internal/retry"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET STATE CHECKER - is this instrument still tradable?
// ═══════════════════════════════════════════════════════════════════════════════
//
// 1. Gamma: GET /markets?clob_token_ids=<id>
//      archived > resolved > closed > active
// 2. Active markets get a CLOB book probe: GET /book?token_id=<id>
//      404 or no orders on either side = low liquidity
//
// Results are cached. Low-liquidity results expire sooner so those markets
// are probed more often.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	GammaAPI = "https://gamma-api.polymarket.com"
	ClobAPI  = "https://clob.polymarket.com"
)

// Status is the tradability of one instrument.
type Status string

const (
	StatusActive       Status = "active"
	StatusLowLiquidity Status = "low_liquidity"
	StatusClosed       Status = "closed"
	StatusResolved     Status = "resolved"
	StatusArchived     Status = "archived"
	StatusNotFound     Status = "not_found"
	StatusUnknown      Status = "unknown"
)

// PermanentlyClosed reports whether the market will never trade again.
func (s Status) PermanentlyClosed() bool {
	switch s {
	case StatusClosed, StatusResolved, StatusArchived, StatusNotFound:
		return true
	}
	return false
}

// Tradable reports whether a worker may run.
func (s Status) Tradable() bool {
	return s == StatusActive || s == StatusLowLiquidity
}

// ExitReason maps a closed status onto the exit taxonomy.
func (s Status) ExitReason() (types.ExitReason, bool) {
	switch s {
	case StatusClosed:
		return types.ExitMarketClosed, true
	case StatusResolved:
		return types.ExitMarketResolved, true
	case StatusArchived:
		return types.ExitMarketArchived, true
	case StatusNotFound:
		return types.ExitMarketNotFound, true
	case StatusLowLiquidity:
		return types.ExitLowLiquidity, true
	}
	return "", false
}

// Result is one check outcome.
type Result struct {
	InstrumentID string
	ConditionID  string
	Status       Status
	CheckedAt    time.Time
	CachedUntil  time.Time
	Bids         int
	Asks         int
}

// Config configures a Checker.
type Config struct {
	GammaURL        string        `yaml:"gamma_url"`
	ClobURL         string        `yaml:"clob_url"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	LowLiquidityTTL time.Duration `yaml:"low_liquidity_ttl"`
	GammaTimeout    time.Duration `yaml:"gamma_timeout"`
	BookTimeout     time.Duration `yaml:"book_timeout"`
	Attempts        int           `yaml:"attempts"`
	RetryBase       time.Duration `yaml:"retry_base"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		GammaURL:        GammaAPI,
		ClobURL:         ClobAPI,
		CacheTTL:        5 * time.Minute,
		LowLiquidityTTL: time.Minute,
		GammaTimeout:    10 * time.Second,
		BookTimeout:     5 * time.Second,
		Attempts:        3,
		RetryBase:       time.Second,
	}
}

// Checker queries and caches market state. Safe for concurrent use.
type Checker struct {
	cfg  Config
	http *http.Client

	mu    sync.Mutex
	cache map[string]Result
	hits  uint64
	calls uint64

	now   func() time.Time
	sleep retry.SleepFunc
}

// NewChecker creates a checker; zero fields in cfg take defaults.
func NewChecker(cfg Config) *Checker {
	d := DefaultConfig()
	if cfg.GammaURL == "" {
		cfg.GammaURL = d.GammaURL
	}
	if cfg.ClobURL == "" {
		cfg.ClobURL = d.ClobURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	if cfg.LowLiquidityTTL <= 0 {
		cfg.LowLiquidityTTL = d.LowLiquidityTTL
	}
	if cfg.GammaTimeout <= 0 {
		cfg.GammaTimeout = d.GammaTimeout
	}
	if cfg.BookTimeout <= 0 {
		cfg.BookTimeout = d.BookTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = d.Attempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = d.RetryBase
	}
	return &Checker{
		cfg:   cfg,
		http:  &http.Client{},
		cache: make(map[string]Result),
		now:   time.Now,
		sleep: retry.Sleep,
	}
}

// CheckState returns the state of id. force bypasses the cache.
func (c *Checker) CheckState(ctx context.Context, id string, force bool) (Result, error) {
	now := c.now()

	c.mu.Lock()
	c.calls++
	if cached, ok := c.cache[id]; ok && !force && now.Before(cached.CachedUntil) {
		c.hits++
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	res, err := c.queryWithRetry(ctx, id)
	if err != nil {
		return Result{InstrumentID: id, Status: StatusUnknown, CheckedAt: now}, err
	}
	if res.Status == StatusActive {
		res = c.probeBook(ctx, res)
	}

	res.CheckedAt = now
	ttl := c.cfg.CacheTTL
	if res.Status == StatusLowLiquidity {
		ttl = c.cfg.LowLiquidityTTL
	}
	res.CachedUntil = now.Add(ttl)

	c.mu.Lock()
	c.cache[id] = res
	c.mu.Unlock()

	if res.Status.PermanentlyClosed() {
		log.Info().Str("instrument", id).Str("status", string(res.Status)).Msg("🔒 Market no longer tradable")
	}
	return res, nil
}

// Invalidate drops the cached result for id.
func (c *Checker) Invalidate(id string) {
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()
}

// Stats returns total calls and cache hits.
func (c *Checker) Stats() (calls, hits uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.hits
}

// queryWithRetry runs the Gamma lookup up to Attempts times, keeping every
// attempt's error.
func (c *Checker) queryWithRetry(ctx context.Context, id string) (Result, error) {
	backoff := retry.Backoff{Min: c.cfg.RetryBase, Max: c.cfg.RetryBase << uint(c.cfg.Attempts), Factor: 2}
	var errs []error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		res, err := c.queryGamma(ctx, id)
		if err == nil {
			return res, nil
		}
		errs = append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		log.Warn().Err(err).Str("instrument", id).Int("attempt", attempt).Msg("Market state query failed")
		if attempt == c.cfg.Attempts {
			break
		}
		if err := c.sleep(ctx, backoff.Next(attempt)); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return Result{}, types.NewNetworkError("market state", errors.Join(errs...))
}

type gammaMarket struct {
	ConditionID         string          `json:"conditionId"`
	Active              bool            `json:"active"`
	Closed              bool            `json:"closed"`
	Archived            bool            `json:"archived"`
	UMAResolutionStatus string          `json:"umaResolutionStatus"`
	OutcomePrices       json.RawMessage `json:"outcomePrices"` // "[\"1\",\"0\"]" or ["1","0"]
}

func (c *Checker) queryGamma(ctx context.Context, id string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GammaTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/markets?clob_token_ids=%s", strings.TrimRight(c.cfg.GammaURL, "/"), url.QueryEscape(id))
	body, status, err := c.get(ctx, u)
	if err != nil {
		return Result{}, err
	}
	if status == http.StatusNotFound {
		return Result{InstrumentID: id, Status: StatusNotFound}, nil
	}
	if status != http.StatusOK {
		return Result{}, fmt.Errorf("gamma status %d: %s", status, truncate(body, 200))
	}

	var markets []gammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return Result{}, fmt.Errorf("decode gamma: %w", err)
	}
	if len(markets) == 0 {
		return Result{InstrumentID: id, Status: StatusNotFound}, nil
	}
	m := markets[0]
	return Result{InstrumentID: id, ConditionID: m.ConditionID, Status: classify(m)}, nil
}

func classify(m gammaMarket) Status {
	switch {
	case m.Archived:
		return StatusArchived
	case strings.EqualFold(m.UMAResolutionStatus, "resolved"),
		m.Closed && pricesSettled(m.OutcomePrices):
		return StatusResolved
	case m.Closed:
		return StatusClosed
	case m.Active:
		return StatusActive
	}
	return StatusUnknown
}

// pricesSettled reports whether one outcome is priced at 1.
func pricesSettled(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var prices []string
	if err := json.Unmarshal(raw, &prices); err != nil {
		var encoded string
		if json.Unmarshal(raw, &encoded) != nil || json.Unmarshal([]byte(encoded), &prices) != nil {
			return false
		}
	}
	for _, p := range prices {
		if d, err := decimal.NewFromString(p); err == nil && d.Equal(decimal.NewFromInt(1)) {
			return true
		}
	}
	return false
}

// probeBook downgrades an active market to low liquidity when its book is
// missing or empty. A failed probe keeps the Gamma result.
func (c *Checker) probeBook(ctx context.Context, res Result) Result {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BookTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/book?token_id=%s", strings.TrimRight(c.cfg.ClobURL, "/"), url.QueryEscape(res.InstrumentID))
	body, status, err := c.get(ctx, u)
	if err != nil {
		log.Debug().Err(err).Str("instrument", res.InstrumentID).Msg("Book probe failed")
		return res
	}
	if status == http.StatusNotFound {
		res.Status = StatusLowLiquidity
		return res
	}
	if status != http.StatusOK {
		return res
	}

	var book struct {
		Bids []json.RawMessage `json:"bids"`
		Asks []json.RawMessage `json:"asks"`
	}
	if err := json.Unmarshal(body, &book); err != nil {
		return res
	}
	res.Bids, res.Asks = len(book.Bids), len(book.Asks)
	if res.Bids == 0 && res.Asks == 0 {
		res.Status = StatusLowLiquidity
	}
	return res
}

func (c *Checker) get(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
