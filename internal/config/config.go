package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/web3guy0/polymaker/core"
	"github.com/web3guy0/polymaker/exec"
	"github.com/web3guy0/polymaker/feeds"
	"github.com/web3guy0/polymaker/internal/logging"
	"github.com/web3guy0/polymaker/marketdata"
	"github.com/web3guy0/polymaker/marketstate"
	"github.com/web3guy0/polymaker/risk"
	"github.com/web3guy0/polymaker/types"
	"github.com/web3guy0/polymaker/worker"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG - defaults, then YAML overlay, then environment
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every process (scheduler, aggregator, worker, ctl) loads the same config so
// file paths line up without being passed around on the command line.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds all configuration for polymaker
type Config struct {
	// Mode
	DryRun bool `yaml:"dry_run"`
	Debug  bool `yaml:"debug"`

	// Layout
	DataDir     string `yaml:"data_dir"`
	DatabaseDSN string `yaml:"database_dsn"`
	MetricsAddr string `yaml:"metrics_addr"`

	Log         logging.Config              `yaml:"log"`
	Feed        FeedConfig                  `yaml:"feed"`
	Aggregator  marketdata.AggregatorConfig `yaml:"aggregator"`
	Reader      marketdata.ReaderConfig     `yaml:"reader"`
	MarketState marketstate.Config          `yaml:"market_state"`
	Scheduler   core.Config                 `yaml:"scheduler"`
	Worker      worker.Config               `yaml:"worker"`
	Liquidation risk.LiquidationConfig      `yaml:"liquidation"`
	Breaker     risk.BreakerConfig          `yaml:"breaker"`
	CLOB        CLOBConfig                  `yaml:"clob"`
	NATS        NATSConfig                  `yaml:"nats"`
	Telegram    TelegramConfig              `yaml:"telegram"`
}

// FeedConfig is the market websocket.
type FeedConfig struct {
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// CLOBConfig holds order API credentials. Secrets come from the environment.
type CLOBConfig struct {
	URL           string          `yaml:"url"`
	PrivateKey    string          `yaml:"-"`
	APIKey        string          `yaml:"-"`
	APISecret     string          `yaml:"-"`
	Passphrase    string          `yaml:"-"`
	DryRunBalance decimal.Decimal `yaml:"dry_run_balance"`
	Timeout       time.Duration   `yaml:"timeout"`
}

// NATSConfig enables snapshot fan-out. Empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// TelegramConfig enables the bot. Empty token disables it.
type TelegramConfig struct {
	Token  string `yaml:"-"`
	ChatID int64  `yaml:"chat_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DryRun:      true,
		DataDir:     "data",
		MetricsAddr: ":9108",
		Log:         logging.Config{Level: "info", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14},
		Feed:        FeedConfig{URL: feeds.PolymarketWSURL, PingInterval: 10 * time.Second},
		Aggregator:  marketdata.DefaultAggregatorConfig(),
		Reader:      marketdata.DefaultReaderConfig(),
		MarketState: marketstate.DefaultConfig(),
		Scheduler:   core.DefaultConfig(),
		Worker:      worker.DefaultConfig(),
		Liquidation: risk.DefaultLiquidationConfig(),
		Breaker:     risk.DefaultBreakerConfig(),
		CLOB: CLOBConfig{
			URL:           exec.PolymarketCLOB,
			DryRunBalance: decimal.NewFromInt(100),
			Timeout:       10 * time.Second,
		},
		NATS: NATSConfig{Subject: "polymaker.snapshots"},
	}
}

// Load builds the configuration. path may be empty, in which case
// POLYMAKER_CONFIG is consulted; a missing .env is fine.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("POLYMAKER_CONFIG")
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &types.ConfigError{Field: "config", Err: err}
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return &types.ConfigError{Field: "config", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return nil
}

func (c *Config) overlayEnv() error {
	c.DryRun = getEnvBool("DRY_RUN", c.DryRun)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.DatabaseDSN = getEnv("DATABASE_DSN", c.DatabaseDSN)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)

	// Logging
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	if c.Debug {
		c.Log.Level = "debug"
	}
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	// Feed / aggregator / reader
	c.Feed.URL = getEnv("POLYMARKET_WS_URL", c.Feed.URL)
	c.Aggregator.FlushInterval = getEnvDuration("FLUSH_INTERVAL", c.Aggregator.FlushInterval)
	c.Aggregator.SilenceTimeout = getEnvDuration("FEED_SILENCE_TIMEOUT", c.Aggregator.SilenceTimeout)
	c.Reader.PollInterval = getEnvDuration("WORKER_READ_INTERVAL", c.Reader.PollInterval)
	c.Reader.StoreFreshness = getEnvDuration("STORE_FRESHNESS", c.Reader.StoreFreshness)
	c.Reader.Quiescence = getEnvDuration("QUIESCENCE_INTERVAL", c.Reader.Quiescence)
	c.Reader.FallbackGrace = getEnvDuration("FALLBACK_GRACE", c.Reader.FallbackGrace)

	// Market state
	c.MarketState.GammaURL = getEnv("POLYMARKET_API_URL", c.MarketState.GammaURL)
	c.MarketState.ClobURL = getEnv("POLYMARKET_CLOB_URL", c.MarketState.ClobURL)
	c.MarketState.CacheTTL = getEnvDuration("STATE_CACHE_TTL", c.MarketState.CacheTTL)

	// Scheduler
	c.Scheduler.MaxWorkers = getEnvInt("MAX_WORKERS", c.Scheduler.MaxWorkers)
	c.Scheduler.TickInterval = getEnvDuration("SCHEDULER_TICK", c.Scheduler.TickInterval)
	c.Scheduler.EvictAfter = getEnvDuration("EVICT_AFTER", c.Scheduler.EvictAfter)
	c.Scheduler.RefillCooldown = getEnvDuration("REFILL_COOLDOWN", c.Scheduler.RefillCooldown)
	c.Scheduler.MaxRetries = getEnvInt("MAX_RETRIES", c.Scheduler.MaxRetries)
	c.Scheduler.CandidatesPath = getEnv("CANDIDATES_FILE", c.Scheduler.CandidatesPath)
	c.Scheduler.SellSignalsPath = getEnv("SELL_SIGNALS_FILE", c.Scheduler.SellSignalsPath)

	// Strategy
	st := &c.Worker.Strategy
	st.DropPct = getEnvDecimal("DROP_PCT", st.DropPct)
	st.ProfitPct = getEnvDecimal("PROFIT_PCT", st.ProfitPct)
	st.OrderSize = getEnvDecimal("ORDER_SIZE", st.OrderSize)
	st.SignalTimeout = getEnvDuration("SIGNAL_TIMEOUT", st.SignalTimeout)
	st.StaleWindow = getEnvDuration("STALE_WINDOW", st.StaleWindow)
	st.Shock.Enabled = getEnvBool("SHOCK_GUARD", st.Shock.Enabled)
	st.Shock.DropPct = getEnvDecimal("SHOCK_DROP_PCT", st.Shock.DropPct)
	st.Shock.Hold = getEnvDuration("SHOCK_HOLD", st.Shock.Hold)
	c.Worker.Placer.MinSize = getEnvDecimal("MIN_ORDER_SIZE", c.Worker.Placer.MinSize)

	// Liquidation
	lq := &c.Liquidation
	lq.Enabled = getEnvBool("LIQUIDATION_ENABLED", lq.Enabled)
	lq.MinInterval = getEnvDuration("LIQUIDATION_MIN_INTERVAL", lq.MinInterval)
	lq.NoTradeDuration = getEnvDuration("LIQUIDATION_NO_TRADE", lq.NoTradeDuration)
	lq.MinFreeBalance = getEnvDecimal("LIQUIDATION_MIN_BALANCE", lq.MinFreeBalance)
	lq.HardReset = getEnvBool("LIQUIDATION_HARD_RESET", lq.HardReset)
	c.Breaker.MaxConsecutiveLosses = getEnvInt("BREAKER_MAX_LOSSES", c.Breaker.MaxConsecutiveLosses)
	c.Breaker.MaxDailyLoss = getEnvDecimal("BREAKER_DAILY_LOSS", c.Breaker.MaxDailyLoss)

	// CLOB credentials
	c.CLOB.URL = getEnv("POLYMARKET_CLOB_URL", c.CLOB.URL)
	c.CLOB.PrivateKey = getEnv("WALLET_PRIVATE_KEY", c.CLOB.PrivateKey)
	c.CLOB.APIKey = getEnv("CLOB_API_KEY", c.CLOB.APIKey)
	c.CLOB.APISecret = getEnv("CLOB_API_SECRET", c.CLOB.APISecret)
	c.CLOB.Passphrase = getEnv("CLOB_PASSPHRASE", c.CLOB.Passphrase)

	// NATS
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnv("NATS_SUBJECT", c.NATS.Subject)

	// Telegram
	c.Telegram.Token = getEnv("TELEGRAM_BOT_TOKEN", c.Telegram.Token)
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return &types.ConfigError{Field: "TELEGRAM_CHAT_ID", Err: err}
		}
		c.Telegram.ChatID = id
	}
	return nil
}

// derivePaths fills file locations left empty under DataDir.
func (c *Config) derivePaths() {
	under := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.DataDir, name)
		}
	}
	under(&c.Reader.StorePath, "prices.json")
	under(&c.Scheduler.CandidatesPath, "candidates.json")
	under(&c.Scheduler.SellSignalsPath, "sell_signals.json")
	under(&c.Scheduler.StatusPath, "status.json")
	under(&c.Scheduler.InboxDir, "inbox")
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = filepath.Join(c.DataDir, "polymaker.db")
	}
}

// ReportDir is where workers leave exit reports.
func (c *Config) ReportDir() string {
	return core.ReportDir(c.DataDir)
}

// Mode is "PAPER" or "LIVE".
func (c *Config) Mode() string {
	if c.DryRun {
		return "PAPER"
	}
	return "LIVE"
}

// Validate checks ranges and required secrets.
func (c *Config) Validate() error {
	bad := func(field, format string, args ...interface{}) error {
		return &types.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
	}

	if c.Scheduler.MaxWorkers < 1 {
		return bad("scheduler.max_workers", "must be at least 1, got %d", c.Scheduler.MaxWorkers)
	}
	if c.Scheduler.MaxRetries < 0 {
		return bad("scheduler.max_retries", "must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"scheduler.tick_interval":      c.Scheduler.TickInterval,
		"aggregator.flush_interval":    c.Aggregator.FlushInterval,
		"reader.poll_interval":         c.Reader.PollInterval,
		"reader.store_freshness":       c.Reader.StoreFreshness,
		"worker.tick_interval":         c.Worker.TickInterval,
		"worker.strategy.min_window":   c.Worker.Strategy.MinWindow,
		"worker.strategy.stale_window": c.Worker.Strategy.StaleWindow,
	} {
		if d <= 0 {
			return bad(name, "must be positive")
		}
	}
	if c.Reader.StoreFreshness <= c.Aggregator.FlushHeartbeat {
		return bad("reader.store_freshness", "%s must exceed aggregator.flush_heartbeat %s", c.Reader.StoreFreshness, c.Aggregator.FlushHeartbeat)
	}

	st := c.Worker.Strategy
	if !between(st.DropPct, 0, 1) {
		return bad("worker.strategy.drop_pct", "must be in (0,1), got %s", st.DropPct)
	}
	if !between(st.ProfitPct, 0, 1) {
		return bad("worker.strategy.profit_pct", "must be in (0,1), got %s", st.ProfitPct)
	}
	if !st.OrderSize.IsPositive() {
		return bad("worker.strategy.order_size", "must be positive")
	}
	if st.MinPrice.GreaterThanOrEqual(st.MaxPrice) {
		return bad("worker.strategy.min_price", "%s must be below max_price %s", st.MinPrice, st.MaxPrice)
	}
	if st.Shock.Enabled && !between(st.Shock.DropPct, 0, 1) {
		return bad("worker.strategy.shock.drop_pct", "must be in (0,1), got %s", st.Shock.DropPct)
	}

	pl := c.Worker.Placer
	if !between(pl.ShrinkFactor, 0, 1) {
		return bad("worker.placer.shrink_factor", "must be in (0,1), got %s", pl.ShrinkFactor)
	}
	if pl.MinSize.IsNegative() {
		return bad("worker.placer.min_size", "must not be negative")
	}
	// an order must survive at least one shrink or the balance retry never runs
	if first := st.OrderSize.Mul(pl.ShrinkFactor).RoundDown(2); first.LessThan(pl.MinSize) {
		return bad("worker.placer.min_size", "%s leaves no room to shrink order_size %s (first shrink %s)", pl.MinSize, st.OrderSize, first)
	}

	lq := c.Liquidation
	if lq.Enabled && (lq.RequireConditions < 1 || lq.RequireConditions > 3) {
		return bad("liquidation.require_conditions", "must be 1..3, got %d", lq.RequireConditions)
	}
	if lq.IdleSlotRatio < 0 || lq.IdleSlotRatio > 1 {
		return bad("liquidation.idle_slot_ratio", "must be in [0,1]")
	}
	if c.Breaker.MaxConsecutiveLosses < 0 || c.Breaker.MaxDailyLoss.IsNegative() {
		return bad("breaker", "thresholds cannot be negative")
	}
	if (c.Breaker.MaxConsecutiveLosses > 0 || c.Breaker.MaxDailyLoss.IsPositive()) && c.Breaker.Cooldown <= 0 {
		return bad("breaker.cooldown", "must be positive")
	}

	if !c.DryRun {
		if c.CLOB.PrivateKey == "" {
			return bad("WALLET_PRIVATE_KEY", "required for live trading")
		}
		if c.CLOB.APIKey == "" || c.CLOB.APISecret == "" || c.CLOB.Passphrase == "" {
			return bad("CLOB_API_KEY", "api key, secret and passphrase are required for live trading")
		}
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return bad("TELEGRAM_CHAT_ID", "required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.NATS.URL != "" && strings.TrimSpace(c.NATS.Subject) == "" {
		return bad("nats.subject", "required when nats.url is set")
	}
	return nil
}

func between(d decimal.Decimal, lo, hi int64) bool {
	return d.GreaterThan(decimal.NewFromInt(lo)) && d.LessThan(decimal.NewFromInt(hi))
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
