package feeds

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polymaker/internal/metrics"
	"github.com/web3guy0/polymaker/internal/retry"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET WEBSOCKET FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// One persistent connection to the market channel. Wire frames are parsed
// into the Event variants and delivered on a single channel. The set of
// subscribed asset ids is replayed after every reconnect.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	PolymarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	defaultPingInterval = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultDialTimeout  = 15 * time.Second
	eventBuffer         = 4096
)

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnect backoff.
func WithBackoff(b retry.Backoff) Option { return func(c *Client) { c.backoff = b } }

// WithPingInterval overrides the keep-alive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithName labels log lines, useful when a worker opens a private feed.
func WithName(name string) Option { return func(c *Client) { c.name = name } }

// Client manages the websocket connection and event distribution
type Client struct {
	url          string
	name         string
	dialer       *websocket.Dialer
	backoff      retry.Backoff
	pingInterval time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]struct{}
	sentMu sync.Mutex // serialises writes on conn

	events    chan Event
	connected atomic.Bool
	failures  atomic.Int32
	lastRecv  atomic.Int64 // unix nanos of the last frame
}

// NewClient creates a feed client. Run must be called to connect.
func NewClient(url string, opts ...Option) *Client {
	if url == "" {
		url = PolymarketWSURL
	}
	c := &Client{
		url:          url,
		name:         "market",
		dialer:       &websocket.Dialer{HandshakeTimeout: defaultDialTimeout},
		backoff:      retry.Default(),
		pingInterval: defaultPingInterval,
		subs:         make(map[string]struct{}),
		events:       make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the channel every parsed event is delivered on.
func (c *Client) Events() <-chan Event { return c.events }

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// ConsecutiveFailures is the number of dial attempts that failed since the
// last successful connect.
func (c *Client) ConsecutiveFailures() int { return int(c.failures.Load()) }

// LastReceived is the wall time of the last frame read, zero if none.
func (c *Client) LastReceived() time.Time {
	ns := c.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run keeps the connection alive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.connect(ctx)
		if err != nil {
			attempt++
			c.failures.Add(1)
			metrics.FeedReconnects.Inc()
			wait := c.backoff.Next(attempt)
			log.Warn().Err(err).Str("feed", c.name).Int("attempt", attempt).Dur("retry_in", wait).Msg("🔌 Feed connect failed")
			if retry.Sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}
		attempt = 0
		c.failures.Store(0)

		pingCtx, stopPing := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn)

		err = c.readLoop(ctx, conn)
		stopPing()
		c.drop(conn)

		if ctx.Err() != nil {
			return nil
		}
		metrics.FeedReconnects.Inc()
		log.Warn().Err(err).Str("feed", c.name).Msg("🔌 Feed disconnected, reconnecting")
		if retry.Sleep(ctx, c.backoff.Next(1)) != nil {
			return nil
		}
	}
}

// Reconnect drops the current connection; Run dials again.
func (c *Client) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		log.Info().Str("feed", c.name).Msg("🔄 Forcing feed reconnect")
		conn.Close()
	}
}

// Subscribe adds ids to the subscription set and sends the request if
// connected. When offline the ids are sent on the next connect.
func (c *Client) Subscribe(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, id := range ids {
		c.subs[id] = struct{}{}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, map[string]interface{}{
		"assets_ids": ids,
		"operation":  "subscribe",
	})
}

// Unsubscribe removes ids from the subscription set.
func (c *Client) Unsubscribe(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.subs, id)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, map[string]interface{}{
		"assets_ids": ids,
		"operation":  "unsubscribe",
	})
}

// Subscriptions returns the current subscription set, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.subs)
}

// connect dials and replays the subscription set.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, types.NewNetworkError("connect", err)
	}

	c.mu.Lock()
	c.conn = conn
	ids := sortedKeys(c.subs)
	c.mu.Unlock()
	c.connected.Store(true)

	log.Info().Str("feed", c.name).Int("assets", len(ids)).Msg("🔌 WebSocket connected")

	if err := c.write(conn, map[string]interface{}{
		"type":       "market",
		"assets_ids": ids,
	}); err != nil {
		c.drop(conn)
		return nil, err
	}
	return conn, nil
}

func (c *Client) drop(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
}

func (c *Client) write(conn *websocket.Conn, msg interface{}) error {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return types.NewNetworkError("write", err)
	}
	return nil
}

// pingLoop sends the text keep-alive the market channel expects.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sentMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			c.sentMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("feed", c.name).Msg("Ping failed")
				conn.Close()
				return
			}
		}
	}
}

// readLoop reads frames until the connection fails or ctx is done.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return types.NewNetworkError("read", err)
		}
		c.lastRecv.Store(time.Now().UnixNano())

		events, err := ParseMessage(data)
		if err != nil {
			metrics.FeedParseErrors.Inc()
			log.Debug().Err(err).Str("feed", c.name).Msg("Skipping unparseable frame")
		}
		for _, ev := range events {
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
