package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polymaker/internal/retry"
)

// fakeMarket is an in-process market channel. It records every JSON request
// and lets the test push frames to the connected client.
type fakeMarket struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	conns    []*websocket.Conn
	requests []map[string]interface{}
	got      chan map[string]interface{}
}

func newFakeMarket(t *testing.T) *fakeMarket {
	fm := &fakeMarket{t: t, got: make(chan map[string]interface{}, 64)}
	upgrader := websocket.Upgrader{}
	fm.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fm.mu.Lock()
		fm.conns = append(fm.conns, conn)
		fm.mu.Unlock()
		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			fm.mu.Lock()
			fm.requests = append(fm.requests, req)
			fm.mu.Unlock()
			fm.got <- req
		}
	}))
	t.Cleanup(fm.srv.Close)
	return fm
}

func (fm *fakeMarket) url() string { return "ws" + strings.TrimPrefix(fm.srv.URL, "http") }

func (fm *fakeMarket) push(frame string) {
	fm.mu.Lock()
	conn := fm.conns[len(fm.conns)-1]
	fm.mu.Unlock()
	require.NoError(fm.t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (fm *fakeMarket) kickAll() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, c := range fm.conns {
		c.Close()
	}
}

func (fm *fakeMarket) next(t *testing.T) map[string]interface{} {
	select {
	case req := <-fm.got:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("no request received")
		return nil
	}
}

func fastBackoff() retry.Backoff {
	return retry.Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}
}

func TestClientSubscribesAndDeliversEvents(t *testing.T) {
	fm := newFakeMarket(t)
	c := NewClient(fm.url(), WithBackoff(fastBackoff()))
	require.NoError(t, c.Subscribe(context.Background(), []string{"111"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	first := fm.next(t)
	assert.Equal(t, "market", first["type"])
	assert.Equal(t, []interface{}{"111"}, first["assets_ids"])

	require.NoError(t, c.Subscribe(ctx, []string{"222"}))
	sub := fm.next(t)
	assert.Equal(t, "subscribe", sub["operation"])
	assert.Equal(t, []interface{}{"222"}, sub["assets_ids"])

	fm.push(`{"event_type":"best_bid_ask","asset_id":"222","best_bid":"0.4","best_ask":"0.6"}`)

	select {
	case ev := <-c.Events():
		bba, ok := ev.(BestBidAsk)
		require.True(t, ok)
		assert.Equal(t, "222", bba.InstrumentID)
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.False(t, c.LastReceived().IsZero())
}

func TestClientReplaysSubscriptionsAfterReconnect(t *testing.T) {
	fm := newFakeMarket(t)
	c := NewClient(fm.url(), WithBackoff(fastBackoff()))
	require.NoError(t, c.Subscribe(context.Background(), []string{"b", "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fm.next(t)
	require.NoError(t, c.Unsubscribe(ctx, []string{"b"}))
	assert.Equal(t, "unsubscribe", fm.next(t)["operation"])

	fm.kickAll()

	replay := fm.next(t)
	assert.Equal(t, "market", replay["type"])
	assert.Equal(t, []interface{}{"a"}, replay["assets_ids"])
	assert.Equal(t, []string{"a"}, c.Subscriptions())
}

func TestClientCountsDialFailures(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", WithBackoff(fastBackoff()))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Run(ctx))
	assert.Greater(t, c.ConsecutiveFailures(), 0)
	assert.False(t, c.Connected())
}
