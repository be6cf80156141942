package bot

import (
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polymaker/types"
)

type sentLog struct {
	texts []string
}

func (s *sentLog) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		s.texts = append(s.texts, m.Text)
	}
	return tgbotapi.Message{}, nil
}

func (s *sentLog) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (s *sentLog) StopReceivingUpdates() {}

type fakeController struct {
	records []types.WorkerRecord
	stopped []string
	refresh int
	exit    int
	stopErr error
}

func (c *fakeController) List() []types.WorkerRecord { return c.records }

func (c *fakeController) StopWorker(id string) error {
	if c.stopErr != nil {
		return c.stopErr
	}
	c.stopped = append(c.stopped, id)
	return nil
}

func (c *fakeController) Refresh() error {
	c.refresh++
	return nil
}

func (c *fakeController) RequestExit() error {
	c.exit++
	return nil
}

func TestDispatchControlCommands(t *testing.T) {
	ctl := &fakeController{}
	b := newBot(&sentLog{}, 1, ctl)

	assert.Contains(t, b.dispatch("stop", " 12345 "), "Stop queued")
	assert.Equal(t, []string{"12345"}, ctl.stopped)
	assert.Contains(t, b.dispatch("stop", ""), "Usage")

	b.dispatch("refresh", "")
	b.dispatch("EXIT", "")
	assert.Equal(t, 1, ctl.refresh)
	assert.Equal(t, 1, ctl.exit)

	ctl.stopErr = errors.New("control queue full")
	assert.Contains(t, b.dispatch("stop", "9"), "control queue full")
	assert.Contains(t, b.dispatch("bogus", ""), "Unknown command")
}

func TestListShowsRunningFirst(t *testing.T) {
	closed := types.ExitMarketClosed
	ctl := &fakeController{records: []types.WorkerRecord{
		{InstrumentID: "aaa", State: types.WorkerExited, ExitReason: &closed},
		{InstrumentID: "bbb", State: types.WorkerPending},
		{InstrumentID: "ccc", State: types.WorkerRunning, StartedAt: time.Now().Add(-time.Minute), RetryCount: 2},
	}}
	b := newBot(&sentLog{}, 1, ctl)

	out := b.dispatch("list", "")
	assert.Contains(t, out, "1 running, 1 pending, 1 exited")
	assert.Contains(t, out, "MARKET_CLOSED")
	assert.Contains(t, out, "♻️2")
	assert.Less(t, strings.Index(out, "ccc"), strings.Index(out, "bbb"))
	assert.Less(t, strings.Index(out, "bbb"), strings.Index(out, "aaa"))

	assert.Equal(t, "📭 No workers", newBot(&sentLog{}, 1, &fakeController{}).dispatch("list", ""))
}

func TestBalanceCommand(t *testing.T) {
	b := newBot(&sentLog{}, 1, &fakeController{})
	assert.Contains(t, b.dispatch("balance", ""), "not available")

	b.SetBalanceFunc(func() (decimal.Decimal, error) { return decimal.RequireFromString("123.456"), nil })
	assert.Contains(t, b.dispatch("balance", ""), "$123.46")
}

func TestNotifyExitSkipsRoutineChurn(t *testing.T) {
	sent := &sentLog{}
	b := newBot(sent, 1, &fakeController{})

	b.NotifyExit(types.NewExitReport("1", types.ExitSignalTimeout, time.Now()))
	assert.Empty(t, sent.texts)

	rep := types.NewExitReport("2", types.ExitSignalTimeout, time.Now())
	rep.HadPosition = true
	b.NotifyExit(rep)
	require.Len(t, sent.texts, 1)

	rep = types.NewExitReport("3", types.ExitSellAbandoned, time.Now())
	rep.Data = map[string]string{"realized": "-1.2000"}
	b.NotifyExit(rep)
	require.Len(t, sent.texts, 2)
	assert.Contains(t, sent.texts[1], "SELL_ABANDONED")
	assert.Contains(t, sent.texts[1], "-1.2000")

	b.NotifyLiquidation([]string{"no_fill_for=31m", "free_balance=5.00<20.00"})
	require.Len(t, sent.texts, 3)
	assert.Contains(t, sent.texts[2], "• free_balance=5.00<20.00")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "123", shortID("123"))
	assert.Equal(t, "718923…4491", shortID("71892301277734401234566604491"))
}

func TestCommandsWaitForController(t *testing.T) {
	b := newBot(&sentLog{}, 1, nil)
	assert.Equal(t, "🏓 Pong!", b.dispatch("ping", ""))
	assert.Contains(t, b.dispatch("list", ""), "not attached")

	ctl := &fakeController{}
	b.SetController(ctl)
	b.dispatch("refresh", "")
	assert.Equal(t, 1, ctl.refresh)
}
