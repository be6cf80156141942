package bot

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - remote control surface & notifications
// ═══════════════════════════════════════════════════════════════════════════════
//
// Commands (authorized chat only):
//   /list            worker records
//   /stop <id>       stop one instrument
//   /refresh         re-read feeds, bypass the state cache
//   /exit            stop every worker and shut the scheduler down
//   /balance         free collateral
//   /ping
//
// Notifications: worker exits worth a look and total liquidations.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Controller is the scheduler surface the bot drives.
type Controller interface {
	List() []types.WorkerRecord
	StopWorker(id string) error
	Refresh() error
	RequestExit() error
}

// BalanceFunc reads the free collateral balance.
type BalanceFunc func() (decimal.Decimal, error)

type messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     messenger
	chatID  int64
	running bool
	stopCh  chan struct{}

	ctl     Controller
	balance BalanceFunc
	quiet   map[types.ExitReason]bool
}

// NewTelegramBot connects to the Bot API. Commands other than /ping and
// /help answer only once a controller is attached.
func NewTelegramBot(token string, chatID int64) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return newBot(api, chatID, nil), nil
}

func newBot(api messenger, chatID int64, ctl Controller) *TelegramBot {
	return &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		ctl:    ctl,
		// routine churn, not worth a ping
		quiet: map[types.ExitReason]bool{
			types.ExitSignalTimeout: true,
			types.ExitStaleData:     true,
			types.ExitNoDataTimeout: true,
			types.ExitUserStopped:   true,
		},
	}
}

// SetController attaches the scheduler.
func (b *TelegramBot) SetController(ctl Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctl = ctl
}

// SetBalanceFunc enables /balance.
func (b *TelegramBot) SetBalanceFunc(fn BalanceFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = fn
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	b.api.StopReceivingUpdates()
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyExit reports a worker exit unless the reason is routine churn.
func (b *TelegramBot) NotifyExit(rep types.ExitReport) {
	if b.quiet[rep.Reason] && !rep.HadPosition {
		return
	}

	msg := fmt.Sprintf(`%s *WORKER EXITED*

📊 `+"`%s`"+`
📝 Reason: *%s*
♻️ Refillable: *%s*
💼 Had position: *%s*`,
		exitEmoji(rep.Reason),
		shortID(rep.InstrumentID),
		rep.Reason,
		yesNo(rep.Refillable),
		yesNo(rep.HadPosition),
	)
	if p, ok := rep.Data["realized"]; ok {
		msg += fmt.Sprintf("\n💵 Realized: *$%s*", p)
	}

	b.sendMarkdown(msg)
}

// NotifyLiquidation reports a total liquidation trigger.
func (b *TelegramBot) NotifyLiquidation(reasons []string) {
	msg := fmt.Sprintf(`🚨 *TOTAL LIQUIDATION*
━━━━━━━━━━━━━━━━━━━━

%s

All running workers are selling out.`, "• "+strings.Join(reasons, "\n• "))

	b.sendMarkdown(msg)
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(maxWorkers int, mode string) {
	msg := fmt.Sprintf(`🚀 *POLYMAKER STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
🧵 Slots: *%d*

Use /help for commands`, mode, maxWorkers)

	b.sendMarkdown(msg)
}

// NotifyError sends an error alert
func (b *TelegramBot) NotifyError(err error) {
	msg := fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error())
	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat == nil || update.Message.Chat.ID != b.chatID {
				continue
			}

			b.sendMarkdown(b.dispatch(update.Message.Command(), update.Message.CommandArguments()))
		}
	}
}

func (b *TelegramBot) dispatch(cmd, args string) string {
	b.mu.RLock()
	ctl := b.ctl
	b.mu.RUnlock()

	cmd = strings.ToLower(cmd)
	switch cmd {
	case "start", "help":
		return helpText
	case "ping":
		return "🏓 Pong!"
	case "balance":
		return b.cmdBalance()
	}
	if ctl == nil {
		return "⏳ Scheduler not attached yet"
	}

	switch cmd {
	case "list", "status":
		return cmdList(ctl)
	case "stop":
		return cmdStop(ctl, strings.TrimSpace(args))
	case "refresh":
		if err := ctl.Refresh(); err != nil {
			return "❌ " + err.Error()
		}
		log.Info().Msg("Refresh requested via Telegram")
		return "🔄 Refresh queued"
	case "exit":
		if err := ctl.RequestExit(); err != nil {
			return "❌ " + err.Error()
		}
		log.Warn().Msg("Exit requested via Telegram")
		return "🛑 Stopping all workers and shutting down"
	default:
		return "❓ Unknown command. Use /help"
	}
}

const helpText = `🤖 *POLYMAKER COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /list — Worker records
⏹️ /stop <id> — Stop one instrument
🔄 /refresh — Re-read feeds, recheck pending
🛑 /exit — Stop everything
💰 /balance — Free collateral
🏓 /ping — Test connection`

func cmdList(ctl Controller) string {
	recs := ctl.List()
	if len(recs) == 0 {
		return "📭 No workers"
	}

	order := map[types.WorkerState]int{
		types.WorkerRunning: 0,
		types.WorkerExiting: 1,
		types.WorkerPending: 2,
		types.WorkerExited:  3,
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return order[recs[i].State] < order[recs[j].State]
	})

	counts := map[types.WorkerState]int{}
	for _, r := range recs {
		counts[r.State]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *WORKERS* — %d running, %d pending, %d exited\n━━━━━━━━━━━━━━━━━━━━\n\n",
		counts[types.WorkerRunning]+counts[types.WorkerExiting], counts[types.WorkerPending], counts[types.WorkerExited])

	const limit = 15
	for i, r := range recs {
		if i == limit {
			fmt.Fprintf(&sb, "_... and %d more_", len(recs)-limit)
			break
		}
		fmt.Fprintf(&sb, "%s `%s` %s", stateEmoji(r.State), shortID(r.InstrumentID), r.State)
		if r.ExitReason != nil {
			fmt.Fprintf(&sb, " (%s)", *r.ExitReason)
		}
		if r.State == types.WorkerRunning && !r.StartedAt.IsZero() {
			fmt.Fprintf(&sb, " ⏱️ %v", time.Since(r.StartedAt).Round(time.Second))
		}
		if r.RetryCount > 0 {
			fmt.Fprintf(&sb, " ♻️%d", r.RetryCount)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func cmdStop(ctl Controller, id string) string {
	if id == "" {
		return "Usage: /stop <instrument id>"
	}
	if err := ctl.StopWorker(id); err != nil {
		return "❌ " + err.Error()
	}
	log.Info().Str("instrument", shortID(id)).Msg("Stop requested via Telegram")
	return fmt.Sprintf("⏹️ Stop queued for `%s`", shortID(id))
}

func (b *TelegramBot) cmdBalance() string {
	b.mu.RLock()
	fn := b.balance
	b.mu.RUnlock()
	if fn == nil {
		return "❌ Balance not available"
	}

	balance, err := fn()
	if err != nil {
		return "❌ Failed to fetch balance"
	}
	return fmt.Sprintf(`💰 *ACCOUNT BALANCE*
━━━━━━━━━━━━━━━━━━━━

💵 Available: *$%s*`, balance.StringFixed(2))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func exitEmoji(r types.ExitReason) string {
	switch {
	case r == types.ExitLiquidated || r == types.ExitSellAbandoned:
		return "🚨"
	case r == types.ExitInternal:
		return "💥"
	case r == types.ExitPositionClosed:
		return "💰"
	case r.MarketGone():
		return "🏁"
	default:
		return "📌"
	}
}

func stateEmoji(s types.WorkerState) string {
	switch s {
	case types.WorkerRunning:
		return "🟢"
	case types.WorkerExiting:
		return "🟡"
	case types.WorkerPending:
		return "⏳"
	default:
		return "⚪"
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:6] + "…" + id[len(id)-4:]
	}
	return id
}
