package bot

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trading notifications & status commands
// ═══════════════════════════════════════════════════════════════════════════════
//
// Optional: built only when a token and chat id are configured. Sends
// signal, fill and close alerts and answers /status and /stats.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider supplies portfolio state for command replies.
type StatsProvider interface {
	Portfolio() types.Portfolio
	OpenPositions() []types.Position
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats StatsProvider
}

// NewTelegramBot connects to the Bot API. stats may be nil; commands
// then answer with a placeholder.
func NewTelegramBot(token string, chatID int64, stats StatsProvider) (*TelegramBot, error) {
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
	return &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		stats:  stats,
	}, nil
}

// Start begins listening for commands.
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

// Stop stops the command loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifySignal sends a new-signal alert.
func (b *TelegramBot) NotifySignal(s types.Signal) {
	emoji := "🟢"
	if s.Side == types.SideSell {
		emoji = "🔴"
	}

	msg := fmt.Sprintf(`%s *SIGNAL — %s*

📊 %s %s
━━━━━━━━━━━━━━━━
💵 Entry: *%s*
🎯 Target: *%s*
🛑 Stop: *%s*
📦 Qty: *%d*
━━━━━━━━━━━━━━━━
📝 %s`,
		emoji, s.StrategyName,
		s.SecurityID, s.Side,
		s.Price.StringFixed(2),
		s.Target.StringFixed(2),
		s.StopLoss.StringFixed(2),
		s.Quantity,
		s.Reason,
	)
	b.sendMarkdown(msg)
}

// NotifyFill sends a paper-fill alert.
func (b *TelegramBot) NotifyFill(p types.Position) {
	msg := fmt.Sprintf(`✅ *POSITION OPENED*

📊 %s %s
💵 Fill: *%s*
📦 Qty: *%d*`,
		p.SecurityID, p.Side,
		p.EntryPrice.StringFixed(2),
		p.Quantity,
	)
	b.sendMarkdown(msg)
}

// NotifyClosed sends a position-closed alert with PnL.
func (b *TelegramBot) NotifyClosed(p types.Position) {
	emoji := "📈"
	sign := "+"
	if p.RealizedPnL.IsNegative() {
		emoji = "📉"
		sign = ""
	}

	msg := fmt.Sprintf(`%s *POSITION CLOSED — %s*

📊 %s %s
💵 Exit: *%s*
💰 P&L: *%s%s*`,
		emoji, p.CloseReason,
		p.SecurityID, p.Side,
		p.CurrentPrice.StringFixed(2),
		sign, p.RealizedPnL.StringFixed(2),
	)
	b.sendMarkdown(msg)
}

// NotifyDailySummary sends the end-of-day report.
func (b *TelegramBot) NotifyDailySummary() {
	if b.stats == nil {
		return
	}
	p := b.stats.Portfolio()

	emoji := "📈"
	sign := "+"
	if p.TodayPnL.IsNegative() {
		emoji = "📉"
		sign = ""
	}

	msg := fmt.Sprintf(`%s *DAILY SUMMARY*
━━━━━━━━━━━━━━━━━━━━

📊 Trades: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%s%%*

━━━━━━━━━━━━━━━━━━━━
💵 Today: *%s%s*
💰 Capital: *%s*`,
		emoji,
		p.TotalTrades, p.WinningTrades, p.LosingTrades,
		p.WinRate.Mul(decimal.NewFromInt(100)).StringFixed(1),
		sign, p.TodayPnL.StringFixed(2),
		p.AvailableCapital.StringFixed(2),
	)
	b.sendMarkdown(msg)
}

// NotifyFeedDown alerts the operator about a terminal feed disconnect.
func (b *TelegramBot) NotifyFeedDown(reason string) {
	b.sendMarkdown(fmt.Sprintf("⚠️ *FEED DOWN*\n\n%s", reason))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || update.Message.Chat.ID != b.chatID {
				continue
			}
			switch update.Message.Command() {
			case "status":
				b.handleStatus()
			case "stats":
				b.NotifyDailySummary()
			}
		}
	}
}

func (b *TelegramBot) handleStatus() {
	if b.stats == nil {
		b.sendMarkdown("No stats available")
		return
	}
	p := b.stats.Portfolio()
	open := b.stats.OpenPositions()

	msg := fmt.Sprintf(`🎛 *STATUS*

💰 Available: *%s*
🔒 Margin: *%s*
📊 Open positions: *%d*
📉 Daily loss: *%s / %s*`,
		p.AvailableCapital.StringFixed(2),
		p.UsedMargin.StringFixed(2),
		len(open),
		p.CurrentDailyLoss.StringFixed(2),
		p.MaxDailyLoss.StringFixed(2),
	)
	b.sendMarkdown(msg)
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
