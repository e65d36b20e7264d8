package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/controls"
	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/position"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator channel: notifications in, controls out
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   📊 Fill and position-close alerts
//   🚨 Kill-switch and assertion alerts
//   🎛️ Control commands (/pause, /resume, /flatten, /mode, /confirm)
//   📈 Stats on demand (/status, /stats, /positions, /balance)
//
// Every command is authorized against the configured chat id; anything else
// is silently ignored.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PositionSource is the live position view. Satisfied by *position.Manager.
type PositionSource interface {
	OpenPositions() []position.Snapshot
	SessionPnL() decimal.Decimal
	Stats() map[string]any
}

// BalanceSource reports spendable balance. Satisfied by the exchange client.
type BalanceSource interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

type Bot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	ctrl      *controls.Controls
	db        *storage.Database
	positions PositionSource
	balance   BalanceSource
}

// New builds the bot, or returns nil when no token is configured. A nil *Bot
// is safe to call; every method no-ops, so wiring stays unconditional.
func New(cfg *config.Config, ctrl *controls.Controls, db *storage.Database, pos PositionSource, bal BalanceSource) (*Bot, error) {
	if cfg.TelegramToken == "" {
		log.Info().Msg("📱 Telegram disabled, no token configured")
		return nil, nil
	}
	if cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID required when a bot token is set")
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	b := &Bot{
		api:       api,
		chatID:    cfg.TelegramChatID,
		stopCh:    make(chan struct{}),
		ctrl:      ctrl,
		db:        db,
		positions: pos,
		balance:   bal,
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// Start begins listening for commands.
func (b *Bot) Start() {
	if b == nil {
		return
	}
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
func (b *Bot) Stop() {
	if b == nil {
		return
	}
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

// NotifyStartup announces the engine coming up.
func (b *Bot) NotifyStartup(mode types.Mode, symbols []string) {
	if b == nil {
		return
	}
	msg := fmt.Sprintf(`🚀 *UPDOWN ENGINE STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
🎯 Instruments: *%s*
⏱️ Window: *15m*

Use /help for commands`, mode, strings.Join(symbols, ", "))
	b.sendMarkdown(msg)
}

// NotifyFill announces an executed order.
func (b *Bot) NotifyFill(o *storage.Order) {
	if b == nil || o == nil {
		return
	}
	emoji := "🟢"
	if o.TokenSide == types.TokenDown {
		emoji = "🔴"
	}
	action := "BUY"
	if o.Side == types.SideSell {
		action = "SELL"
	}
	b.sendMarkdown(fmt.Sprintf(`%s *%s FILLED* — %s %s

💵 Price: *%s¢*
📦 Size: *%s*
🪟 %s`,
		emoji, action, o.Symbol, o.TokenSide,
		o.AvgFillPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
		o.FilledSize.StringFixed(2),
		o.WindowID,
	))
}

// NotifyClose announces a closed position with its realized PnL.
func (b *Bot) NotifyClose(symbol string, side types.TokenSide, reason string, pnl decimal.Decimal) {
	if b == nil {
		return
	}
	emoji := "📈"
	sign := "+"
	if pnl.IsNegative() {
		emoji = "📉"
		sign = ""
	}
	b.sendMarkdown(fmt.Sprintf(`%s *POSITION CLOSED* — %s %s

💵 P&L: *%s$%s*
📝 %s`,
		emoji, symbol, side,
		sign, pnl.StringFixed(2),
		reason,
	))
}

// NotifyKillSwitch announces kill-switch movement.
func (b *Bot) NotifyKillSwitch(level types.KillSwitch, reason string) {
	if b == nil {
		return
	}
	emoji := "🛡️"
	if level.Rank() >= types.KillFlatten.Rank() {
		emoji = "🚨"
	}
	b.sendMarkdown(fmt.Sprintf("%s *KILL SWITCH: %s*\n\n`%s`", emoji, strings.ToUpper(string(level)), reason))
}

// NotifyError forwards an engine error.
func (b *Bot) NotifyError(err error) {
	if b == nil || err == nil {
		return
	}
	b.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *Bot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())
	args := strings.Fields(msg.CommandArguments())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "balance":
		b.cmdBalance()
	case "stats":
		b.cmdStats()
	case "positions":
		b.cmdPositions()
	case "pause":
		b.applyControl("kill_switch", "pause", "⏸️ Trading paused")
	case "resume":
		b.applyControl("kill_switch", "off", "▶️ Trading resumed")
	case "flatten":
		b.applyControl("kill_switch", "flatten", "🚨 Flattening: cancelling orders, closing positions")
	case "mode":
		b.cmdMode(args)
	case "confirm":
		b.applyControl("confirm_live", "", "🔴 LIVE confirmed")
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *Bot) cmdHelp() {
	b.sendMarkdown(`🤖 *UPDOWN COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
💰 /balance — Exchange balance
📈 /stats — Daily statistics
💼 /positions — Open positions
⏸️ /pause — Pause new entries
▶️ /resume — Resume trading
🚨 /flatten — Cancel and close everything
🎛️ /mode PAPER|DRY\_RUN|LIVE — Switch mode
🔴 /confirm — Confirm a pending LIVE switch
🏓 /ping — Test connection`)
}

func (b *Bot) cmdStatus() {
	view := b.ctrl.View()
	stats := b.positions.Stats()

	state := "🟢 RUNNING"
	if view.KillSwitch != types.KillOff {
		state = "🛑 " + strings.ToUpper(string(view.KillSwitch))
	}

	pnl := b.positions.SessionPnL()
	sign := "+"
	if pnl.IsNegative() {
		sign = ""
	}

	b.sendMarkdown(fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
🎯 Strategy: *%s*
💼 Open positions: *%v*
💵 Session P&L: *%s$%s*`,
		state,
		view.TradingMode,
		view.ActiveStrategy,
		stats["open_positions"],
		sign, pnl.StringFixed(2),
	))
}

func (b *Bot) cmdBalance() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bal, err := b.balance.GetBalance(ctx)
	if err != nil {
		b.send("❌ Failed to fetch balance")
		return
	}
	b.sendMarkdown(fmt.Sprintf(`💰 *ACCOUNT BALANCE*
━━━━━━━━━━━━━━━━━━━━

💵 Available: *$%s*`, bal.StringFixed(2)))
}

func (b *Bot) cmdStats() {
	daily, err := b.db.DailyStats(7)
	if err != nil {
		b.send("❌ Failed to fetch stats")
		return
	}
	if len(daily) == 0 {
		b.send("📭 No closed trades yet")
		return
	}

	msg := "📈 *DAILY STATS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, d := range daily {
		winRate := float64(0)
		if d.Trades > 0 {
			winRate = float64(d.Wins) / float64(d.Trades) * 100
		}
		sign := "+"
		if d.PnL.IsNegative() {
			sign = ""
		}
		msg += fmt.Sprintf("*%s* — %d trades, %.0f%% win, %s$%s\n",
			d.Day, d.Trades, winRate, sign, d.PnL.StringFixed(2))
	}
	b.sendMarkdown(msg)
}

func (b *Bot) cmdPositions() {
	open := b.positions.OpenPositions()
	if len(open) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for i, p := range open {
		sideEmoji := "🟢"
		if p.TokenSide == types.TokenDown {
			sideEmoji = "🔴"
		}
		sign := "+"
		if p.PnL.IsNegative() {
			sign = ""
		}
		msg += fmt.Sprintf(`%s *%s* — %s (%s)
💵 Entry: %s¢ | Mark: %s¢
📦 %s shares | P&L: %s$%s

`,
			sideEmoji, p.Symbol, p.TokenSide, p.State,
			p.AvgEntry.Mul(decimal.NewFromInt(100)).StringFixed(1),
			p.Mark.Mul(decimal.NewFromInt(100)).StringFixed(1),
			p.Shares.StringFixed(2),
			sign, p.PnL.StringFixed(2),
		)
		if i >= 4 && len(open) > 5 {
			msg += fmt.Sprintf("_... and %d more_", len(open)-5)
			break
		}
	}
	b.sendMarkdown(msg)
}

func (b *Bot) cmdMode(args []string) {
	if len(args) != 1 {
		b.send("Usage: /mode PAPER|DRY_RUN|LIVE")
		return
	}
	pending, err := b.ctrl.Apply("trading_mode", args[0])
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	if pending {
		b.sendMarkdown("⚠️ *LIVE requested.* Real money from here on.\nSend /confirm to proceed.")
		return
	}
	b.send(fmt.Sprintf("✅ Mode set to %s", strings.ToUpper(args[0])))
}

func (b *Bot) applyControl(key, value, okMsg string) {
	if _, err := b.ctrl.Apply(key, value); err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.send(okMsg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *Bot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *Bot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
