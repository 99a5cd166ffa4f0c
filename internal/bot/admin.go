package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"subgate/internal/admin"
	"subgate/internal/reports"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	btnGrant    = "🎁 Grant"
	btnPayments = "📊 Payments"
	btnStats    = "📈 Stats"
	btnCommands = "ℹ️ Commands"
)

const (
	statsInterval  = 1500 * time.Millisecond
	exportInterval = 2 * time.Second
)

const commandsText = "👑 <b>Admin commands</b>\n\n" +
	"/admin: admin panel\n" +
	"/give USER_ID DAYS: grant a subscription\n" +
	"/revoke USER_ID: revoke a subscription\n" +
	"/token: admin API token\n\n" +
	"Menu: 🎁 Grant, 📊 Payments, 📈 Stats"

func adminKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnGrant), tgbotapi.NewKeyboardButton(btnPayments)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnStats), tgbotapi.NewKeyboardButton(btnCommands)),
	)
	kb.ResizeKeyboard = true
	return kb
}

func statsKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📈 Today", "stats:today")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📈 30 days", "stats:30d")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📄 Excel (today)", "xlsx:today")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📄 Excel (30 days)", "xlsx:30d")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back", "stats:back")),
	)
}

// onAdminMessage reports whether text was an admin command.
func (b *Bot) onAdminMessage(ctx context.Context, chatID, caller int64, text, cmd string, args []string) bool {
	switch {
	case cmd == "/admin":
		if b.allowMessage(caller) {
			b.reply(ctx, chatID, "👑 <b>Admin panel</b>\nPick an action below 👇", adminKeyboard())
		}
	case text == btnCommands:
		if b.allowMessage(caller) {
			b.reply(ctx, chatID, commandsText, adminKeyboard())
		}
	case text == btnGrant:
		if b.allowMessage(caller) {
			b.reply(ctx, chatID, "🎁 <b>Grant</b>\n\n<code>/give USER_ID DAYS</code>\nExample: <code>/give 123456789 30</code>", adminKeyboard())
		}
	case cmd == "/give":
		if b.allowMessage(caller) {
			b.give(ctx, chatID, caller, args)
		}
	case cmd == "/revoke":
		if b.allowMessage(caller) {
			b.revoke(ctx, chatID, caller, args)
		}
	case cmd == "/token":
		if b.allowMessage(caller) {
			b.token(ctx, chatID, caller)
		}
	case text == btnPayments:
		if b.allowMessage(caller) {
			b.payments(ctx, chatID, caller)
		}
	case text == btnStats:
		if b.allowMessage(caller) {
			b.reply(ctx, chatID, "📈 <b>Stats</b>\nPick a period 👇", statsKeyboard())
		}
	default:
		return false
	}
	return true
}

func (b *Bot) give(ctx context.Context, chatID, caller int64, args []string) {
	if len(args) != 2 {
		b.reply(ctx, chatID, "Usage: /give USER_ID DAYS", adminKeyboard())
		return
	}
	userID, err1 := strconv.ParseInt(args[0], 10, 64)
	days, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || userID <= 0 || days <= 0 {
		b.reply(ctx, chatID, "USER_ID and DAYS must be positive numbers.", adminKeyboard())
		return
	}
	expires, err := b.admin.Grant(ctx, caller, userID, days)
	if err != nil {
		b.adminFailure(ctx, chatID, "grant", err)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("✅ Granted %d days to <code>%d</code>, active until %s.",
		days, userID, expires.UTC().Format("2006-01-02 15:04 UTC")), adminKeyboard())
}

func (b *Bot) revoke(ctx context.Context, chatID, caller int64, args []string) {
	if len(args) != 1 {
		b.reply(ctx, chatID, "Usage: /revoke USER_ID", adminKeyboard())
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		b.reply(ctx, chatID, "USER_ID must be a positive number.", adminKeyboard())
		return
	}
	if err := b.admin.Revoke(ctx, caller, userID); err != nil {
		b.adminFailure(ctx, chatID, "revoke", err)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("⛔ Subscription of <code>%d</code> revoked.", userID), adminKeyboard())
}

func (b *Bot) token(ctx context.Context, chatID, caller int64) {
	if b.opts.IssueToken == nil {
		b.reply(ctx, chatID, "Admin API is disabled.", adminKeyboard())
		return
	}
	if err := b.admin.Authorizer().Require(caller); err != nil {
		return
	}
	tok, expires, err := b.opts.IssueToken(caller)
	if err != nil {
		b.adminFailure(ctx, chatID, "token", err)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("🔑 <code>%s</code>\nValid until %s.", tok, expires.UTC().Format("2006-01-02 15:04 UTC")), adminKeyboard())
}

func (b *Bot) payments(ctx context.Context, chatID, caller int64) {
	items, err := b.admin.RecentPayments(ctx, caller, admin.RecentLimit)
	if err != nil {
		b.adminFailure(ctx, chatID, "payments", err)
		return
	}
	if len(items) == 0 {
		b.reply(ctx, chatID, "📊 No payments yet", adminKeyboard())
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 <b>Last %d payments</b>\n\n", len(items))
	for _, p := range items {
		fmt.Fprintf(&sb, "%s | %d | %s | %s so'm | %s\n",
			p.CreatedAt.UTC().Format("01-02 15:04"), p.TgID, p.Provider, formatAmount(p.Amount), p.Status)
	}
	b.reply(ctx, chatID, sb.String(), adminKeyboard())
}

func (b *Bot) onAdminCallback(ctx context.Context, cb *tgbotapi.CallbackQuery, kind, arg string) {
	caller := cb.From.ID
	if !b.isAdmin(caller) {
		b.answer(ctx, cb.ID, "Access denied", true)
		return
	}
	interval := statsInterval
	if kind == "xlsx" {
		interval = exportInterval
	}
	if !b.allowCallback(caller, interval) {
		b.answer(ctx, cb.ID, "⏳", false)
		return
	}
	if cb.Message == nil || cb.Message.Chat == nil {
		b.answer(ctx, cb.ID, "", false)
		return
	}
	chatID := cb.Message.Chat.ID

	if kind == "stats" && arg == "back" {
		b.editOrSend(ctx, cb.Message, "📈 <b>Stats</b>\nPick a period 👇")
		b.answer(ctx, cb.ID, "", false)
		return
	}
	period, err := admin.ParsePeriod(arg)
	if err != nil {
		b.answer(ctx, cb.ID, "", false)
		return
	}

	if kind == "xlsx" {
		export, err := b.admin.Export(ctx, caller, period)
		if err != nil {
			b.answer(ctx, cb.ID, "Export failed", true)
			b.logger.Error("export failed", zap.Error(err))
			return
		}
		caption := fmt.Sprintf("📄 Excel report: %s", export.Title)
		if err := b.transport.SendDocument(ctx, chatID, export.FileName, export.Data, caption); err != nil {
			b.logger.Warn("send export failed", zap.Error(err))
		}
		b.answer(ctx, cb.ID, "", false)
		return
	}

	stats, err := b.admin.Stats(ctx, caller, period)
	if err != nil {
		b.answer(ctx, cb.ID, "Stats failed", true)
		b.logger.Error("stats failed", zap.Error(err))
		return
	}
	b.editOrSend(ctx, cb.Message, formatStats(stats))
	b.answer(ctx, cb.ID, "", false)
}

func formatStats(st admin.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📈 <b>%s (UTC)</b>\n\n", st.Period.Title())
	line := func(name string, t reports.Totals) {
		fmt.Fprintf(&sb, "%s: %d | %s so'm\n", strings.ToUpper(name), t.Count, formatAmount(t.Sum))
	}
	line(reports.AllProviders, st.Summary[reports.AllProviders])
	for _, p := range []string{"payme", "click"} {
		line(p, st.Summary[p])
	}
	for _, p := range st.Summary.Providers() {
		if p != "payme" && p != "click" {
			line(p, st.Summary[p])
		}
	}
	fmt.Fprintf(&sb, "\nActive subscriptions: %d", st.ActiveSubscriptions)
	return sb.String()
}

// editOrSend replaces the callback's message and falls back to a new one when
// Telegram refuses the edit.
func (b *Bot) editOrSend(ctx context.Context, msg *tgbotapi.Message, text string) {
	edit := tgbotapi.NewEditMessageTextAndMarkup(msg.Chat.ID, msg.MessageID, text, statsKeyboard())
	edit.ParseMode = tgbotapi.ModeHTML
	if err := b.transport.Send(ctx, edit); err == nil {
		return
	}
	b.reply(ctx, msg.Chat.ID, text, statsKeyboard())
}

func (b *Bot) adminFailure(ctx context.Context, chatID int64, op string, err error) {
	if errors.Is(err, admin.ErrForbidden) {
		return
	}
	b.logger.Error("admin operation failed", zap.String("op", op), zap.Error(err))
	b.reply(ctx, chatID, "⚠️ Operation failed, see logs.", adminKeyboard())
}
