package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"subgate/internal/services"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	btnPay     = "💳 Pay"
	btnMySub   = "👤 My subscription"
	btnRefresh = "🔄 Refresh"
	btnHelp    = "ℹ️ Help"
)

const helpText = "ℹ️ <b>Help</b>\n\n" +
	"1. Press <b>💳 Pay</b> to get your pay code.\n" +
	"2. Pay with Click or Payme and enter the pay code as the account number.\n" +
	"3. Access is granted automatically once the payment goes through.\n\n" +
	"<b>👤 My subscription</b> shows how long your access lasts."

func userKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnPay), tgbotapi.NewKeyboardButton(btnMySub)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnRefresh), tgbotapi.NewKeyboardButton(btnHelp)),
	)
	kb.ResizeKeyboard = true
	return kb
}

// formatAmount renders 120000 as "120 000".
func formatAmount(n int64) string {
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	s := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return sign + b.String()
}

func (b *Bot) payLinks() *tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	if b.opts.ClickPayURL != "" {
		row = append(row, tgbotapi.NewInlineKeyboardButtonURL("Click", b.opts.ClickPayURL))
	}
	if b.opts.PaymePayURL != "" {
		row = append(row, tgbotapi.NewInlineKeyboardButtonURL("Payme", b.opts.PaymePayURL))
	}
	if len(row) == 0 {
		return nil
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

func (b *Bot) start(ctx context.Context, chatID, userID int64) {
	user, err := b.users.EnsureUser(ctx, userID)
	if err != nil {
		b.logger.Error("ensure user failed", zap.Int64("account_id", userID), zap.Error(err))
		b.reply(ctx, chatID, "⚠️ Something went wrong. Please try again later.", userKeyboard())
		return
	}

	var sb strings.Builder
	sb.WriteString("💳 <b>Payment</b>\n\n")
	fmt.Fprintf(&sb, "Your pay code: <code>%s</code>\n", html.EscapeString(user.PayCode))
	sb.WriteString("Enter it as the account number in Click or Payme.\n\n<b>Plans</b>\n")
	if b.catalog != nil {
		for _, p := range b.catalog.Plans() {
			fmt.Fprintf(&sb, "• %d days: %s so'm\n", p.Days, formatAmount(p.Price))
		}
	}

	if links := b.payLinks(); links != nil {
		b.reply(ctx, chatID, sb.String(), links)
		return
	}
	b.reply(ctx, chatID, sb.String(), userKeyboard())
}

func (b *Bot) status(ctx context.Context, chatID, userID int64) {
	sub, err := b.users.GetSubscription(ctx, userID)
	switch {
	case errors.Is(err, services.ErrNotFound):
		b.reply(ctx, chatID, "👤 You have no subscription yet. Press <b>💳 Pay</b> to get one.", userKeyboard())
		return
	case err != nil:
		b.logger.Error("load subscription failed", zap.Int64("account_id", userID), zap.Error(err))
		b.reply(ctx, chatID, "⚠️ Something went wrong. Please try again later.", userKeyboard())
		return
	}

	now := b.now()
	expires := sub.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC")
	if !sub.ActiveAt(now) {
		b.reply(ctx, chatID, fmt.Sprintf("👤 Your subscription expired on %s.\nPress <b>💳 Pay</b> to renew.", expires), userKeyboard())
		return
	}
	daysLeft := int(sub.Remaining(now).Hours() / 24)
	b.reply(ctx, chatID, fmt.Sprintf("✅ Subscription active until <b>%s</b>.\nDays left: %d", expires, daysLeft), userKeyboard())
}
