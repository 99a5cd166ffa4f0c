// Package bot turns inbound Telegram updates into calls on the core services.
// Handlers are thin: they parse, throttle, call one service and reply.
package bot

import (
	"context"
	"strings"
	"time"

	"subgate/internal/admin"
	"subgate/internal/antifraud"
	"subgate/internal/models"
	"subgate/internal/plans"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const handleTimeout = 30 * time.Second

type Users interface {
	EnsureUser(ctx context.Context, tgID int64) (models.User, error)
	GetSubscription(ctx context.Context, tgID int64) (models.Subscription, error)
}

type Transport interface {
	Send(ctx context.Context, msg tgbotapi.Chattable) error
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error
	Answer(ctx context.Context, callbackID, text string, alert bool) error
}

// Joiner is notified of users entering a chat.
type Joiner interface {
	OnJoin(chatID, userID int64) bool
}

// TokenIssuer mints an admin API bearer token.
type TokenIssuer func(adminID int64) (string, time.Time, error)

type Options struct {
	ClickPayURL string
	PaymePayURL string
	IssueToken  TokenIssuer
}

type Bot struct {
	users     Users
	transport Transport
	gate      Joiner
	admin     *admin.Service
	catalog   *plans.Catalog
	throttle  *antifraud.Throttle
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

func New(users Users, transport Transport, gate Joiner, adm *admin.Service, catalog *plans.Catalog, throttle *antifraud.Throttle, opts Options, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		users:     users,
		transport: transport,
		gate:      gate,
		admin:     adm,
		catalog:   catalog,
		throttle:  throttle,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes updates until the channel closes or ctx is done.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.Handle(ctx, update)
		}
	}
}

// Handle dispatches one update. Failures are logged; the update is never
// retried.
func (b *Bot) Handle(ctx context.Context, update tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	switch {
	case update.ChatMember != nil:
		b.onChatMember(update.ChatMember)
	case update.CallbackQuery != nil:
		b.onCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.onMessage(ctx, update.Message)
	}
}

func (b *Bot) onChatMember(u *tgbotapi.ChatMemberUpdated) {
	if b.gate == nil || u.NewChatMember.User == nil || u.NewChatMember.User.IsBot {
		return
	}
	if !joined(u.OldChatMember.Status, u.NewChatMember.Status) {
		return
	}
	b.gate.OnJoin(u.Chat.ID, u.NewChatMember.User.ID)
}

func present(status string) bool {
	switch status {
	case "creator", "administrator", "member", "restricted":
		return true
	}
	return false
}

func joined(oldStatus, newStatus string) bool {
	return present(newStatus) && !present(oldStatus)
}

func (b *Bot) onMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if len(msg.NewChatMembers) > 0 {
		if b.gate != nil {
			for _, u := range msg.NewChatMembers {
				if !u.IsBot {
					b.gate.OnJoin(msg.Chat.ID, u.ID)
				}
			}
		}
		return
	}
	if !msg.Chat.IsPrivate() {
		return
	}

	text := strings.TrimSpace(msg.Text)
	cmd, args := splitCommand(text)
	userID := msg.From.ID

	if b.isAdmin(userID) && b.onAdminMessage(ctx, msg.Chat.ID, userID, text, cmd, args) {
		return
	}

	switch {
	case cmd == "/start" || text == btnPay:
		if b.allowMessage(userID) {
			b.start(ctx, msg.Chat.ID, userID)
		}
	case text == btnMySub || text == btnRefresh || cmd == "/status":
		if b.allowMessage(userID) {
			b.status(ctx, msg.Chat.ID, userID)
		}
	case text == btnHelp || cmd == "/help":
		if b.allowMessage(userID) {
			b.reply(ctx, msg.Chat.ID, helpText, userKeyboard())
		}
	}
}

func (b *Bot) onCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil {
		return
	}
	kind, arg, _ := strings.Cut(cb.Data, ":")
	switch kind {
	case "stats", "xlsx":
		b.onAdminCallback(ctx, cb, kind, arg)
	default:
		b.answer(ctx, cb.ID, "", false)
	}
}

func (b *Bot) isAdmin(id int64) bool {
	return b.admin != nil && b.admin.Authorizer().IsAdmin(id)
}

func (b *Bot) allowMessage(userID int64) bool {
	return b.throttle.Allow(userID, antifraud.MessageInterval)
}

func (b *Bot) allowCallback(userID int64, interval time.Duration) bool {
	return b.throttle.Allow(userID, interval)
}

// splitCommand returns the lowercased command without any @botname suffix.
func splitCommand(text string) (string, []string) {
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(cmd), fields[1:]
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if err := b.transport.Send(ctx, msg); err != nil {
		b.logger.Warn("send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := b.transport.Answer(ctx, callbackID, text, alert); err != nil {
		b.logger.Debug("answer callback failed", zap.Error(err))
	}
}
