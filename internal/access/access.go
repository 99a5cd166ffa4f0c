// Package access keeps controlled chat membership in line with subscription
// state: the sweeper expires and warns, the gate checks fresh joins.
package access

import (
	"context"
	"time"

	"subgate/internal/metrics"
	"subgate/internal/models"

	"go.uber.org/zap"
)

// Store is the subscription surface used by the sweeper and the gate.
type Store interface {
	ListActiveSubscriptions(ctx context.Context) ([]models.Subscription, error)
	ExpireSubscription(ctx context.Context, tgID int64, now time.Time) (bool, error)
	MarkWarned(ctx context.Context, tgID int64, kind models.Warning) (bool, error)
	IsActiveNow(ctx context.Context, tgID int64) (bool, error)
}

// Messenger is the chat transport. All calls are best effort.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	Kick(ctx context.Context, chatID, userID int64) error
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
}

// Remover kicks a user from every controlled chat.
type Remover struct {
	messenger Messenger
	chats     []int64
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewRemover(messenger Messenger, chats []int64, m *metrics.Metrics, logger *zap.Logger) *Remover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remover{messenger: messenger, chats: chats, metrics: m, logger: logger}
}

func (r *Remover) Chats() []int64 {
	return r.chats
}

func (r *Remover) Controlled(chatID int64) bool {
	for _, c := range r.chats {
		if c == chatID {
			return true
		}
	}
	return false
}

// Remove kicks userID from all chats. Failures are logged and ignored.
func (r *Remover) Remove(ctx context.Context, userID int64, source string) {
	for _, chat := range r.chats {
		r.kick(ctx, chat, userID, source)
	}
}

func (r *Remover) kick(ctx context.Context, chatID, userID int64, source string) {
	if err := r.messenger.Kick(ctx, chatID, userID); err != nil {
		r.logger.Warn("kick failed",
			zap.Int64("chat_id", chatID),
			zap.Int64("account_id", userID),
			zap.String("source", source),
			zap.Error(err),
		)
		return
	}
	r.metrics.Kick(source)
}

func (r *Remover) notify(ctx context.Context, userID int64, text string) {
	if err := r.messenger.SendText(ctx, userID, text); err != nil {
		r.logger.Warn("notify failed", zap.Int64("account_id", userID), zap.Error(err))
	}
}

func formatExpiry(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 UTC")
}
