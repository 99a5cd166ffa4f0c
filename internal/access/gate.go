package access

import (
	"context"
	"time"

	"subgate/internal/metrics"

	"go.uber.org/zap"
)

const gateCheckTimeout = 30 * time.Second

// Gate re-checks a user shortly after they join a controlled chat and removes
// them unless they are still a member with an active subscription. Pending
// checks are in-memory only; the sweeper covers anything lost on restart.
type Gate struct {
	store     Store
	remover   *Remover
	isAdmin   func(int64) bool
	grace     time.Duration
	afterFunc func(time.Duration, func())
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewGate(store Store, remover *Remover, isAdmin func(int64) bool, grace time.Duration, m *metrics.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Gate{
		store:     store,
		remover:   remover,
		isAdmin:   isAdmin,
		grace:     grace,
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		metrics:   m,
		logger:    logger,
	}
}

// OnJoin schedules a check for userID in chatID. Joins to chats that are not
// controlled, and joins by admins, are ignored. Reports whether a check was
// scheduled.
func (g *Gate) OnJoin(chatID, userID int64) bool {
	if userID == 0 || !g.remover.Controlled(chatID) || g.isAdmin(userID) {
		return false
	}
	g.afterFunc(g.grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), gateCheckTimeout)
		defer cancel()
		g.Check(ctx, chatID, userID)
	})
	return true
}

// Check runs the post-join decision immediately. Reports whether the user was
// kicked.
func (g *Gate) Check(ctx context.Context, chatID, userID int64) bool {
	log := g.logger.With(zap.Int64("chat_id", chatID), zap.Int64("account_id", userID))

	member, err := g.remover.messenger.IsMember(ctx, chatID, userID)
	if err != nil {
		log.Warn("membership lookup failed", zap.Error(err))
		member = true
	}
	if member {
		active, err := g.store.IsActiveNow(ctx, userID)
		if err != nil {
			log.Warn("subscription lookup failed, leaving member in place", zap.Error(err))
			return false
		}
		if active {
			return false
		}
	}

	log.Info("removing member without active subscription", zap.Bool("member", member))
	g.remover.kick(ctx, chatID, userID, "gate")
	return true
}
