package payments

import (
	"context"
	"fmt"
	"time"

	"subgate/internal/config"
	"subgate/internal/metrics"
	"subgate/internal/models"
	"subgate/internal/plans"
	"subgate/internal/services"

	"go.uber.org/zap"
)

// Store is the slice of services.Service the webhook handlers drive.
type Store interface {
	GetUser(ctx context.Context, tgID int64) (models.User, error)
	GetUserByPayCode(ctx context.Context, payCode string) (models.User, error)
	GetTransaction(ctx context.Context, provider, extID string) (models.Transaction, error)
	GetOrCreateTransaction(ctx context.Context, provider, extID string, tgID int64, planDays int, amount int64) (models.Transaction, error)
	UpdateTransactionState(ctx context.Context, provider, extID, state string) (models.Transaction, error)
	CreditTransaction(ctx context.Context, provider, extID, status string) (services.Credit, error)
}

// Notifier delivers best-effort messages to a user.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Options struct {
	ClickSecret      string
	PaymeSecret      string
	AmountMultiplier int64
}

// Intake validates provider callbacks and drives the ledger. Protocol
// rejections are returned as provider responses; only storage failures come
// back as errors.
type Intake struct {
	store    Store
	catalog  *plans.Catalog
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewIntake(store Store, catalog *plans.Catalog, notifier Notifier, m *metrics.Metrics, logger *zap.Logger, opts Options) *Intake {
	if opts.AmountMultiplier <= 0 {
		opts.AmountMultiplier = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		store:    store,
		catalog:  catalog,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (in *Intake) clickEnforced() bool {
	return config.Enforced(in.opts.ClickSecret)
}

func (in *Intake) paymeEnforced() bool {
	return config.Enforced(in.opts.PaymeSecret)
}

// resolvePlan picks the plan for a paid amount. With enforcement disabled an
// unmatched amount falls back to the default plan.
func (in *Intake) resolvePlan(amount int64, enforced bool) (int, bool) {
	if days, ok := in.catalog.ByAmount(amount); ok {
		return days, true
	}
	if enforced {
		return 0, false
	}
	return in.catalog.Normalize(plans.DefaultDays), true
}

func (in *Intake) notifyCredited(ctx context.Context, credit services.Credit) {
	if in.notifier == nil {
		return
	}
	text := fmt.Sprintf(
		"✅ Payment received (%d days).\nYour subscription is active until %s.",
		credit.Transaction.PlanDays, credit.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"),
	)
	if err := in.notifier.SendText(ctx, credit.Transaction.TgID, text); err != nil {
		in.logger.Warn("notify credited user",
			zap.Int64("account_id", credit.Transaction.TgID),
			zap.Error(err),
		)
	}
}

func (in *Intake) credited(ctx context.Context, credit services.Credit) {
	in.metrics.Credit(credit.Transaction.Provider)
	in.logger.Info("transaction credited",
		zap.String("provider", credit.Transaction.Provider),
		zap.String("ext_id", credit.Transaction.ExtID),
		zap.Int64("account_id", credit.Transaction.TgID),
		zap.Int("plan_days", credit.Transaction.PlanDays),
		zap.Time("expires_at", credit.ExpiresAt),
	)
	in.notifyCredited(ctx, credit)
}
