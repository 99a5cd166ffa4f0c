package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"subgate/internal/models"
	"subgate/internal/reports"
	"subgate/internal/services"

	"go.uber.org/zap"
)

const RecentLimit = 30

type Period string

const (
	PeriodToday Period = "today"
	Period30d   Period = "30d"
)

var ErrUnknownPeriod = errors.New("unknown period")

func ParsePeriod(raw string) (Period, error) {
	switch Period(strings.ToLower(strings.TrimSpace(raw))) {
	case PeriodToday, "":
		return PeriodToday, nil
	case Period30d:
		return Period30d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPeriod, raw)
}

// Since is the start of the period: UTC midnight for today, 30 days back
// otherwise.
func (p Period) Since(now time.Time) time.Time {
	now = now.UTC()
	if p == Period30d {
		return now.Add(-30 * 24 * time.Hour)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (p Period) Title() string {
	if p == Period30d {
		return "Last 30 days"
	}
	return "Today"
}

type Store interface {
	GrantSubscription(ctx context.Context, tgID int64, days int) (time.Time, error)
	DeactivateSubscription(ctx context.Context, tgID int64) error
	ListRecentPayments(ctx context.Context, limit int) ([]models.Payment, error)
	ListPaymentsSince(ctx context.Context, since time.Time) ([]models.Payment, error)
	CountActiveSubscriptions(ctx context.Context) (int64, error)
}

type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Remover revokes chat access for a user.
type Remover interface {
	Remove(ctx context.Context, userID int64, source string)
}

type Service struct {
	auth     *Authorizer
	store    Store
	remover  Remover
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(auth *Authorizer, store Store, remover Remover, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		auth:     auth,
		store:    store,
		remover:  remover,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Authorizer() *Authorizer {
	return s.auth
}

// Grant extends a subscription by days and records it as an admin payment of
// zero amount so it shows up in listings and exports. Both land in one commit.
func (s *Service) Grant(ctx context.Context, caller, tgID int64, days int) (time.Time, error) {
	if err := s.auth.Require(caller); err != nil {
		return time.Time{}, err
	}
	if tgID == 0 || days <= 0 {
		return time.Time{}, services.ErrInvalidRequest
	}
	expires, err := s.store.GrantSubscription(ctx, tgID, days)
	if err != nil {
		return time.Time{}, err
	}
	s.logger.Info("admin grant",
		zap.Int64("admin_id", caller),
		zap.Int64("account_id", tgID),
		zap.Int("days", days),
		zap.Time("expires_at", expires),
	)
	s.notify(ctx, tgID, fmt.Sprintf("🎁 You were granted %d days of access.\nSubscription active until %s.",
		days, expires.UTC().Format("2006-01-02 15:04 UTC")))
	return expires, nil
}

// Revoke deactivates the subscription and removes the user from the chats.
func (s *Service) Revoke(ctx context.Context, caller, tgID int64) error {
	if err := s.auth.Require(caller); err != nil {
		return err
	}
	if tgID == 0 {
		return services.ErrInvalidRequest
	}
	if err := s.store.DeactivateSubscription(ctx, tgID); err != nil {
		return err
	}
	s.logger.Info("admin revoke", zap.Int64("admin_id", caller), zap.Int64("account_id", tgID))
	if s.remover != nil {
		s.remover.Remove(ctx, tgID, "admin")
	}
	s.notify(ctx, tgID, "⛔ Your subscription was revoked by an administrator.")
	return nil
}

func (s *Service) RecentPayments(ctx context.Context, caller int64, limit int) ([]models.Payment, error) {
	if err := s.auth.Require(caller); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = RecentLimit
	}
	return s.store.ListRecentPayments(ctx, limit)
}

type Stats struct {
	Period              Period          `json:"period"`
	Since               time.Time       `json:"since"`
	Summary             reports.Summary `json:"summary"`
	ActiveSubscriptions int64           `json:"active_subscriptions"`
}

func (s *Service) Stats(ctx context.Context, caller int64, period Period) (Stats, error) {
	if err := s.auth.Require(caller); err != nil {
		return Stats{}, err
	}
	since := period.Since(s.now())
	payments, err := s.store.ListPaymentsSince(ctx, since)
	if err != nil {
		return Stats{}, err
	}
	active, err := s.store.CountActiveSubscriptions(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Period:              period,
		Since:               since,
		Summary:             reports.Summarize(payments),
		ActiveSubscriptions: active,
	}, nil
}

type Export struct {
	FileName string
	Title    string
	Data     []byte
}

func (s *Service) Export(ctx context.Context, caller int64, period Period) (Export, error) {
	if err := s.auth.Require(caller); err != nil {
		return Export{}, err
	}
	now := s.now()
	payments, err := s.store.ListPaymentsSince(ctx, period.Since(now))
	if err != nil {
		return Export{}, err
	}
	data, err := reports.BuildPaymentsXLSX(payments, period.Title(), now)
	if err != nil {
		return Export{}, err
	}
	return Export{
		FileName: fmt.Sprintf("payments_%s_%s.xlsx", period, now.Format("20060102_1504")),
		Title:    period.Title(),
		Data:     data,
	}, nil
}

func (s *Service) notify(ctx context.Context, tgID int64, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendText(ctx, tgID, text); err != nil {
		s.logger.Warn("admin notify failed", zap.Int64("account_id", tgID), zap.Error(err))
	}
}
