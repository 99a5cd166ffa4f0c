package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subgate/internal/metrics"
	"subgate/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	warnWindow3d = 3 * 24 * time.Hour
	warnWindow1d = 24 * time.Hour
	sweepTimeout = 10 * time.Minute
)

type Sweeper struct {
	store   Store
	remover *Remover
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	cron    *cron.Cron
}

func NewSweeper(store Store, remover *Remover, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:   store,
		remover: remover,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run makes one pass over active subscriptions. A failure on one subscription
// does not stop the pass; all failures are joined into the returned error.
func (s *Sweeper) Run(ctx context.Context) error {
	subs, err := s.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list active subscriptions: %w", err)
	}
	now := s.now()
	var errs []error
	for _, sub := range subs {
		if err := s.sweepOne(ctx, sub, now); err != nil {
			s.logger.Error("sweep subscription", zap.Int64("account_id", sub.TgID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) sweepOne(ctx context.Context, sub models.Subscription, now time.Time) error {
	left := sub.ExpiresAt.Sub(now)
	switch {
	case left <= 0:
		flipped, err := s.store.ExpireSubscription(ctx, sub.TgID, now)
		if err != nil || !flipped {
			return err
		}
		s.metrics.SweepAction("expired")
		s.logger.Info("subscription expired", zap.Int64("account_id", sub.TgID), zap.Time("expires_at", sub.ExpiresAt))
		s.remover.Remove(ctx, sub.TgID, "sweeper")
		s.remover.notify(ctx, sub.TgID, "⛔ Your subscription has expired and access was removed.\nRenew it from the bot menu to join again.")
	case left <= warnWindow1d:
		if sub.Warned1d {
			return nil
		}
		return s.warn(ctx, sub, models.Warning1d,
			fmt.Sprintf("⏳ Your subscription ends within 24 hours (%s). Renew now to keep access.", formatExpiry(sub.ExpiresAt)))
	case left <= warnWindow3d:
		if sub.Warned3d {
			return nil
		}
		return s.warn(ctx, sub, models.Warning3d,
			fmt.Sprintf("⏳ Your subscription ends in 3 days (%s). Renew to keep access.", formatExpiry(sub.ExpiresAt)))
	}
	return nil
}

func (s *Sweeper) warn(ctx context.Context, sub models.Subscription, kind models.Warning, text string) error {
	flipped, err := s.store.MarkWarned(ctx, sub.TgID, kind)
	if err != nil || !flipped {
		return err
	}
	s.metrics.SweepAction("warned_" + string(kind))
	s.remover.notify(ctx, sub.TgID, text)
	return nil
}

// Start schedules Run on a cron spec such as "@every 1h" or "0 * * * *".
// Overlapping runs are skipped.
func (s *Sweeper) Start(schedule string) error {
	logger := cronLogger{s.logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, s.runScheduled); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("sweeper scheduled", zap.String("schedule", schedule))
	return nil
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	start := time.Now()
	err := s.Run(ctx)
	s.metrics.SweepRun(err)
	if err != nil {
		s.logger.Error("sweep finished with errors", zap.Error(err), zap.Duration("took", time.Since(start)))
		return
	}
	s.logger.Debug("sweep finished", zap.Duration("took", time.Since(start)))
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// cronLogger routes robfig/cron's logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
