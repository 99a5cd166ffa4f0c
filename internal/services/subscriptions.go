package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subgate/internal/models"

	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `tg_id, expires_at, active, warned_3d, warned_1d, last_renewal_notice`

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(&sub.TgID, &sub.ExpiresAt, &sub.Active, &sub.Warned3d, &sub.Warned1d, &sub.LastRenewalNotice)
	return sub, err
}

// extendSubscription must run inside a transaction. An active, unexpired
// subscription is extended from its current expiry; anything else restarts
// at now with both warnings and the renewal notice cleared.
func extendSubscription(ctx context.Context, tx querier, tgID int64, planDays int, now time.Time) (time.Time, error) {
	for attempt := 0; attempt < 2; attempt++ {
		sub, err := scanSubscription(tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tg_id = $1 FOR UPDATE`, tgID,
		))
		switch {
		case err == nil && sub.ActiveAt(now):
			expires := sub.ExpiresAt.Add(days(planDays))
			if _, err := tx.Exec(ctx,
				`UPDATE subscriptions SET expires_at = $1, updated_at = $2 WHERE tg_id = $3`,
				expires, now, tgID,
			); err != nil {
				return time.Time{}, fmt.Errorf("extend subscription: %w", err)
			}
			return expires, nil
		case err == nil:
			expires := now.Add(days(planDays))
			if _, err := tx.Exec(ctx, `
				UPDATE subscriptions
				SET expires_at = $1, active = TRUE, warned_3d = FALSE, warned_1d = FALSE,
				    last_renewal_notice = NULL, updated_at = $2
				WHERE tg_id = $3`,
				expires, now, tgID,
			); err != nil {
				return time.Time{}, fmt.Errorf("restart subscription: %w", err)
			}
			return expires, nil
		case errors.Is(err, pgx.ErrNoRows):
			expires := now.Add(days(planDays))
			tag, err := tx.Exec(ctx, `
				INSERT INTO subscriptions (tg_id, expires_at, active, warned_3d, warned_1d, updated_at)
				VALUES ($1, $2, TRUE, FALSE, FALSE, $3)
				ON CONFLICT (tg_id) DO NOTHING`,
				tgID, expires, now,
			)
			if err != nil {
				return time.Time{}, fmt.Errorf("insert subscription: %w", err)
			}
			if tag.RowsAffected() == 1 {
				return expires, nil
			}
			// Lost the insert race; the row now exists and can be locked.
		default:
			return time.Time{}, fmt.Errorf("lock subscription: %w", err)
		}
	}
	return time.Time{}, fmt.Errorf("extend subscription %d: row not lockable", tgID)
}

func (s *Service) ExtendSubscription(ctx context.Context, tgID int64, planDays int) (time.Time, error) {
	if tgID == 0 || planDays <= 0 {
		return time.Time{}, ErrInvalidRequest
	}
	var expires time.Time
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		expires, err = extendSubscription(ctx, tx, tgID, planDays, s.now())
		return err
	})
	return expires, err
}

// GrantSubscription extends a subscription by days on behalf of an
// administrator and records a zero-amount admin payment in the same commit.
func (s *Service) GrantSubscription(ctx context.Context, tgID int64, planDays int) (time.Time, error) {
	if tgID == 0 || planDays <= 0 {
		return time.Time{}, ErrInvalidRequest
	}
	var expires time.Time
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.now()
		var err error
		if expires, err = extendSubscription(ctx, tx, tgID, planDays, now); err != nil {
			return err
		}
		_, err = insertPayment(ctx, tx, models.Payment{
			TgID:     tgID,
			Provider: models.ProviderAdmin,
			Amount:   0,
			Status:   models.PaymentSuccess,
			PlanDays: planDays,
		}, now)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// DeactivateSubscription clears the active flag. Missing rows are not an error.
func (s *Service) DeactivateSubscription(ctx context.Context, tgID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET active = FALSE, updated_at = $1 WHERE tg_id = $2`,
		s.now(), tgID,
	)
	return err
}

// ExpireSubscription deactivates only a subscription that is still active and
// already past its expiry, so a renewal committed after the sweeper read the
// row is left alone. Reports whether this call flipped the row.
func (s *Service) ExpireSubscription(ctx context.Context, tgID int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET active = FALSE, updated_at = $1
		WHERE tg_id = $2 AND active AND expires_at <= $1`,
		now, tgID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Service) GetSubscription(ctx context.Context, tgID int64) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tg_id = $1`, tgID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *Service) ListActiveSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE active ORDER BY expires_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// IsActiveNow is the validity check used by the access gate and the bot.
func (s *Service) IsActiveNow(ctx context.Context, tgID int64) (bool, error) {
	sub, err := s.GetSubscription(ctx, tgID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.ActiveAt(s.now()), nil
}

// MarkWarned flips a warning flag exactly once and reports whether this call
// did it. The one day warning also sets the three day flag.
func (s *Service) MarkWarned(ctx context.Context, tgID int64, kind models.Warning) (bool, error) {
	var query string
	switch kind {
	case models.Warning3d:
		query = `
			UPDATE subscriptions SET warned_3d = TRUE, last_renewal_notice = $1, updated_at = $1
			WHERE tg_id = $2 AND active AND NOT warned_3d`
	case models.Warning1d:
		query = `
			UPDATE subscriptions SET warned_1d = TRUE, warned_3d = TRUE, last_renewal_notice = $1, updated_at = $1
			WHERE tg_id = $2 AND active AND NOT warned_1d`
	default:
		return false, ErrInvalidRequest
	}
	tag, err := s.pool.Exec(ctx, query, s.now(), tgID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Service) CountActiveSubscriptions(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE active AND expires_at > $1`, s.now(),
	).Scan(&n)
	return n, err
}
