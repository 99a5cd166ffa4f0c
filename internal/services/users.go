package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"subgate/internal/models"

	"github.com/jackc/pgx/v5"
)

const (
	payCodeMin      = 10000000
	payCodeSpan     = 90000000
	payCodeAttempts = 16
)

// generatePayCode draws an 8 digit code from [10000000, 99999999].
func generatePayCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(payCodeSpan))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+payCodeMin), nil
}

// IsPayCode reports whether raw looks like a pay code: non-empty, digits only.
func IsPayCode(raw string) bool {
	if raw == "" {
		return false
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s *Service) GetUser(ctx context.Context, tgID int64) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT tg_id, pay_code, created_at
		FROM users WHERE tg_id = $1`, tgID,
	).Scan(&user.TgID, &user.PayCode, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

// EnsureUser returns the user for tgID, creating it with a fresh pay code on
// first contact. The unique index on pay_code is the final authority: a
// collision retries with a new code, a lost race on tg_id re-reads the winner.
// An existing pay code is never regenerated.
func (s *Service) EnsureUser(ctx context.Context, tgID int64) (models.User, error) {
	if tgID == 0 {
		return models.User{}, ErrInvalidRequest
	}
	user, err := s.GetUser(ctx, tgID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.User{}, err
	}

	for attempt := 0; attempt < payCodeAttempts; attempt++ {
		code, err := s.genCode()
		if err != nil {
			return models.User{}, err
		}
		err = s.pool.QueryRow(ctx, `
			INSERT INTO users (tg_id, pay_code, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (tg_id) DO NOTHING
			RETURNING tg_id, pay_code, created_at`,
			tgID, code, s.now(),
		).Scan(&user.TgID, &user.PayCode, &user.CreatedAt)
		switch {
		case err == nil:
			return user, nil
		case errors.Is(err, pgx.ErrNoRows):
			return s.GetUser(ctx, tgID)
		case isUniqueViolation(err):
			continue
		default:
			return models.User{}, fmt.Errorf("insert user: %w", err)
		}
	}
	return models.User{}, ErrCodeExhausted
}

// GetUserByPayCode is a pure lookup. Empty or non-numeric input is reported as
// ErrNotFound without touching storage.
func (s *Service) GetUserByPayCode(ctx context.Context, payCode string) (models.User, error) {
	payCode = strings.TrimSpace(payCode)
	if !IsPayCode(payCode) {
		return models.User{}, ErrNotFound
	}
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT tg_id, pay_code, created_at
		FROM users WHERE pay_code = $1`, payCode,
	).Scan(&user.TgID, &user.PayCode, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

func (s *Service) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
