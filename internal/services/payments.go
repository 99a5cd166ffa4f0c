package services

import (
	"context"
	"fmt"
	"time"

	"subgate/internal/models"
)

const paymentColumns = `p.id, p.tg_id, COALESCE(u.pay_code, ''), p.provider, p.amount, p.status, p.plan_days, p.ext_id, p.created_at`

func insertPayment(ctx context.Context, q querier, p models.Payment, now time.Time) (models.Payment, error) {
	if p.Status == "" {
		p.Status = models.PaymentSuccess
	}
	err := q.QueryRow(ctx, `
		INSERT INTO payments (tg_id, provider, amount, status, plan_days, ext_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		p.TgID, p.Provider, p.Amount, p.Status, p.PlanDays, p.ExtID, now,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return models.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

// AddPayment appends a payment record. Records are never updated afterwards.
func (s *Service) AddPayment(ctx context.Context, p models.Payment) (models.Payment, error) {
	if p.TgID == 0 || p.Provider == "" {
		return models.Payment{}, ErrInvalidRequest
	}
	return insertPayment(ctx, s.pool, p, s.now())
}

func (s *Service) ListRecentPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 30
	}
	return s.listPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM payments p LEFT JOIN users u ON u.tg_id = p.tg_id
		ORDER BY p.id DESC
		LIMIT $1`, limit)
}

// ListPaymentsSince returns payments created at or after since, oldest first.
func (s *Service) ListPaymentsSince(ctx context.Context, since time.Time) ([]models.Payment, error) {
	return s.listPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM payments p LEFT JOIN users u ON u.tg_id = p.tg_id
		WHERE p.created_at >= $1
		ORDER BY p.id`, since)
}

func (s *Service) listPayments(ctx context.Context, query string, arg any) ([]models.Payment, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(
			&p.ID, &p.TgID, &p.PayCode, &p.Provider, &p.Amount,
			&p.Status, &p.PlanDays, &p.ExtID, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
