package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"subgate/internal/models"

	"github.com/jackc/pgx/v5"
)

const txnColumns = `id, provider, ext_id, tg_id, plan_days, amount, state, created_at, performed_at, canceled_at`

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var txn models.Transaction
	err := row.Scan(
		&txn.ID, &txn.Provider, &txn.ExtID, &txn.TgID, &txn.PlanDays,
		&txn.Amount, &txn.State, &txn.CreatedAt, &txn.PerformedAt, &txn.CanceledAt,
	)
	return txn, err
}

func getTransaction(ctx context.Context, q querier, provider, extID string) (models.Transaction, error) {
	txn, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM txns WHERE provider = $1 AND ext_id = $2`,
		provider, extID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, ErrNotFound
	}
	return txn, err
}

func validState(state string) bool {
	switch state {
	case models.TxnCreated, models.TxnPrepared, models.TxnPerformed, models.TxnCanceled, models.TxnFailed:
		return true
	}
	return false
}

func (s *Service) GetTransaction(ctx context.Context, provider, extID string) (models.Transaction, error) {
	return getTransaction(ctx, s.pool, provider, strings.TrimSpace(extID))
}

// GetOrCreateTransaction records the first notification for (provider, extID).
// The first writer wins: later calls return the stored row with its original
// account, plan and amount regardless of what they pass.
func (s *Service) GetOrCreateTransaction(ctx context.Context, provider, extID string, tgID int64, planDays int, amount int64) (models.Transaction, error) {
	extID = strings.TrimSpace(extID)
	if provider == "" || extID == "" || tgID == 0 {
		return models.Transaction{}, ErrInvalidRequest
	}

	txn, err := getTransaction(ctx, s.pool, provider, extID)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Transaction{}, err
	}

	txn, err = scanTransaction(s.pool.QueryRow(ctx, `
		INSERT INTO txns (provider, ext_id, tg_id, plan_days, amount, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+txnColumns,
		provider, extID, tgID, planDays, amount, models.TxnCreated, s.now(),
	))
	if err == nil {
		return txn, nil
	}
	if isUniqueViolation(err) {
		// A concurrent notification inserted the row first.
		return getTransaction(ctx, s.pool, provider, extID)
	}
	return models.Transaction{}, fmt.Errorf("insert txn: %w", err)
}

// UpdateTransactionState moves an open (created or prepared) ledger row
// forward to state. Rows only move forward: a performed row is refused with
// ErrAlreadyPerformed and a canceled or failed row with ErrTransactionClosed,
// both returning the stored row unchanged. Closing stamps canceled_at.
// Performing goes through CreditTransaction.
func (s *Service) UpdateTransactionState(ctx context.Context, provider, extID, state string) (models.Transaction, error) {
	if !validState(state) || state == models.TxnPerformed {
		return models.Transaction{}, ErrInvalidRequest
	}
	extID = strings.TrimSpace(extID)
	var canceledAt *time.Time
	if state == models.TxnCanceled || state == models.TxnFailed {
		now := s.now()
		canceledAt = &now
	}
	txn, err := scanTransaction(s.pool.QueryRow(ctx, `
		UPDATE txns SET state = $1, canceled_at = COALESCE($2, canceled_at)
		WHERE provider = $3 AND ext_id = $4 AND state IN ($5, $6)
		RETURNING `+txnColumns,
		state, canceledAt, provider, extID, models.TxnCreated, models.TxnPrepared,
	))
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, fmt.Errorf("update txn state: %w", err)
	}
	existing, err := getTransaction(ctx, s.pool, provider, extID)
	if err != nil {
		return models.Transaction{}, err
	}
	if existing.Closed() {
		return existing, ErrTransactionClosed
	}
	return existing, ErrAlreadyPerformed
}

// Credit is the outcome of a successful CreditTransaction.
type Credit struct {
	Transaction models.Transaction
	ExpiresAt   time.Time
}

// CreditTransaction is the only path that grants paid time. Under a row lock
// on the ledger entry it marks the row performed, extends the subscription by
// the row's plan and appends the payment record, all in one commit. A second
// call for the same row returns ErrAlreadyPerformed with the stored row.
func (s *Service) CreditTransaction(ctx context.Context, provider, extID, status string) (Credit, error) {
	extID = strings.TrimSpace(extID)
	if status == "" {
		status = models.PaymentSuccess
	}
	var credit Credit
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		txn, err := scanTransaction(tx.QueryRow(ctx,
			`SELECT `+txnColumns+` FROM txns WHERE provider = $1 AND ext_id = $2 FOR UPDATE`,
			provider, extID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock txn: %w", err)
		}
		credit.Transaction = txn
		if txn.State == models.TxnPerformed {
			return ErrAlreadyPerformed
		}
		if txn.Closed() {
			return ErrTransactionClosed
		}

		now := s.now()
		if _, err := tx.Exec(ctx,
			`UPDATE txns SET state = $1, performed_at = $2 WHERE id = $3`,
			models.TxnPerformed, now, txn.ID,
		); err != nil {
			return fmt.Errorf("perform txn: %w", err)
		}
		expires, err := extendSubscription(ctx, tx, txn.TgID, txn.PlanDays, now)
		if err != nil {
			return err
		}
		ext := txn.ExtID
		if _, err := insertPayment(ctx, tx, models.Payment{
			TgID:     txn.TgID,
			Provider: txn.Provider,
			Amount:   txn.Amount,
			Status:   status,
			PlanDays: txn.PlanDays,
			ExtID:    &ext,
		}, now); err != nil {
			return err
		}

		txn.State = models.TxnPerformed
		txn.PerformedAt = &now
		credit.Transaction = txn
		credit.ExpiresAt = expires
		return nil
	})
	return credit, err
}
