package services

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrAlreadyPerformed  = errors.New("transaction already performed")
	ErrTransactionClosed = errors.New("transaction canceled or failed")
	ErrCodeExhausted     = errors.New("could not allocate a unique pay code")
)

// querier is the statement surface shared by the pool and an open pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool abstracts the subset of pgxpool.Pool used by the service.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool    Pool
	now     func() time.Time
	genCode func() (string, error)
}

func New(pool Pool) *Service {
	return &Service{
		pool:    pool,
		now:     func() time.Time { return time.Now().UTC() },
		genCode: generatePayCode,
	}
}

// Now is the service clock; callers comparing against stored timestamps use it
// so tests can pin time.
func (s *Service) Now() time.Time {
	return s.now()
}

// inTx runs fn inside a short-lived transaction. The deferred rollback is a
// no-op after a successful commit.
func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
