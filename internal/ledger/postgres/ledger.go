// Package postgres is the shared-database ledger backend. Sale records are
// locked with SELECT ... FOR UPDATE and created under their primary key, so
// concurrent operations on one listing serialize on that row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/ledger"
)

type Ledger struct {
	pool   *pgxpool.Pool
	rent   ledger.Rent
	logger *zap.Logger
}

var _ ledger.Ledger = (*Ledger)(nil)

// New wraps an open pool. The schema is created by migrations.Apply.
func New(pool *pgxpool.Pool, rent ledger.Rent, logger *zap.Logger) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{pool: pool, rent: rent, logger: logger}, nil
}

func (l *Ledger) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return l.withTx(ctx, pgx.TxOptions{}, true, fn)
}

func (l *Ledger) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return l.withTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, false, fn)
}

func (l *Ledger) withTx(ctx context.Context, opts pgx.TxOptions, writable bool, fn func(tx ledger.Tx) error) error {
	tx, err := l.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	id := uuid.New()
	if err := fn(ledger.Bind(id, &state{tx: tx, writable: writable}, l.rent)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			l.logger.Warn("ledger.pg.rollback_failed", zap.String("tx_id", id.String()), zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Close is a no-op: the pool belongs to the caller.
func (l *Ledger) Close() error { return nil }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func isOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22003"
}

// toBigint converts a lamport or unit amount to the BIGINT column type.
func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d exceeds storage range", ledger.ErrBalanceOverflow, v)
	}
	return int64(v), nil
}
