// Package postgres implements orders.Store on pgx. Stock and status changes
// are single conditional UPDATE statements; the affected row count is the
// answer.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is what the repositories need; both *pgxpool.Pool and pgx.Tx have it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool can also open transactions.
type Pool interface {
	DBTX
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	pool Pool
	repos
}

func NewStore(pool Pool) *Store {
	return &Store{pool: pool, repos: repos{db: pool}}
}

func (s *Store) Carts() orders.CartRepo { return cartRepo{s.pool} }

// WithinTx runs fn in a read committed transaction. fn's error, or a panic,
// rolls everything back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx orders.Repos) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, repos{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type repos struct{ db DBTX }

func (r repos) Inventory() orders.InventoryRepo { return inventoryRepo{r.db} }
func (r repos) Products() orders.ProductRepo   { return productRepo{r.db} }
func (r repos) Orders() orders.OrderRepo       { return orderRepo{r.db} }
func (r repos) Payments() orders.PaymentRepo   { return paymentRepo{r.db} }
func (r repos) Coupons() orders.CouponRepo     { return couponRepo{r.db} }

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrNotFound
	}
	return err
}

const uniqueViolation = "23505"

func duplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, orders.ErrDuplicate)
	}
	return err
}
