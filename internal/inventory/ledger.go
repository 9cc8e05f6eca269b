// Package inventory owns stock accounting. Every mutation is a single
// conditional statement executed by the storage engine; the ledger never
// reads a row and writes it back.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-core/internal/orders"
)

type Ledger struct {
	repo orders.InventoryRepo
}

// NewLedger binds a ledger to repo, which may be the pool-level repository or
// one bound to a transaction.
func NewLedger(repo orders.InventoryRepo) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) Get(ctx context.Context, productID string) (orders.InventoryRecord, error) {
	rec, err := l.repo.Get(ctx, productID)
	if errors.Is(err, orders.ErrNotFound) {
		return rec, orders.NotFound("no inventory for product %s", productID)
	}
	if err != nil {
		return rec, fmt.Errorf("get inventory %s: %w", productID, err)
	}
	return rec, nil
}

// CheckAvailable is advisory only: the answer may be stale by the time the
// caller acts on it. Decrease is the authoritative attempt.
func (l *Ledger) CheckAvailable(ctx context.Context, productID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, orders.InvalidArgument("amount must be positive, got %d", amount)
	}
	rec, err := l.Get(ctx, productID)
	if err != nil {
		return false, err
	}
	return rec.Available() >= amount, nil
}

// Decrease takes amount units off hand. It returns false, without error,
// when fewer than amount units are available.
func (l *Ledger) Decrease(ctx context.Context, productID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, orders.InvalidArgument("decrease amount must be positive, got %d", amount)
	}
	ok, err := l.repo.Decrease(ctx, productID, amount)
	if err != nil {
		return false, fmt.Errorf("decrease stock %s: %w", productID, err)
	}
	return ok, nil
}

// Increase adds amount units and stamps the restock time. It returns false
// when the product has no inventory row.
func (l *Ledger) Increase(ctx context.Context, productID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, orders.InvalidArgument("increase amount must be positive, got %d", amount)
	}
	ok, err := l.repo.Increase(ctx, productID, amount)
	if err != nil {
		return false, fmt.Errorf("increase stock %s: %w", productID, err)
	}
	return ok, nil
}

// Reserve moves amount units from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, productID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, orders.InvalidArgument("reserve amount must be positive, got %d", amount)
	}
	ok, err := l.repo.Reserve(ctx, productID, amount)
	if err != nil {
		return false, fmt.Errorf("reserve stock %s: %w", productID, err)
	}
	return ok, nil
}

// Release hands reserved units back to available.
func (l *Ledger) Release(ctx context.Context, productID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, orders.InvalidArgument("release amount must be positive, got %d", amount)
	}
	ok, err := l.repo.Release(ctx, productID, amount)
	if err != nil {
		return false, fmt.Errorf("release stock %s: %w", productID, err)
	}
	return ok, nil
}

// LowStock reports whether the record is at or below its restock threshold.
// A zero MinStockLevel disables the alert.
func LowStock(rec orders.InventoryRecord) bool {
	return rec.MinStockLevel > 0 && rec.Available() <= rec.MinStockLevel
}

// RestockQty is how many units bring the record back to MaxStockLevel.
func RestockQty(rec orders.InventoryRecord) int {
	if rec.MaxStockLevel <= rec.Available() {
		return 0
	}
	return rec.MaxStockLevel - rec.Available()
}
