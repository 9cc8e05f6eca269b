package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// InventoryRepo mutates stock only through single conditional statements.
// Every mutator returns whether a row was affected.
type InventoryRepo interface {
	Get(ctx context.Context, productID string) (InventoryRecord, error)
	// Decrease: quantity -= n WHERE quantity - reserved_quantity >= n.
	Decrease(ctx context.Context, productID string, n int) (bool, error)
	// Increase: quantity += n, last_restocked_at = now.
	Increase(ctx context.Context, productID string, n int) (bool, error)
	// Reserve: reserved_quantity += n WHERE quantity - reserved_quantity >= n.
	Reserve(ctx context.Context, productID string, n int) (bool, error)
	// Release: reserved_quantity -= n WHERE reserved_quantity >= n.
	Release(ctx context.Context, productID string, n int) (bool, error)
}

type ProductRepo interface {
	// GetMany returns the products that exist; missing ids are absent from the map.
	GetMany(ctx context.Context, ids []string) (map[string]Product, error)
}

type OrderRepo interface {
	// Insert writes the order and all of its items.
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (Order, error)
	// GetForUpdate locks the order row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id string) (Order, error)
	FindByExternalID(ctx context.Context, externalID string) (Order, error)
	// UpdateStatus: status = to WHERE id = $1 AND status = from. Items follow.
	UpdateStatus(ctx context.Context, id string, from, to Status, note string, at time.Time) (bool, error)
	// ListUnpaidBefore returns ids of UNPAID orders created before the cutoff, oldest first.
	ListUnpaidBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// Purge hard-deletes the order with its items and payments.
	Purge(ctx context.Context, id string) error
}

type PaymentRepo interface {
	Insert(ctx context.Context, p *Payment) error
	GetForUpdate(ctx context.Context, id string) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	// Activate: status = PROCESSING, method = $2 WHERE id = $1 AND status = PENDING.
	Activate(ctx context.Context, id, method string, at time.Time) (bool, error)
	// UpdateStatus: status = to WHERE id = $1 AND status = from. Sets paid_at on SUCCESS.
	UpdateStatus(ctx context.Context, id string, from, to PaymentStatus, txnID string, at time.Time) (bool, error)
	// MarkRefunded: status = REFUNDED WHERE id = $1 AND status = SUCCESS.
	MarkRefunded(ctx context.Context, id string, amount decimal.Decimal, reason string, at time.Time) (bool, error)
}

type CouponRepo interface {
	Get(ctx context.Context, id string) (Coupon, error)
	// Redeem increments used_count while the coupon is active and under its
	// limit, flipping it to CONSUMED when the limit is reached.
	Redeem(ctx context.Context, id string, at time.Time) (bool, error)
}

// CartRepo is the cart collaborator. It is never called inside a transaction.
type CartRepo interface {
	MarkPurchased(ctx context.Context, userID, productID string) error
}

// Repos is the set of repositories bound to one connection or transaction.
type Repos interface {
	Inventory() InventoryRepo
	Products() ProductRepo
	Orders() OrderRepo
	Payments() PaymentRepo
	Coupons() CouponRepo
}

// Store is the storage engine. WithinTx commits when fn returns nil and rolls
// back every write made through tx otherwise.
type Store interface {
	Repos
	Carts() CartRepo
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
}
