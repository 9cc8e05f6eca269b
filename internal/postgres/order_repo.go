package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/jackc/pgx/v5"
)

type orderRepo struct{ db DBTX }

const orderColumns = `
	id, order_number, COALESCE(external_id, ''), user_id, shipping_address,
	subtotal, discount, total, COALESCE(coupon_id, ''), status, remark, cancel_reason,
	operator_id, customer_id, logistics_id, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.ExternalID, &o.UserID, &o.ShippingAddress,
		&o.Subtotal, &o.Discount, &o.Total, &o.CouponID, &o.Status, &o.Remark, &o.CancelReason,
		&o.OperatorID, &o.CustomerID, &o.LogisticsID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (r orderRepo) Insert(ctx context.Context, o *orders.Order) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO orders(id, order_number, external_id, user_id, shipping_address,
		                   subtotal, discount, total, coupon_id, status, remark, cancel_reason,
		                   operator_id, customer_id, logistics_id, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.OrderNumber, o.ExternalID, o.UserID, o.ShippingAddress,
		o.Subtotal, o.Discount, o.Total, o.CouponID, o.Status, o.Remark, o.CancelReason,
		o.OperatorID, o.CustomerID, o.LogisticsID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", duplicate(err))
	}
	for _, it := range o.Items {
		snap, err := json.Marshal(it.Snapshot)
		if err != nil {
			return err
		}
		_, err = r.db.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, quantity, unit_price, line_total,
			                        discount, final_price, status, snapshot)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			it.ID, o.ID, it.ProductID, it.Quantity, it.UnitPrice, it.LineTotal,
			it.Discount, it.FinalPrice, it.Status, snap)
		if err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}
	return nil
}

func (r orderRepo) load(ctx context.Context, sql string, arg any) (orders.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, sql, arg))
	if err != nil {
		return o, notFound(err)
	}
	o.Items, err = r.items(ctx, o.ID)
	return o, err
}

func (r orderRepo) items(ctx context.Context, orderID string) ([]orders.OrderItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price, line_total, discount, final_price, status, snapshot
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.OrderItem
	for rows.Next() {
		var (
			it   orders.OrderItem
			snap []byte
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.LineTotal,
			&it.Discount, &it.FinalPrice, &it.Status, &snap); err != nil {
			return nil, err
		}
		if len(snap) > 0 {
			if err := json.Unmarshal(snap, &it.Snapshot); err != nil {
				return nil, fmt.Errorf("decode snapshot of item %s: %w", it.ID, err)
			}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r orderRepo) Get(ctx context.Context, id string) (orders.Order, error) {
	return r.load(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r orderRepo) GetForUpdate(ctx context.Context, id string) (orders.Order, error) {
	return r.load(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r orderRepo) FindByExternalID(ctx context.Context, externalID string) (orders.Order, error) {
	return r.load(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_id = $1`, externalID)
}

// UpdateStatus moves the order from -> to only if it is still in from. note is
// kept as the cancel reason for CANCELLED and UNKNOWN.
func (r orderRepo) UpdateStatus(ctx context.Context, id string, from, to orders.Status, note string, at time.Time) (bool, error) {
	if to != orders.StatusCancelled && to != orders.StatusUnknown {
		note = ""
	}
	ct, err := r.db.Exec(ctx, `
		UPDATE orders SET status = $3, cancel_reason = COALESCE(NULLIF($4, ''), cancel_reason), updated_at = $5
		WHERE id = $1 AND status = $2`, id, from, to, note, at)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() != 1 {
		return false, nil
	}
	if _, err := r.db.Exec(ctx, `UPDATE order_items SET status = $2 WHERE order_id = $1`, id, to); err != nil {
		return false, err
	}
	return true, nil
}

func (r orderRepo) ListUnpaidBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, orders.StatusUnpaid, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Purge removes the order with its items and payments.
func (r orderRepo) Purge(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM payments WHERE order_id = $1`, id); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, id); err != nil {
		return err
	}
	ct, err := r.db.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}
