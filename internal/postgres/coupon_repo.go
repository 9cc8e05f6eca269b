package postgres

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-core/internal/orders"
)

type couponRepo struct{ db DBTX }

func (r couponRepo) Get(ctx context.Context, id string) (orders.Coupon, error) {
	var c orders.Coupon
	err := r.db.QueryRow(ctx, `
		SELECT id, code, type, value, min_amount, usage_limit, used_count,
		       valid_from, valid_to, status, scope, scope_refs
		FROM coupons WHERE id = $1`, id).
		Scan(&c.ID, &c.Code, &c.Type, &c.Value, &c.MinAmount, &c.UsageLimit, &c.UsedCount,
			&c.ValidFrom, &c.ValidTo, &c.Status, &c.Scope, &c.ScopeRefs)
	return c, notFound(err)
}

// Redeem counts one use and flips the coupon to CONSUMED on its last one.
func (r couponRepo) Redeem(ctx context.Context, id string, at time.Time) (bool, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE coupons
		SET used_count = used_count + 1,
		    status = CASE WHEN usage_limit > 0 AND used_count + 1 >= usage_limit THEN $3 ELSE status END,
		    updated_at = $2
		WHERE id = $1 AND status = $4 AND (usage_limit = 0 OR used_count < usage_limit)`,
		id, at, orders.CouponConsumed, orders.CouponActive)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

type cartRepo struct{ db DBTX }

func (r cartRepo) MarkPurchased(ctx context.Context, userID, productID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE cart_items SET purchased = true, updated_at = now()
		WHERE user_id = $1 AND product_id = $2 AND NOT purchased`, userID, productID)
	return err
}
