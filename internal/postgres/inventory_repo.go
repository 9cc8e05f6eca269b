package postgres

import (
	"context"

	"github.com/ariefcatur/go-order-core/internal/orders"
)

type inventoryRepo struct{ db DBTX }

func (r inventoryRepo) Get(ctx context.Context, productID string) (orders.InventoryRecord, error) {
	var rec orders.InventoryRecord
	err := r.db.QueryRow(ctx, `
		SELECT product_id, quantity, reserved_quantity, min_stock_level, max_stock_level,
		       last_restocked_at, updated_at
		FROM inventory WHERE product_id = $1`, productID).
		Scan(&rec.ProductID, &rec.Quantity, &rec.ReservedQuantity, &rec.MinStockLevel, &rec.MaxStockLevel,
			&rec.LastRestockedAt, &rec.UpdatedAt)
	return rec, notFound(err)
}

func (r inventoryRepo) exec(ctx context.Context, sql, productID string, n int) (bool, error) {
	ct, err := r.db.Exec(ctx, sql, productID, n)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r inventoryRepo) Decrease(ctx context.Context, productID string, n int) (bool, error) {
	return r.exec(ctx, `
		UPDATE inventory SET quantity = quantity - $2, updated_at = now()
		WHERE product_id = $1 AND quantity - reserved_quantity >= $2`, productID, n)
}

func (r inventoryRepo) Increase(ctx context.Context, productID string, n int) (bool, error) {
	return r.exec(ctx, `
		UPDATE inventory SET quantity = quantity + $2, last_restocked_at = now(), updated_at = now()
		WHERE product_id = $1`, productID, n)
}

func (r inventoryRepo) Reserve(ctx context.Context, productID string, n int) (bool, error) {
	return r.exec(ctx, `
		UPDATE inventory SET reserved_quantity = reserved_quantity + $2, updated_at = now()
		WHERE product_id = $1 AND quantity - reserved_quantity >= $2`, productID, n)
}

func (r inventoryRepo) Release(ctx context.Context, productID string, n int) (bool, error) {
	return r.exec(ctx, `
		UPDATE inventory SET reserved_quantity = reserved_quantity - $2, updated_at = now()
		WHERE product_id = $1 AND reserved_quantity >= $2`, productID, n)
}

type productRepo struct{ db DBTX }

func (r productRepo) GetMany(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, image_url, spec, category_id, price, active
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]orders.Product, len(ids))
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.ImageURL, &p.Spec, &p.CategoryID, &p.Price, &p.Active); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}
