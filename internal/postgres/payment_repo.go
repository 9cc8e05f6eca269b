package postgres

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type paymentRepo struct{ db DBTX }

const paymentColumns = `
	id, order_id, user_id, amount, method, status, transaction_id,
	paid_at, refunded_at, refund_amount, refund_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (orders.Payment, error) {
	var p orders.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Method, &p.Status, &p.TransactionID,
		&p.PaidAt, &p.RefundedAt, &p.RefundAmount, &p.RefundReason, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r paymentRepo) Insert(ctx context.Context, p *orders.Payment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payments(id, order_id, user_id, amount, method, status, transaction_id,
		                     refund_amount, refund_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', $8, $9)`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Method, p.Status, p.TransactionID, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r paymentRepo) GetForUpdate(ctx context.Context, id string) (orders.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	return p, notFound(err)
}

func (r paymentRepo) ListByOrder(ctx context.Context, orderID string) ([]orders.Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r paymentRepo) Activate(ctx context.Context, id, method string, at time.Time) (bool, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE payments SET status = $2, method = $3, updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, orders.PaymentProcessing, method, at, orders.PaymentPending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r paymentRepo) UpdateStatus(ctx context.Context, id string, from, to orders.PaymentStatus, txnID string, at time.Time) (bool, error) {
	var paidAt *time.Time
	if to == orders.PaymentSuccess {
		paidAt = &at
	}
	ct, err := r.db.Exec(ctx, `
		UPDATE payments
		SET status = $3,
		    transaction_id = COALESCE(NULLIF($4, ''), transaction_id),
		    paid_at = COALESCE($5, paid_at),
		    updated_at = $6
		WHERE id = $1 AND status = $2`, id, from, to, txnID, paidAt, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r paymentRepo) MarkRefunded(ctx context.Context, id string, amount decimal.Decimal, reason string, at time.Time) (bool, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE payments
		SET status = $2, refund_amount = $3, refund_reason = $4, refunded_at = $5, updated_at = $5
		WHERE id = $1 AND status = $6`,
		id, orders.PaymentRefunded, amount, reason, at, orders.PaymentSuccess)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}
