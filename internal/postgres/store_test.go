package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		mock.Close()
	})
	return mock, NewStore(mock)
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

func TestInventoryDecrease_ConditionalUpdate(t *testing.T) {
	mock, st := newMock(t)
	mock.ExpectExec(q("UPDATE inventory SET quantity = quantity - $2")).
		WithArgs("p1", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q("WHERE product_id = $1 AND quantity - reserved_quantity >= $2")).
		WithArgs("p1", 50).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := st.Inventory().Decrease(context.Background(), "p1", 3)
	if err != nil || !ok {
		t.Fatalf("expected success, got %v %v", ok, err)
	}
	ok, err = st.Inventory().Decrease(context.Background(), "p1", 50)
	if err != nil || ok {
		t.Fatalf("expected refusal without error, got %v %v", ok, err)
	}
}

func TestInventoryGet_NotFound(t *testing.T) {
	mock, st := newMock(t)
	mock.ExpectQuery(q("FROM inventory WHERE product_id = $1")).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.Inventory().Get(context.Background(), "nope")
	if !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInventoryGet(t *testing.T) {
	mock, st := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(q("FROM inventory WHERE product_id = $1")).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"product_id", "quantity", "reserved_quantity", "min_stock_level", "max_stock_level", "last_restocked_at", "updated_at"}).
			AddRow("p1", 10, 4, 2, 30, &now, now))

	rec, err := st.Inventory().Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Available() != 6 || rec.MaxStockLevel != 30 || rec.LastRestockedAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestWithinTx_CommitsOnSuccess(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectExec(q("UPDATE orders SET status = $3")).
		WithArgs("o1", orders.StatusUnpaid, orders.StatusCancelled, "timeout", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q("UPDATE order_items SET status = $2 WHERE order_id = $1")).
		WithArgs("o1", orders.StatusCancelled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	err := st.WithinTx(context.Background(), func(ctx context.Context, tx orders.Repos) error {
		ok, err := tx.Orders().UpdateStatus(ctx, "o1", orders.StatusUnpaid, orders.StatusCancelled, "timeout", at)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("expected a row to change")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	mock, st := newMock(t)
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectExec(q("UPDATE inventory SET quantity = quantity - $2")).
		WithArgs("p1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q("UPDATE inventory SET quantity = quantity - $2")).
		WithArgs("p2", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	stockErr := orders.InsufficientStock("p2", 1, 0)
	err := st.WithinTx(context.Background(), func(ctx context.Context, tx orders.Repos) error {
		for _, it := range []orders.ItemQty{{ProductID: "p1", Qty: 2}, {ProductID: "p2", Qty: 1}} {
			ok, err := tx.Inventory().Decrease(ctx, it.ProductID, it.Qty)
			if err != nil {
				return err
			}
			if !ok {
				return stockErr
			}
		}
		return nil
	})
	if !errors.Is(err, stockErr) {
		t.Fatalf("expected stock error, got %v", err)
	}
}

func TestOrderUpdateStatus_LostRace(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec(q("UPDATE orders SET status = $3")).
		WithArgs("o1", orders.StatusUnpaid, orders.StatusPaid, "", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := st.Orders().UpdateStatus(context.Background(), "o1", orders.StatusUnpaid, orders.StatusPaid, "ignored", at)
	if err != nil || ok {
		t.Fatalf("expected no change, got %v %v", ok, err)
	}
}

func TestListUnpaidBefore(t *testing.T) {
	mock, st := newMock(t)
	cutoff := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q("SELECT id FROM orders")).
		WithArgs(orders.StatusUnpaid, cutoff, 100).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("o1").AddRow("o2"))

	ids, err := st.Orders().ListUnpaidBefore(context.Background(), cutoff, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "o1" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestOrderPurge(t *testing.T) {
	mock, st := newMock(t)
	mock.ExpectExec(q("DELETE FROM payments WHERE order_id = $1")).WithArgs("o1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(q("DELETE FROM order_items WHERE order_id = $1")).WithArgs("o1").WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(q("DELETE FROM orders WHERE id = $1")).WithArgs("o1").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := st.Orders().Purge(context.Background(), "o1"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPaymentUpdateStatus_SetsPaidAtOnSuccess(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec(q("UPDATE payments")).
		WithArgs("pay1", orders.PaymentProcessing, orders.PaymentSuccess, "TXN1", &at, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q("UPDATE payments")).
		WithArgs("pay2", orders.PaymentPending, orders.PaymentCancelled, "", (*time.Time)(nil), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if ok, err := st.Payments().UpdateStatus(context.Background(), "pay1", orders.PaymentProcessing, orders.PaymentSuccess, "TXN1", at); err != nil || !ok {
		t.Fatalf("success update: %v %v", ok, err)
	}
	if ok, err := st.Payments().UpdateStatus(context.Background(), "pay2", orders.PaymentPending, orders.PaymentCancelled, "", at); err != nil || !ok {
		t.Fatalf("cancel update: %v %v", ok, err)
	}
}

func TestPaymentMarkRefunded(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	amount := decimal.RequireFromString("12.50")
	mock.ExpectExec(q("SET status = $2, refund_amount = $3")).
		WithArgs("pay1", orders.PaymentRefunded, amount, "damaged", at, orders.PaymentSuccess).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := st.Payments().MarkRefunded(context.Background(), "pay1", amount, "damaged", at)
	if err != nil || !ok {
		t.Fatalf("refund: %v %v", ok, err)
	}
}

func TestCouponRedeem_ExhaustedCoupon(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec(q("UPDATE coupons")).
		WithArgs("c1", at, orders.CouponConsumed, orders.CouponActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := st.Coupons().Redeem(context.Background(), "c1", at)
	if err != nil || ok {
		t.Fatalf("expected refusal, got %v %v", ok, err)
	}
}

func TestProductsGetMany(t *testing.T) {
	mock, st := newMock(t)
	ids := []string{"p1", "p2"}
	mock.ExpectQuery(q("FROM products WHERE id = ANY($1)")).
		WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "image_url", "spec", "category_id", "price", "active"}).
			AddRow("p1", "Kopi", "", "", "drinks", decimal.RequireFromString("10.00"), true))

	got, err := st.Products().GetMany(context.Background(), ids)
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 1 || !got["p1"].Price.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("unexpected products %+v", got)
	}
}

func TestCartMarkPurchased(t *testing.T) {
	mock, st := newMock(t)
	mock.ExpectExec(q("UPDATE cart_items SET purchased = true")).
		WithArgs("u1", "p1").
		WillReturnError(errors.New("relation does not exist"))

	if err := st.Carts().MarkPurchased(context.Background(), "u1", "p1"); err == nil {
		t.Fatalf("expected error")
	}
}

var orderCols = []string{"id", "order_number", "external_id", "user_id", "shipping_address",
	"subtotal", "discount", "total", "coupon_id", "status", "remark", "cancel_reason",
	"operator_id", "customer_id", "logistics_id", "created_at", "updated_at"}

var itemCols = []string{"id", "order_id", "product_id", "quantity", "unit_price", "line_total",
	"discount", "final_price", "status", "snapshot"}

var paymentCols = []string{"id", "order_id", "user_id", "amount", "method", "status", "transaction_id",
	"paid_at", "refunded_at", "refund_amount", "refund_reason", "created_at", "updated_at"}

func TestOrderInsert_WritesItemsWithSnapshot(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	price := decimal.RequireFromString("12.50")
	line := decimal.RequireFromString("25.00")
	zero := decimal.Zero
	o := &orders.Order{
		ID: "o1", OrderNumber: "ORD20260102030405123456", UserID: "u1", ShippingAddress: "Jl. Sudirman 1",
		Subtotal: line, Discount: zero, Total: line, Status: orders.StatusUnpaid,
		CreatedAt: at, UpdatedAt: at,
		Items: []orders.OrderItem{{
			ID: "i1", ProductID: "p1", Quantity: 2, UnitPrice: price, LineTotal: line,
			Discount: zero, FinalPrice: line, Status: orders.StatusUnpaid,
			Snapshot: orders.Snapshot{Name: "Kopi Susu", Spec: "250ml"},
		}},
	}

	mock.ExpectExec(q("VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, '')")).
		WithArgs("o1", o.OrderNumber, "", "u1", "Jl. Sudirman 1", line, zero, line, "", orders.StatusUnpaid,
			"", "", "", "", "", at, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q("INSERT INTO order_items")).
		WithArgs("i1", "o1", "p1", 2, price, line, zero, line, orders.StatusUnpaid,
			[]byte(`{"name":"Kopi Susu","spec":"250ml"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := st.Orders().Insert(context.Background(), o); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestOrderInsert_DuplicateExternalID(t *testing.T) {
	mock, st := newMock(t)
	mock.ExpectExec(q("INSERT INTO orders")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "cart-42", pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "orders_external_id_key"})

	err := st.Orders().Insert(context.Background(), &orders.Order{ID: "o2", ExternalID: "cart-42"})
	if !errors.Is(err, orders.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestOrderGetForUpdate_LoadsItems(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	total := decimal.RequireFromString("25.00")
	mock.ExpectQuery(q("FROM orders WHERE id = $1 FOR UPDATE")).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows(orderCols).
			AddRow("o1", "ORD20260102030405123456", "cart-42", "u1", "Jl. Sudirman 1",
				total, decimal.Zero, total, "", orders.StatusUnpaid, "", "",
				"", "", "", at, at))
	mock.ExpectQuery(q("FROM order_items WHERE order_id = $1 ORDER BY id")).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow("i1", "o1", "p1", 2, decimal.RequireFromString("12.50"), total,
				decimal.Zero, total, orders.StatusUnpaid, []byte(`{"name":"Kopi Susu","spec":"250ml"}`)))

	o, err := st.Orders().GetForUpdate(context.Background(), "o1")
	if err != nil {
		t.Fatalf("get for update: %v", err)
	}
	if o.ExternalID != "cart-42" || o.Status != orders.StatusUnpaid || !o.Total.Equal(total) {
		t.Fatalf("unexpected order %+v", o)
	}
	if len(o.Items) != 1 || o.Items[0].Quantity != 2 || o.Items[0].Snapshot.Name != "Kopi Susu" || o.Items[0].Snapshot.Spec != "250ml" {
		t.Fatalf("unexpected items %+v", o.Items)
	}
}

func TestOrderFindByExternalID_NotFound(t *testing.T) {
	mock, st := newMock(t)
	mock.ExpectQuery(q("FROM orders WHERE external_id = $1")).
		WithArgs("cart-99").
		WillReturnError(pgx.ErrNoRows)

	if _, err := st.Orders().FindByExternalID(context.Background(), "cart-99"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPaymentInsertAndActivate(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	amount := decimal.RequireFromString("25.00")
	mock.ExpectExec(q("INSERT INTO payments")).
		WithArgs("pay1", "o1", "u1", amount, "", orders.PaymentPending, "", at, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q("UPDATE payments SET status = $2, method = $3")).
		WithArgs("pay1", orders.PaymentProcessing, "card", at, orders.PaymentPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q("UPDATE payments SET status = $2, method = $3")).
		WithArgs("pay1", orders.PaymentProcessing, "card", at, orders.PaymentPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	p := &orders.Payment{ID: "pay1", OrderID: "o1", UserID: "u1", Amount: amount, Status: orders.PaymentPending, CreatedAt: at, UpdatedAt: at}
	if err := st.Payments().Insert(context.Background(), p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ok, err := st.Payments().Activate(context.Background(), "pay1", "card", at); err != nil || !ok {
		t.Fatalf("activate: %v %v", ok, err)
	}
	if ok, err := st.Payments().Activate(context.Background(), "pay1", "card", at); err != nil || ok {
		t.Fatalf("expected second activate refused, got %v %v", ok, err)
	}
}

func TestPaymentListByOrder(t *testing.T) {
	mock, st := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	amount := decimal.RequireFromString("25.00")
	mock.ExpectQuery(q("FROM payments WHERE order_id = $1 ORDER BY created_at")).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows(paymentCols).
			AddRow("pay1", "o1", "u1", amount, "card", orders.PaymentCancelled, "",
				(*time.Time)(nil), (*time.Time)(nil), decimal.Zero, "", at, at).
			AddRow("pay2", "o1", "u1", amount, "card", orders.PaymentSuccess, "TXN2",
				&at, (*time.Time)(nil), decimal.Zero, "", at, at))

	ps, err := st.Payments().ListByOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ps) != 2 || ps[0].PaidAt != nil || ps[1].Status != orders.PaymentSuccess || ps[1].PaidAt == nil {
		t.Fatalf("unexpected payments %+v", ps)
	}
}

func TestCouponGet_ScopeRefs(t *testing.T) {
	mock, st := newMock(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q("FROM coupons WHERE id = $1")).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "code", "type", "value", "min_amount", "usage_limit", "used_count",
			"valid_from", "valid_to", "status", "scope", "scope_refs"}).
			AddRow("c1", "TOOLS50", orders.CouponPercentage, decimal.RequireFromString("50"), decimal.Zero, 10, 3,
				&from, (*time.Time)(nil), orders.CouponActive, orders.ScopeCategory, []string{"tools", "garden"}))

	c, err := st.Coupons().Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Scope != orders.ScopeCategory || len(c.ScopeRefs) != 2 || c.ValidTo != nil || c.UsedCount != 3 {
		t.Fatalf("unexpected coupon %+v", c)
	}
	if !c.Applies(orders.Product{ID: "p9", CategoryID: "garden"}) {
		t.Fatalf("expected coupon to cover the garden category")
	}
}
