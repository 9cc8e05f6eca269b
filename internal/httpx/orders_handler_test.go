package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ariefcatur/go-order-core/internal/checkout"
	"github.com/ariefcatur/go-order-core/internal/inventory"
	"github.com/ariefcatur/go-order-core/internal/memstore"
	"github.com/ariefcatur/go-order-core/internal/money"
	"github.com/ariefcatur/go-order-core/internal/orders"
)

type stubCache map[string]orders.Status

func (c stubCache) Get(ctx context.Context, id string) (orders.Status, bool, error) {
	s, ok := c[id]
	return s, ok, nil
}

func newServer(t *testing.T, opts ...checkout.Option) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p1", Name: "Kopi", Price: money.MustParse("12.50"), Active: true},
		orders.InventoryRecord{Quantity: 10, MinStockLevel: 2, MaxStockLevel: 20})
	h := &OrdersHandler{
		Service: checkout.NewService(st, opts...),
		Ledger:  inventory.NewLedger(st.Inventory()),
		Cache:   stubCache{"cached-order": orders.StatusPaid},
	}
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestOrderFlow(t *testing.T) {
	srv, _ := newServer(t)

	var created orderResp
	code := do(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"user_id": "u1",
		"items":   []map[string]any{{"product_id": "p1", "quantity": 2}},
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if created.Total != "25.00" || created.TotalCents != 2500 || created.Status != orders.StatusUnpaid {
		t.Fatalf("unexpected order %+v", created)
	}

	var inv inventoryResp
	if code := do(t, http.MethodGet, srv.URL+"/inventory/p1", nil, &inv); code != http.StatusOK || inv.Available != 8 {
		t.Fatalf("expected 8 available, got %d %+v", code, inv)
	}

	var paid paymentResp
	code = do(t, http.MethodPost, srv.URL+"/orders/"+created.ID+"/payments",
		map[string]any{"user_id": "u1", "amount": "25.00", "method": "card"}, &paid)
	if code != http.StatusOK || paid.Status != orders.PaymentSuccess {
		t.Fatalf("expected paid, got %d %+v", code, paid)
	}

	var errBody errorResp
	code = do(t, http.MethodPost, srv.URL+"/orders/"+created.ID+"/payments",
		map[string]any{"user_id": "u1", "amount": "25.00", "method": "card"}, &errBody)
	if code != http.StatusConflict || errBody.Kind != orders.KindDuplicatePayment {
		t.Fatalf("expected 409 duplicate, got %d %+v", code, errBody)
	}

	var refunded paymentResp
	code = do(t, http.MethodPost, srv.URL+"/payments/"+paid.ID+"/refund", map[string]any{"amount": 25, "reason": "damaged"}, &refunded)
	if code != http.StatusOK || refunded.Status != orders.PaymentRefunded || refunded.RefundAmount != "25.00" {
		t.Fatalf("expected refund, got %d %+v", code, refunded)
	}

	var got orderResp
	if code := do(t, http.MethodGet, srv.URL+"/orders/"+created.ID, nil, &got); code != http.StatusOK || got.Status != orders.StatusCancelled {
		t.Fatalf("expected cancelled order, got %d %+v", code, got)
	}
}

func TestCreateOrder_InsufficientStockIs409WithDetail(t *testing.T) {
	srv, _ := newServer(t)
	var body errorResp
	code := do(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"user_id": "u1",
		"items":   []map[string]any{{"product_id": "p1", "quantity": 11}},
	}, &body)
	if code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	if body.Kind != orders.KindInsufficientStock || body.ProductID != "p1" || body.Required != 11 || body.Available == nil || *body.Available != 10 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"no items", http.MethodPost, "/orders", map[string]any{"user_id": "u1"}, http.StatusBadRequest},
		{"unknown product", http.MethodPost, "/orders", map[string]any{"user_id": "u1", "items": []map[string]any{{"product_id": "zz", "quantity": 1}}}, http.StatusNotFound},
		{"unknown coupon", http.MethodPost, "/orders", map[string]any{"user_id": "u1", "coupon_id": "nope", "items": []map[string]any{{"product_id": "p1", "quantity": 1}}}, http.StatusUnprocessableEntity},
		{"unknown order", http.MethodGet, "/orders/nope", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/orders/nope/cancel", nil, http.StatusNotFound},
		{"purge disabled", http.MethodDelete, "/admin/orders/nope", nil, http.StatusBadRequest},
		{"restock zero", http.MethodPost, "/inventory/p1/restock", map[string]any{"quantity": 0}, http.StatusBadRequest},
		{"restock missing", http.MethodPost, "/inventory/zz/restock", map[string]any{"quantity": 1}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body errorResp
			if code := do(t, tc.method, srv.URL+tc.path, tc.body, &body); code != tc.code {
				t.Fatalf("expected %d, got %d (%+v)", tc.code, code, body)
			}
		})
	}
}

func TestCancelAndRestock(t *testing.T) {
	srv, _ := newServer(t, checkout.WithPurge(true))

	var created orderResp
	do(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"user_id": "u1",
		"items":   []map[string]any{{"product_id": "p1", "quantity": 9}},
	}, &created)

	var inv inventoryResp
	do(t, http.MethodGet, srv.URL+"/inventory/p1", nil, &inv)
	if !inv.LowStock {
		t.Fatalf("expected low stock with 1 left, got %+v", inv)
	}

	var st statusResp
	if code := do(t, http.MethodPost, srv.URL+"/orders/"+created.ID+"/cancel", map[string]any{"reason": "changed mind"}, &st); code != http.StatusOK {
		t.Fatalf("cancel: %d", code)
	}
	var body errorResp
	if code := do(t, http.MethodPost, srv.URL+"/orders/"+created.ID+"/cancel", nil, &body); code != http.StatusConflict || body.Status != string(orders.StatusCancelled) {
		t.Fatalf("expected 409 on second cancel, got %d %+v", code, body)
	}

	if code := do(t, http.MethodPost, srv.URL+"/inventory/p1/restock", map[string]any{"quantity": 5}, &inv); code != http.StatusOK || inv.Quantity != 15 {
		t.Fatalf("expected 15 after restock, got %d %+v", code, inv)
	}

	if code := do(t, http.MethodDelete, srv.URL+"/admin/orders/"+created.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
}

func TestGetStatus_UsesCacheThenStore(t *testing.T) {
	srv, _ := newServer(t)

	var st statusResp
	if code := do(t, http.MethodGet, srv.URL+"/orders/cached-order/status", nil, &st); code != http.StatusOK || !st.Cached || st.Status != orders.StatusPaid {
		t.Fatalf("expected cached PAID, got %d %+v", code, st)
	}

	var created orderResp
	do(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"user_id": "u1",
		"items":   []map[string]any{{"product_id": "p1", "quantity": 1}},
	}, &created)
	st = statusResp{}
	if code := do(t, http.MethodGet, srv.URL+"/orders/"+created.ID+"/status", nil, &st); code != http.StatusOK || st.Cached || st.Status != orders.StatusUnpaid {
		t.Fatalf("expected UNPAID from store, got %d %+v", code, st)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
