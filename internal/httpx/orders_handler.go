package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-core/internal/checkout"
	"github.com/ariefcatur/go-order-core/internal/inventory"
	"github.com/ariefcatur/go-order-core/internal/money"
	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// StatusReader is the fast path for status lookups.
type StatusReader interface {
	Get(ctx context.Context, orderID string) (orders.Status, bool, error)
}

type OrdersHandler struct {
	Service *checkout.Service
	Ledger  *inventory.Ledger
	Cache   StatusReader // optional
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/payments", h.pay)
	r.Post("/orders/{id}/deliver", h.deliver)
	r.Post("/orders/{id}/flag", h.flag)
	r.Post("/orders/{id}/resolve", h.resolve)
	r.Post("/payments/{id}/refund", h.refund)
	r.Get("/inventory/{productID}", h.getInventory)
	r.Post("/inventory/{productID}/restock", h.restock)
	r.Delete("/admin/orders/{id}", h.purge)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body; an empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return orders.InvalidArgument("invalid json: %v", err)
	}
	return nil
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json", Kind: orders.KindInvalidArgument})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.CreateOrder(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		s, ok, err := h.Cache.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("orderId", id).Msg("status cache read failed")
		}
		if ok {
			writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: s, Cached: true})
			return
		}
	}
	o, err := h.Service.GetOrder(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: o.Status})
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Service.CancelOrder(ctx, id, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: orders.StatusCancelled})
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	var req checkout.PaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.OrderID = chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Service.ProcessPayment(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResp(p))
}

func (h *OrdersHandler) deliver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.MarkDelivered(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: orders.StatusDelivered})
}

type noteReq struct {
	Note string `json:"note"`
}

func (h *OrdersHandler) flag(w http.ResponseWriter, r *http.Request) {
	var req noteReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Service.FlagAnomaly(r.Context(), id, req.Note); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: orders.StatusUnknown})
}

func (h *OrdersHandler) resolve(w http.ResponseWriter, r *http.Request) {
	var req noteReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Service.ResolveAnomaly(r.Context(), id, req.Note); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: orders.StatusCancelled})
}

type refundReq struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (h *OrdersHandler) refund(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Service.ProcessRefund(ctx, chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResp(p))
}

func (h *OrdersHandler) getInventory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInventoryResp(rec))
}

type restockReq struct {
	Quantity int `json:"quantity"`
}

func (h *OrdersHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	productID := chi.URLParam(r, "productID")
	ok, err := h.Ledger.Increase(r.Context(), productID, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, orders.NotFound("no inventory for product %s", productID))
		return
	}
	rec, err := h.Ledger.Get(r.Context(), productID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInventoryResp(rec))
}

func (h *OrdersHandler) purge(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- responses ----

type statusResp struct {
	OrderID string        `json:"order_id"`
	Status  orders.Status `json:"status"`
	Cached  bool          `json:"cached,omitempty"`
}

type itemResp struct {
	ProductID  string          `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  string          `json:"unit_price"`
	LineTotal  string          `json:"line_total"`
	Discount   string          `json:"discount"`
	FinalPrice string          `json:"final_price"`
	Status     orders.Status   `json:"status"`
	Snapshot   orders.Snapshot `json:"snapshot"`
}

type orderResp struct {
	ID              string        `json:"id"`
	OrderNumber     string        `json:"order_number"`
	ExternalID      string        `json:"external_id,omitempty"`
	UserID          string        `json:"user_id"`
	ShippingAddress string        `json:"shipping_address"`
	Subtotal        string        `json:"subtotal"`
	Discount        string        `json:"discount"`
	Total           string        `json:"total"`
	TotalCents      int64         `json:"total_cents"`
	CouponID        string        `json:"coupon_id,omitempty"`
	Status          orders.Status `json:"status"`
	Remark          string        `json:"remark,omitempty"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Items           []itemResp    `json:"items"`
}

func toOrderResp(o *orders.Order) orderResp {
	resp := orderResp{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		ExternalID:      o.ExternalID,
		UserID:          o.UserID,
		ShippingAddress: o.ShippingAddress,
		Subtotal:        o.Subtotal.StringFixed(money.Places),
		Discount:        o.Discount.StringFixed(money.Places),
		Total:           o.Total.StringFixed(money.Places),
		TotalCents:      money.ToCents(o.Total),
		CouponID:        o.CouponID,
		Status:          o.Status,
		Remark:          o.Remark,
		CancelReason:    o.CancelReason,
		CreatedAt:       o.CreatedAt,
		Items:           make([]itemResp, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, itemResp{
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice.StringFixed(money.Places),
			LineTotal:  it.LineTotal.StringFixed(money.Places),
			Discount:   it.Discount.StringFixed(money.Places),
			FinalPrice: it.FinalPrice.StringFixed(money.Places),
			Status:     it.Status,
			Snapshot:   it.Snapshot,
		})
	}
	return resp
}

type paymentResp struct {
	ID            string               `json:"id"`
	OrderID       string               `json:"order_id"`
	Amount        string               `json:"amount"`
	AmountCents   int64                `json:"amount_cents"`
	Method        string               `json:"method"`
	Status        orders.PaymentStatus `json:"status"`
	TransactionID string               `json:"transaction_id,omitempty"`
	PaidAt        *time.Time           `json:"paid_at,omitempty"`
	RefundAmount  string               `json:"refund_amount,omitempty"`
	RefundedAt    *time.Time           `json:"refunded_at,omitempty"`
}

func toPaymentResp(p *orders.Payment) paymentResp {
	resp := paymentResp{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Amount:        p.Amount.StringFixed(money.Places),
		AmountCents:   money.ToCents(p.Amount),
		Method:        p.Method,
		Status:        p.Status,
		TransactionID: p.TransactionID,
		PaidAt:        p.PaidAt,
		RefundedAt:    p.RefundedAt,
	}
	if p.Status == orders.PaymentRefunded {
		resp.RefundAmount = p.RefundAmount.StringFixed(money.Places)
	}
	return resp
}

type inventoryResp struct {
	ProductID        string `json:"product_id"`
	Quantity         int    `json:"quantity"`
	ReservedQuantity int    `json:"reserved_quantity"`
	Available        int    `json:"available"`
	MinStockLevel    int    `json:"min_stock_level"`
	MaxStockLevel    int    `json:"max_stock_level"`
	LowStock         bool   `json:"low_stock"`
}

func toInventoryResp(rec orders.InventoryRecord) inventoryResp {
	return inventoryResp{
		ProductID:        rec.ProductID,
		Quantity:         rec.Quantity,
		ReservedQuantity: rec.ReservedQuantity,
		Available:        rec.Available(),
		MinStockLevel:    rec.MinStockLevel,
		MaxStockLevel:    rec.MaxStockLevel,
		LowStock:         inventory.LowStock(rec),
	}
}
