// Package checkout places orders and runs their payment, refund and
// cancellation flows. Each flow is one unit of work on orders.Store; stock is
// taken and given back only through inventory.Ledger.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-core/internal/inventory"
	"github.com/ariefcatur/go-order-core/internal/money"
	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const ReasonTimeout = "timeout auto-cancel"

// StatusCache receives every committed status change.
type StatusCache interface {
	Set(ctx context.Context, orderID string, s orders.Status) error
	Delete(ctx context.Context, orderID string) error
}

type Service struct {
	store      orders.Store
	publisher  orders.Publisher
	cache      StatusCache
	producer   string
	allowPurge bool
	now        func() time.Time
	newID      func() string
}

type Option func(*Service)

func WithPublisher(p orders.Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithStatusCache(c StatusCache) Option    { return func(s *Service) { s.cache = c } }
func WithProducerName(name string) Option     { return func(s *Service) { s.producer = name } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }

// WithPurge enables the administrative hard delete.
func WithPurge(enabled bool) Option { return func(s *Service) { s.allowPurge = enabled } }

func NewService(store orders.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: orders.NopPublisher{},
		producer:  "order-core",
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateOrder validates, prices and persists an order in one transaction:
// stock decrements, order and items, coupon redemption and the pending
// payment either all commit or none do.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*orders.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if existing, err := s.findExternal(ctx, req.ExternalID); err != nil || existing != nil {
		return existing, err
	}

	now := s.now()
	var created *orders.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx orders.Repos) error {
		ids := req.productIDs()
		products, err := tx.Products().GetMany(ctx, ids)
		if err != nil {
			return fmt.Errorf("load products: %w", err)
		}
		stock := make(map[string]orders.InventoryRecord, len(ids))
		for _, id := range ids {
			rec, err := tx.Inventory().Get(ctx, id)
			if errors.Is(err, orders.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load inventory %s: %w", id, err)
			}
			stock[id] = rec
		}
		var coupon *orders.Coupon
		if req.CouponID != "" {
			c, err := tx.Coupons().Get(ctx, req.CouponID)
			if errors.Is(err, orders.ErrNotFound) {
				return orders.CouponInvalid("coupon %s not found", req.CouponID)
			}
			if err != nil {
				return fmt.Errorf("load coupon: %w", err)
			}
			coupon = &c
		}

		o, err := buildOrder(req, products, stock, coupon, now, s.newID)
		if err != nil {
			return err
		}

		ledger := inventory.NewLedger(tx.Inventory())
		for _, it := range o.Items {
			ok, err := ledger.Decrease(ctx, it.ProductID, it.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				available := 0
				if rec, err := tx.Inventory().Get(ctx, it.ProductID); err == nil {
					available = rec.Available()
				}
				return orders.InsufficientStock(it.ProductID, it.Quantity, available)
			}
		}

		if err := tx.Orders().Insert(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if coupon != nil {
			ok, err := tx.Coupons().Redeem(ctx, coupon.ID, now)
			if err != nil {
				return fmt.Errorf("redeem coupon: %w", err)
			}
			if !ok {
				return orders.CouponInvalid("coupon %s is no longer available", coupon.ID)
			}
		}
		pending := &orders.Payment{
			ID:        s.newID(),
			OrderID:   o.ID,
			UserID:    o.UserID,
			Amount:    o.Total,
			Status:    orders.PaymentPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Payments().Insert(ctx, pending); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		created = o
		return nil
	})
	if err != nil && req.ExternalID != "" && errors.Is(err, orders.ErrDuplicate) {
		// a concurrent request with the same external id committed first
		existing, ferr := s.findExternal(ctx, req.ExternalID)
		if ferr == nil && existing != nil {
			log.Info().Str("orderId", existing.ID).Str("externalId", req.ExternalID).Msg("order already placed")
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("orderId", created.ID).Str("orderNumber", created.OrderNumber).
		Str("total", created.Total.StringFixed(2)).Msg("order created")
	s.clearCart(ctx, created)
	s.publish(ctx, orders.TopicOrderCreated, orders.EventOrderCreated, created.ID, createdPayload(created))
	s.cacheStatus(ctx, created.ID, created.Status)
	return created, nil
}

// findExternal returns nil, nil when no order carries externalID.
func (s *Service) findExternal(ctx context.Context, externalID string) (*orders.Order, error) {
	if externalID == "" {
		return nil, nil
	}
	o, err := s.store.Orders().FindByExternalID(ctx, externalID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup external id: %w", err)
	}
	return &o, nil
}

// CancelOrder gives the order's stock back and marks it CANCELLED. Only
// ORDERED and UNPAID orders can be cancelled.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by user"
	}
	return s.cancel(ctx, orderID, reason, "cancel", orders.Status.Cancellable)
}

// ResolveAnomaly cancels an order an operator flagged as UNKNOWN and returns
// its stock. An order holding a SUCCESS payment is rejected with
// PaymentStatusConflict; ProcessRefund cancels it instead.
func (s *Service) ResolveAnomaly(ctx context.Context, orderID, note string) error {
	return s.cancel(ctx, orderID, note, "resolve", func(st orders.Status) bool { return st == orders.StatusUnknown })
}

func (s *Service) cancel(ctx context.Context, orderID, reason, action string, allowed func(orders.Status) bool) error {
	now := s.now()
	var restored []orders.ItemQty
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx orders.Repos) error {
		o, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !allowed(o.Status) {
			return orders.StatusConflict(o.ID, o.Status, action)
		}
		ps, err := tx.Payments().ListByOrder(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		for _, p := range ps {
			if p.Status == orders.PaymentSuccess {
				return orders.PaymentStatusConflict(p.ID, p.Status)
			}
		}
		if restored, err = s.restoreStock(ctx, tx, o); err != nil {
			return err
		}
		if err := s.closeOpenPayments(ctx, tx, ps, now); err != nil {
			return err
		}
		return s.transition(ctx, tx, o, orders.StatusCancelled, reason, action, now)
	})
	if err != nil {
		return err
	}

	log.Info().Str("orderId", orderID).Str("reason", reason).Msg("order cancelled")
	s.publish(ctx, orders.TopicOrderCancelled, orders.EventOrderCancelled, orderID,
		orders.OrderCancelledPayload{OrderID: orderID, Reason: reason, Restored: restored})
	s.cacheStatus(ctx, orderID, orders.StatusCancelled)
	return nil
}

type PaymentRequest struct {
	OrderID       string          `json:"order_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

// ProcessPayment records a successful payment and marks the order PAID. It is
// safe to retry: once a SUCCESS payment exists every further call fails with
// DuplicatePayment and changes nothing.
func (s *Service) ProcessPayment(ctx context.Context, req PaymentRequest) (*orders.Payment, error) {
	if req.OrderID == "" || req.UserID == "" {
		return nil, orders.InvalidArgument("order_id and user_id are required")
	}
	if req.Method == "" {
		return nil, orders.InvalidArgument("payment method is required")
	}
	now := s.now()
	txnID := req.TransactionID
	if txnID == "" {
		txnID = "TXN" + strings.ToUpper(strings.ReplaceAll(s.newID(), "-", ""))
	}

	var paid orders.Payment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx orders.Repos) error {
		o, err := s.lockOrder(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.UserID != req.UserID {
			return orders.NotFound("order not found: %s", req.OrderID)
		}
		history, err := tx.Payments().ListByOrder(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		var active *orders.Payment
		for i := range history {
			switch history[i].Status {
			case orders.PaymentSuccess:
				return orders.DuplicatePayment(o.ID)
			case orders.PaymentPending:
				if active == nil {
					active = &history[i]
				}
			}
		}
		if o.Status != orders.StatusUnpaid {
			return orders.StatusConflict(o.ID, o.Status, "pay")
		}
		if !money.WithinTolerance(o.Total, req.Amount) {
			return orders.AmountMismatch(o.Total, req.Amount)
		}

		if active != nil {
			ok, err := tx.Payments().Activate(ctx, active.ID, req.Method, now)
			if err != nil {
				return fmt.Errorf("activate payment: %w", err)
			}
			if !ok {
				return orders.PaymentStatusConflict(active.ID, active.Status)
			}
			paid = *active
		} else {
			paid = orders.Payment{
				ID:        s.newID(),
				OrderID:   o.ID,
				UserID:    o.UserID,
				Amount:    money.Round(req.Amount),
				Method:    req.Method,
				Status:    orders.PaymentProcessing,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Payments().Insert(ctx, &paid); err != nil {
				return fmt.Errorf("insert payment: %w", err)
			}
		}

		ok, err := tx.Payments().UpdateStatus(ctx, paid.ID, orders.PaymentProcessing, orders.PaymentSuccess, txnID, now)
		if err != nil {
			return fmt.Errorf("complete payment: %w", err)
		}
		if !ok {
			return orders.PaymentStatusConflict(paid.ID, orders.PaymentProcessing)
		}
		paid.Method = req.Method
		paid.Status = orders.PaymentSuccess
		paid.TransactionID = txnID
		paid.PaidAt = &now
		paid.UpdatedAt = now
		return s.transition(ctx, tx, o, orders.StatusPaid, "", "pay", now)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("orderId", req.OrderID).Str("paymentId", paid.ID).Str("method", req.Method).Msg("order paid")
	s.publish(ctx, orders.TopicOrderPaid, orders.EventOrderPaid, req.OrderID, orders.OrderPaidPayload{
		OrderID:       req.OrderID,
		PaymentID:     paid.ID,
		TransactionID: paid.TransactionID,
		AmountCents:   money.ToCents(paid.Amount),
		Method:        paid.Method,
	})
	s.cacheStatus(ctx, req.OrderID, orders.StatusPaid)
	return &paid, nil
}

// ProcessRefund refunds a successful payment, restores the order's stock and
// cancels the order. Refunding an already refunded payment is a no-op.
func (s *Service) ProcessRefund(ctx context.Context, paymentID string, amount decimal.Decimal, reason string) (*orders.Payment, error) {
	if !amount.IsPositive() {
		return nil, orders.InvalidArgument("refund amount must be positive")
	}
	amount = money.Round(amount)
	now := s.now()

	var (
		p       orders.Payment
		changed bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx orders.Repos) error {
		var err error
		p, err = tx.Payments().GetForUpdate(ctx, paymentID)
		if errors.Is(err, orders.ErrNotFound) {
			return orders.NotFound("payment not found: %s", paymentID)
		}
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		if p.Status == orders.PaymentRefunded {
			return nil
		}
		if p.Status != orders.PaymentSuccess {
			return orders.PaymentStatusConflict(p.ID, p.Status)
		}
		if amount.GreaterThan(p.Amount) {
			return orders.RefundExceedsPayment(p.Amount, amount)
		}

		o, err := s.lockOrder(ctx, tx, p.OrderID)
		if err != nil {
			return err
		}
		if !orders.CanTransition(o.Status, orders.StatusCancelled) {
			return orders.StatusConflict(o.ID, o.Status, "refund")
		}

		ok, err := tx.Payments().MarkRefunded(ctx, p.ID, amount, reason, now)
		if err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
		if !ok {
			return orders.PaymentStatusConflict(p.ID, p.Status)
		}
		if _, err := s.restoreStock(ctx, tx, o); err != nil {
			return err
		}
		if err := s.transition(ctx, tx, o, orders.StatusCancelled, reason, "refund", now); err != nil {
			return err
		}
		p.Status = orders.PaymentRefunded
		p.RefundAmount = amount
		p.RefundReason = reason
		p.RefundedAt = &now
		p.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		log.Debug().Str("paymentId", paymentID).Msg("payment already refunded")
		return &p, nil
	}

	log.Info().Str("orderId", p.OrderID).Str("paymentId", p.ID).Str("amount", amount.StringFixed(2)).Msg("payment refunded")
	s.publish(ctx, orders.TopicOrderRefunded, orders.EventPaymentRefunded, p.OrderID, orders.PaymentRefundedPayload{
		OrderID:     p.OrderID,
		PaymentID:   p.ID,
		AmountCents: money.ToCents(amount),
		Reason:      reason,
	})
	s.cacheStatus(ctx, p.OrderID, orders.StatusCancelled)
	return &p, nil
}

// MarkDelivered moves a PAID order to DELIVERED.
func (s *Service) MarkDelivered(ctx context.Context, orderID string) error {
	return s.simpleTransition(ctx, orderID, orders.StatusDelivered, "", "deliver")
}

// FlagAnomaly parks a non-terminal order in UNKNOWN for an operator to resolve.
func (s *Service) FlagAnomaly(ctx context.Context, orderID, note string) error {
	return s.simpleTransition(ctx, orderID, orders.StatusUnknown, note, "flag")
}

func (s *Service) simpleTransition(ctx context.Context, orderID string, to orders.Status, note, action string) error {
	now := s.now()
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx orders.Repos) error {
		o, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		return s.transition(ctx, tx, o, to, note, action, now)
	})
	if err != nil {
		return err
	}
	log.Info().Str("orderId", orderID).Str("status", string(to)).Msg("order status changed")
	s.cacheStatus(ctx, orderID, to)
	return nil
}

// Purge hard-deletes an order with its items and payments. Stock is not
// restored. Disabled unless the service was built WithPurge(true).
func (s *Service) Purge(ctx context.Context, orderID string) error {
	if !s.allowPurge {
		return orders.InvalidArgument("order purge is disabled")
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx orders.Repos) error {
		err := tx.Orders().Purge(ctx, orderID)
		if errors.Is(err, orders.ErrNotFound) {
			return orders.NotFound("order not found: %s", orderID)
		}
		return err
	})
	if err != nil {
		return err
	}
	log.Warn().Str("orderId", orderID).Msg("order purged")
	if s.cache != nil {
		if err := s.cache.Delete(ctx, orderID); err != nil {
			log.Warn().Err(err).Str("orderId", orderID).Msg("status cache evict failed")
		}
	}
	return nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := s.store.Orders().Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, orders.NotFound("order not found: %s", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (s *Service) Payments(ctx context.Context, orderID string) ([]orders.Payment, error) {
	ps, err := s.store.Payments().ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return ps, nil
}

// ---- helpers running inside a transaction ----

func (s *Service) lockOrder(ctx context.Context, tx orders.Repos, orderID string) (orders.Order, error) {
	o, err := tx.Orders().GetForUpdate(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		return o, orders.NotFound("order not found: %s", orderID)
	}
	if err != nil {
		return o, fmt.Errorf("load order: %w", err)
	}
	return o, nil
}

// transition is the only way an order status is written.
func (s *Service) transition(ctx context.Context, tx orders.Repos, o orders.Order, to orders.Status, note, action string, at time.Time) error {
	if !orders.CanTransition(o.Status, to) {
		return orders.StatusConflict(o.ID, o.Status, action)
	}
	ok, err := tx.Orders().UpdateStatus(ctx, o.ID, o.Status, to, note, at)
	if err != nil {
		return fmt.Errorf("update order %s status: %w", o.ID, err)
	}
	if !ok {
		return orders.StatusConflict(o.ID, o.Status, action)
	}
	return nil
}

// restoreStock adds every item back. A missing inventory row is logged and
// skipped; the order is still cancelled.
func (s *Service) restoreStock(ctx context.Context, tx orders.Repos, o orders.Order) ([]orders.ItemQty, error) {
	ledger := inventory.NewLedger(tx.Inventory())
	items := orders.ItemQtys(o.Items)
	restored := items[:0]
	for _, it := range items {
		ok, err := ledger.Increase(ctx, it.ProductID, it.Qty)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warn().Str("orderId", o.ID).Str("productId", it.ProductID).Int("qty", it.Qty).
				Msg("inventory row missing, stock not restored")
			continue
		}
		restored = append(restored, it)
	}
	return restored, nil
}

func (s *Service) closeOpenPayments(ctx context.Context, tx orders.Repos, ps []orders.Payment, at time.Time) error {
	for _, p := range ps {
		if p.Status != orders.PaymentPending && p.Status != orders.PaymentProcessing {
			continue
		}
		if _, err := tx.Payments().UpdateStatus(ctx, p.ID, p.Status, orders.PaymentCancelled, "", at); err != nil {
			return fmt.Errorf("cancel payment %s: %w", p.ID, err)
		}
	}
	return nil
}

// ---- best-effort, after commit ----

func (s *Service) clearCart(ctx context.Context, o *orders.Order) {
	carts := s.store.Carts()
	for _, it := range o.Items {
		if err := carts.MarkPurchased(ctx, o.UserID, it.ProductID); err != nil {
			log.Warn().Err(err).Str("orderId", o.ID).Str("productId", it.ProductID).Msg("cart cleanup failed")
		}
	}
}

func (s *Service) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	env, err := orders.NewEnvelope(eventType, s.producer, orderID, payload)
	if err == nil {
		err = s.publisher.Publish(ctx, topic, env)
	}
	if err != nil {
		log.Warn().Err(err).Str("orderId", orderID).Str("event", eventType).Msg("event not published")
	}
}

func (s *Service) cacheStatus(ctx context.Context, orderID string, st orders.Status) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, orderID, st); err != nil {
		log.Warn().Err(err).Str("orderId", orderID).Msg("status cache write failed")
	}
}

func createdPayload(o *orders.Order) orders.OrderCreatedPayload {
	items := make([]orders.ItemPrice, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orders.ItemPrice{
			ProductID:  it.ProductID,
			Qty:        it.Quantity,
			PriceCents: money.ToCents(it.UnitPrice),
		})
	}
	return orders.OrderCreatedPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Items:       items,
		TotalCents:  money.ToCents(o.Total),
		CouponID:    o.CouponID,
	}
}
