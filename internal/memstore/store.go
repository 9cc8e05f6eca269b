// Package memstore is an in-process orders.Store. Transactions are serialised
// by one mutex and undone from an undo log on rollback, which gives the same
// all-or-nothing and conditional-update guarantees as the Postgres store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/shopspring/decimal"
)

type cartKey struct{ user, product string }

type Store struct {
	mu sync.Mutex

	products  map[string]orders.Product
	inventory map[string]*orders.InventoryRecord
	orders    map[string]*orders.Order
	payments  map[string]*orders.Payment
	coupons   map[string]*orders.Coupon
	carts     map[cartKey]bool

	faults  map[string]error
	starved map[string]bool
	now     func() time.Time
}

func New() *Store {
	return &Store{
		products:  map[string]orders.Product{},
		inventory: map[string]*orders.InventoryRecord{},
		orders:    map[string]*orders.Order{},
		payments:  map[string]*orders.Payment{},
		coupons:   map[string]*orders.Coupon{},
		carts:     map[cartKey]bool{},
		faults:    map[string]error{},
		starved:   map[string]bool{},
		now:       time.Now,
	}
}

// ---- seeding & inspection ----

// PutProduct provisions a product together with its inventory row.
func (s *Store) PutProduct(p orders.Product, inv orders.InventoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	inv.ProductID = p.ID
	s.inventory[p.ID] = &inv
}

// DropInventory removes a product's inventory row, leaving the product.
func (s *Store) DropInventory(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inventory, productID)
}

func (s *Store) PutCoupon(c orders.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ScopeRefs = append([]string(nil), c.ScopeRefs...)
	s.coupons[c.ID] = &c
}

// AddToCart puts a not yet purchased cart entry.
func (s *Store) AddToCart(userID, productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cartKey{userID, productID}] = false
}

func (s *Store) Purchased(userID, productID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts[cartKey{userID, productID}]
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) PaymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

// SetCreatedAt backdates an order.
func (s *Store) SetCreatedAt(orderID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok {
		o.CreatedAt = at
	}
}

// InjectFault makes the named operation fail with err until cleared with a nil
// err. Operation names are "<repo>.<method>", e.g. "payments.insert",
// "inventory.decrease:<productID>" or "carts.markPurchased".
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Starve makes Decrease on productID report exhausted stock, as if a
// concurrent order had taken the last units between check and decrement.
func (s *Store) Starve(productID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starved[productID] = on
}

// ---- orders.Store ----

func (s *Store) Inventory() orders.InventoryRepo { return inventoryRepo{&view{s: s}} }
func (s *Store) Products() orders.ProductRepo   { return productRepo{&view{s: s}} }
func (s *Store) Orders() orders.OrderRepo       { return orderRepo{&view{s: s}} }
func (s *Store) Payments() orders.PaymentRepo   { return paymentRepo{&view{s: s}} }
func (s *Store) Coupons() orders.CouponRepo     { return couponRepo{&view{s: s}} }
func (s *Store) Carts() orders.CartRepo         { return cartRepo{&view{s: s}} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx orders.Repos) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &view{s: s, tx: true}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, tx)
}

// view implements every repository. Inside a transaction the store mutex is
// already held and each write pushes its inverse onto undo.
type view struct {
	s    *Store
	tx   bool
	undo []func()
}

func (v *view) Inventory() orders.InventoryRepo { return inventoryRepo{v} }
func (v *view) Products() orders.ProductRepo   { return productRepo{v} }
func (v *view) Orders() orders.OrderRepo       { return orderRepo{v} }
func (v *view) Payments() orders.PaymentRepo   { return paymentRepo{v} }
func (v *view) Coupons() orders.CouponRepo     { return couponRepo{v} }

type (
	inventoryRepo struct{ *view }
	productRepo   struct{ *view }
	orderRepo     struct{ *view }
	paymentRepo   struct{ *view }
	couponRepo    struct{ *view }
	cartRepo      struct{ *view }
)

func (v *view) do(fn func() error) error {
	if !v.tx {
		v.s.mu.Lock()
		defer v.s.mu.Unlock()
	}
	return fn()
}

func (v *view) record(u func()) {
	if v.tx {
		v.undo = append(v.undo, u)
	}
}

func (v *view) rollback() {
	for i := len(v.undo) - 1; i >= 0; i-- {
		v.undo[i]()
	}
	v.undo = nil
}

func (v *view) fault(op string) error {
	if err, ok := v.s.faults[op]; ok {
		return fmt.Errorf("memstore %s: %w", op, err)
	}
	return nil
}

// ---- inventory ----

func (r inventoryRepo) Get(ctx context.Context, productID string) (rec orders.InventoryRecord, err error) {
	err = r.do(func() error {
		found, ok := r.s.inventory[productID]
		if !ok {
			return orders.ErrNotFound
		}
		rec = *found
		return nil
	})
	return rec, err
}

func (r inventoryRepo) mutate(productID string, op string, fn func(rec *orders.InventoryRecord, now time.Time) bool) (ok bool, err error) {
	err = r.do(func() error {
		if err := r.fault("inventory." + op); err != nil {
			return err
		}
		if err := r.fault("inventory." + op + ":" + productID); err != nil {
			return err
		}
		rec, found := r.s.inventory[productID]
		if !found {
			return nil
		}
		before := *rec
		now := r.s.now()
		if !fn(rec, now) {
			return nil
		}
		rec.UpdatedAt = now
		ok = true
		r.record(func() { *rec = before })
		return nil
	})
	return ok, err
}

func (r inventoryRepo) Decrease(ctx context.Context, productID string, n int) (bool, error) {
	return r.mutate(productID, "decrease", func(rec *orders.InventoryRecord, _ time.Time) bool {
		if r.s.starved[productID] || rec.Available() < n {
			return false
		}
		rec.Quantity -= n
		return true
	})
}

func (r inventoryRepo) Increase(ctx context.Context, productID string, n int) (bool, error) {
	return r.mutate(productID, "increase", func(rec *orders.InventoryRecord, now time.Time) bool {
		rec.Quantity += n
		rec.LastRestockedAt = &now
		return true
	})
}

func (r inventoryRepo) Reserve(ctx context.Context, productID string, n int) (bool, error) {
	return r.mutate(productID, "reserve", func(rec *orders.InventoryRecord, _ time.Time) bool {
		if rec.Available() < n {
			return false
		}
		rec.ReservedQuantity += n
		return true
	})
}

func (r inventoryRepo) Release(ctx context.Context, productID string, n int) (bool, error) {
	return r.mutate(productID, "release", func(rec *orders.InventoryRecord, _ time.Time) bool {
		if rec.ReservedQuantity < n {
			return false
		}
		rec.ReservedQuantity -= n
		return true
	})
}

// ---- products ----

func (r productRepo) GetMany(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	out := make(map[string]orders.Product, len(ids))
	err := r.do(func() error {
		for _, id := range ids {
			if p, ok := r.s.products[id]; ok {
				out[id] = p
			}
		}
		return nil
	})
	return out, err
}

// ---- orders ----

func cloneOrder(o *orders.Order) orders.Order {
	c := *o
	c.Items = append([]orders.OrderItem(nil), o.Items...)
	return c
}

func (r orderRepo) Insert(ctx context.Context, o *orders.Order) error {
	return r.do(func() error {
		if err := r.fault("orders.insert"); err != nil {
			return err
		}
		if _, ok := r.s.orders[o.ID]; ok {
			return fmt.Errorf("memstore: duplicate order id %s", o.ID)
		}
		for _, other := range r.s.orders {
			if other.OrderNumber == o.OrderNumber {
				return fmt.Errorf("memstore: duplicate order number %s", o.OrderNumber)
			}
			if o.ExternalID != "" && other.ExternalID == o.ExternalID {
				return fmt.Errorf("memstore: external id %s: %w", o.ExternalID, orders.ErrDuplicate)
			}
		}
		c := cloneOrder(o)
		r.s.orders[o.ID] = &c
		id := o.ID
		r.record(func() { delete(r.s.orders, id) })
		return nil
	})
}

func (r orderRepo) getOrder(id string) (o orders.Order, err error) {
	err = r.do(func() error {
		found, ok := r.s.orders[id]
		if !ok {
			return orders.ErrNotFound
		}
		o = cloneOrder(found)
		return nil
	})
	return o, err
}

func (r orderRepo) Get(ctx context.Context, id string) (orders.Order, error) { return r.getOrder(id) }

func (r orderRepo) GetForUpdate(ctx context.Context, id string) (orders.Order, error) {
	return r.getOrder(id)
}

func (r orderRepo) FindByExternalID(ctx context.Context, externalID string) (o orders.Order, err error) {
	err = r.do(func() error {
		for _, found := range r.s.orders {
			if found.ExternalID == externalID {
				o = cloneOrder(found)
				return nil
			}
		}
		return orders.ErrNotFound
	})
	return o, err
}

func (r orderRepo) UpdateStatus(ctx context.Context, id string, from, to orders.Status, note string, at time.Time) (ok bool, err error) {
	err = r.do(func() error {
		if err := r.fault("orders.updateStatus"); err != nil {
			return err
		}
		o, found := r.s.orders[id]
		if !found || o.Status != from {
			return nil
		}
		before := cloneOrder(o)
		o.Status = to
		o.UpdatedAt = at
		if to == orders.StatusCancelled || to == orders.StatusUnknown {
			o.CancelReason = note
		}
		for i := range o.Items {
			o.Items[i].Status = to
		}
		ok = true
		r.record(func() { *o = before })
		return nil
	})
	return ok, err
}

func (r orderRepo) ListUnpaidBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var out []*orders.Order
	err := r.do(func() error {
		for _, o := range r.s.orders {
			if o.Status == orders.StatusUnpaid && o.CreatedAt.Before(cutoff) {
				out = append(out, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	ids := make([]string, 0, len(out))
	for _, o := range out {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (r orderRepo) Purge(ctx context.Context, id string) error {
	return r.do(func() error {
		o, ok := r.s.orders[id]
		if !ok {
			return orders.ErrNotFound
		}
		delete(r.s.orders, id)
		r.record(func() { r.s.orders[id] = o })
		for pid, p := range r.s.payments {
			if p.OrderID == id {
				pid, p := pid, p
				delete(r.s.payments, pid)
				r.record(func() { r.s.payments[pid] = p })
			}
		}
		return nil
	})
}

// ---- payments ----

func (r paymentRepo) Insert(ctx context.Context, p *orders.Payment) error {
	return r.do(func() error {
		if err := r.fault("payments.insert"); err != nil {
			return err
		}
		if _, ok := r.s.payments[p.ID]; ok {
			return fmt.Errorf("memstore: duplicate payment id %s", p.ID)
		}
		c := *p
		r.s.payments[p.ID] = &c
		id := p.ID
		r.record(func() { delete(r.s.payments, id) })
		return nil
	})
}

func (r paymentRepo) GetForUpdate(ctx context.Context, id string) (p orders.Payment, err error) {
	err = r.do(func() error {
		found, ok := r.s.payments[id]
		if !ok {
			return orders.ErrNotFound
		}
		p = *found
		return nil
	})
	return p, err
}

func (r paymentRepo) ListByOrder(ctx context.Context, orderID string) ([]orders.Payment, error) {
	var out []orders.Payment
	err := r.do(func() error {
		for _, p := range r.s.payments {
			if p.OrderID == orderID {
				out = append(out, *p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r paymentRepo) Activate(ctx context.Context, id, method string, at time.Time) (ok bool, err error) {
	err = r.do(func() error {
		p, found := r.s.payments[id]
		if !found || p.Status != orders.PaymentPending {
			return nil
		}
		before := *p
		p.Status = orders.PaymentProcessing
		p.Method = method
		p.UpdatedAt = at
		ok = true
		r.record(func() { *p = before })
		return nil
	})
	return ok, err
}

func (r paymentRepo) UpdateStatus(ctx context.Context, id string, from, to orders.PaymentStatus, txnID string, at time.Time) (ok bool, err error) {
	err = r.do(func() error {
		if err := r.fault("payments.updateStatus"); err != nil {
			return err
		}
		p, found := r.s.payments[id]
		if !found || p.Status != from {
			return nil
		}
		before := *p
		p.Status = to
		p.UpdatedAt = at
		if txnID != "" {
			p.TransactionID = txnID
		}
		if to == orders.PaymentSuccess {
			paid := at
			p.PaidAt = &paid
		}
		ok = true
		r.record(func() { *p = before })
		return nil
	})
	return ok, err
}

func (r paymentRepo) MarkRefunded(ctx context.Context, id string, amount decimal.Decimal, reason string, at time.Time) (ok bool, err error) {
	err = r.do(func() error {
		p, found := r.s.payments[id]
		if !found || p.Status != orders.PaymentSuccess {
			return nil
		}
		before := *p
		refunded := at
		p.Status = orders.PaymentRefunded
		p.RefundAmount = amount
		p.RefundReason = reason
		p.RefundedAt = &refunded
		p.UpdatedAt = at
		ok = true
		r.record(func() { *p = before })
		return nil
	})
	return ok, err
}

// ---- coupons ----

func (r couponRepo) Get(ctx context.Context, id string) (c orders.Coupon, err error) {
	err = r.do(func() error {
		found, ok := r.s.coupons[id]
		if !ok {
			return orders.ErrNotFound
		}
		c = *found
		c.ScopeRefs = append([]string(nil), found.ScopeRefs...)
		return nil
	})
	return c, err
}

func (r couponRepo) Redeem(ctx context.Context, id string, at time.Time) (ok bool, err error) {
	err = r.do(func() error {
		if err := r.fault("coupons.redeem"); err != nil {
			return err
		}
		c, found := r.s.coupons[id]
		if !found || c.Status != orders.CouponActive {
			return nil
		}
		if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
			return nil
		}
		before := *c
		c.UsedCount++
		if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
			c.Status = orders.CouponConsumed
		}
		ok = true
		r.record(func() { *c = before })
		return nil
	})
	return ok, err
}

// ---- carts ----

func (r cartRepo) MarkPurchased(ctx context.Context, userID, productID string) error {
	return r.do(func() error {
		if err := r.fault("carts.markPurchased"); err != nil {
			return err
		}
		k := cartKey{userID, productID}
		if _, ok := r.s.carts[k]; ok {
			r.s.carts[k] = true
		}
		return nil
	})
}
