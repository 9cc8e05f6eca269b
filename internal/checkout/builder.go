package checkout

import (
	"strings"
	"time"

	"github.com/ariefcatur/go-order-core/internal/money"
	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/shopspring/decimal"
)

type ItemRequest struct {
	ProductID         string           `json:"product_id"`
	Quantity          int              `json:"quantity"`
	UnitPriceOverride *decimal.Decimal `json:"unit_price_override,omitempty"`
}

type CreateOrderRequest struct {
	UserID          string        `json:"user_id"`
	ShippingAddress string        `json:"shipping_address"`
	Items           []ItemRequest `json:"items"`
	CouponID        string        `json:"coupon_id,omitempty"`
	Remark          string        `json:"remark,omitempty"`
	// ExternalID makes creation idempotent: a second request with the same
	// value returns the first order.
	ExternalID string `json:"external_id,omitempty"`
}

// validate checks the request shape before anything is read or written.
func (r CreateOrderRequest) validate() error {
	if r.UserID == "" {
		return orders.InvalidArgument("user_id is required")
	}
	if len(r.Items) == 0 {
		return orders.InvalidArgument("order must contain at least one item")
	}
	for i, it := range r.Items {
		if it.ProductID == "" {
			return orders.InvalidArgument("item %d: product_id is required", i)
		}
		if it.Quantity < 1 {
			return orders.InvalidArgument("item %d: invalid quantity %d for product %s", i, it.Quantity, it.ProductID)
		}
		if it.UnitPriceOverride != nil && it.UnitPriceOverride.IsNegative() {
			return orders.InvalidArgument("item %d: negative unit price", i)
		}
	}
	return nil
}

// productIDs returns the distinct product ids in first-seen order.
func (r CreateOrderRequest) productIDs() []string {
	seen := make(map[string]bool, len(r.Items))
	ids := make([]string, 0, len(r.Items))
	for _, it := range r.Items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	return ids
}

// buildOrder validates the request against the loaded products, stock and
// coupon and returns the priced aggregate. It performs no I/O.
func buildOrder(req CreateOrderRequest, products map[string]orders.Product, stock map[string]orders.InventoryRecord,
	coupon *orders.Coupon, now time.Time, newID func() string) (*orders.Order, error) {

	for _, it := range req.Items {
		p, ok := products[it.ProductID]
		if !ok || !p.Active {
			return nil, orders.NotFound("product not found: %s", it.ProductID)
		}
	}

	required := map[string]int{}
	for _, it := range req.Items {
		required[it.ProductID] += it.Quantity
	}
	for _, id := range req.productIDs() {
		available := 0
		if rec, ok := stock[id]; ok {
			available = rec.Available()
		}
		if available < required[id] {
			return nil, orders.InsufficientStock(id, required[id], available)
		}
	}

	o := &orders.Order{
		ID:              newID(),
		ExternalID:      req.ExternalID,
		UserID:          req.UserID,
		ShippingAddress: req.ShippingAddress,
		Status:          orders.StatusUnpaid,
		Remark:          req.Remark,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.OrderNumber = orderNumber(now, o.ID)

	lines := make([]decimal.Decimal, 0, len(req.Items))
	for _, it := range req.Items {
		p := products[it.ProductID]
		unit := p.Price
		if it.UnitPriceOverride != nil {
			unit = *it.UnitPriceOverride
		}
		unit = money.Round(unit)
		line := money.LineTotal(unit, it.Quantity)
		lines = append(lines, line)
		o.Items = append(o.Items, orders.OrderItem{
			ID:         newID(),
			OrderID:    o.ID,
			ProductID:  p.ID,
			Quantity:   it.Quantity,
			UnitPrice:  unit,
			LineTotal:  line,
			Discount:   money.Zero,
			FinalPrice: line,
			Status:     o.Status,
			Snapshot:   orders.Snapshot{Name: p.Name, ImageURL: p.ImageURL, Spec: p.Spec},
		})
	}
	o.Subtotal = money.Sum(lines...)
	o.Discount = money.Zero

	if coupon != nil {
		eligible, err := checkCoupon(*coupon, req.UserID, o.Items, products, now)
		if err != nil {
			return nil, err
		}
		o.CouponID = coupon.ID
		o.Discount = CouponDiscount(*coupon, eligible)
		apportion(o.Items, *coupon, products, eligible, o.Discount)
	}
	o.Total = money.Sub(o.Subtotal, o.Discount)
	return o, nil
}

// checkCoupon applies the coupon rules in order and returns the subtotal of
// the lines the coupon covers.
func checkCoupon(c orders.Coupon, userID string, items []orders.OrderItem, products map[string]orders.Product, now time.Time) (decimal.Decimal, error) {
	if c.Status != orders.CouponActive {
		return decimal.Zero, orders.CouponInvalid("coupon %s is not active", c.ID)
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return decimal.Zero, orders.CouponInvalid("coupon %s is not valid yet", c.ID)
	}
	if c.ValidTo != nil && now.After(*c.ValidTo) {
		return decimal.Zero, orders.CouponInvalid("coupon %s has expired", c.ID)
	}
	if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
		return decimal.Zero, orders.CouponInvalid("coupon %s usage limit reached", c.ID)
	}
	if !c.AllowsUser(userID) {
		return decimal.Zero, orders.CouponInvalid("coupon %s is not issued to this user", c.ID)
	}

	var lines []decimal.Decimal
	for _, it := range items {
		if c.Applies(products[it.ProductID]) {
			lines = append(lines, it.LineTotal)
		}
	}
	if len(lines) == 0 {
		return decimal.Zero, orders.CouponInvalid("coupon %s does not apply to any item", c.ID)
	}
	eligible := money.Sum(lines...)
	if eligible.LessThan(c.MinAmount) {
		return decimal.Zero, orders.CouponConditionNotMet(c.MinAmount, eligible)
	}
	return eligible, nil
}

var ten = decimal.NewFromInt(10)

// CouponDiscount is the discount c grants on eligible, never more than eligible.
func CouponDiscount(c orders.Coupon, eligible decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch c.Type {
	case orders.CouponFixedAmount:
		d = money.Round(c.Value)
	case orders.CouponPercentage:
		d = money.Percent(eligible, c.Value)
	case orders.CouponDiscount:
		pay := money.Round(eligible.Mul(c.Value).Div(ten))
		d = money.Sub(eligible, pay)
	default: // free shipping: no shipping fee is charged by this core
		d = money.Zero
	}
	if d.IsNegative() {
		return money.Zero
	}
	return money.Min(d, eligible)
}

// Quote is the pricing rule on its own: discount and total for a subtotal.
// Each value is rounded independently.
func Quote(subtotal decimal.Decimal, c *orders.Coupon) (discount, total decimal.Decimal) {
	discount = money.Zero
	if c != nil {
		discount = CouponDiscount(*c, subtotal)
	}
	return discount, money.Sub(subtotal, discount)
}

// apportion spreads the discount over the covered lines pro rata; the last
// covered line takes the rounding remainder so the shares add up exactly.
func apportion(items []orders.OrderItem, c orders.Coupon, products map[string]orders.Product, eligible, discount decimal.Decimal) {
	if discount.IsZero() || eligible.IsZero() {
		return
	}
	last := -1
	for i, it := range items {
		if c.Applies(products[it.ProductID]) {
			last = i
		}
	}
	remaining := discount
	for i := range items {
		it := &items[i]
		if !c.Applies(products[it.ProductID]) {
			continue
		}
		share := remaining
		if i != last {
			share = money.Round(discount.Mul(it.LineTotal).Div(eligible))
			share = money.Min(share, remaining)
		}
		remaining = remaining.Sub(share)
		it.Discount = share
		it.FinalPrice = money.Sub(it.LineTotal, share)
	}
}

// orderNumber is the customer facing reference, e.g. ORD20261019153000A1B2C3.
func orderNumber(now time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return "ORD" + now.UTC().Format("20060102150405") + suffix
}
