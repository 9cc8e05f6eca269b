package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID         string
	Name       string
	ImageURL   string
	Spec       string
	CategoryID string
	Price      decimal.Decimal
	Active     bool
}

// InventoryRecord is the stock row of a product. Available is derived, never stored.
type InventoryRecord struct {
	ProductID        string
	Quantity         int
	ReservedQuantity int
	MinStockLevel    int
	MaxStockLevel    int
	LastRestockedAt  *time.Time
	UpdatedAt        time.Time
}

func (r InventoryRecord) Available() int { return r.Quantity - r.ReservedQuantity }

// Snapshot is the product as it looked when the order was placed.
type Snapshot struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
	Spec     string `json:"spec,omitempty"`
}

type Order struct {
	ID              string
	OrderNumber     string
	ExternalID      string
	UserID          string
	ShippingAddress string
	Subtotal        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	CouponID        string
	Status          Status
	Remark          string
	CancelReason    string
	OperatorID      string
	CustomerID      string
	LogisticsID     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Items           []OrderItem
}

type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string
	Quantity   int
	UnitPrice  decimal.Decimal
	LineTotal  decimal.Decimal
	Discount   decimal.Decimal
	FinalPrice decimal.Decimal
	Status     Status
	Snapshot   Snapshot
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSuccess    PaymentStatus = "SUCCESS"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

type Payment struct {
	ID            string
	OrderID       string
	UserID        string
	Amount        decimal.Decimal
	Method        string
	Status        PaymentStatus
	TransactionID string
	PaidAt        *time.Time
	RefundedAt    *time.Time
	RefundAmount  decimal.Decimal
	RefundReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type CouponType string

const (
	CouponFixedAmount  CouponType = "FIXED_AMOUNT"
	CouponPercentage   CouponType = "PERCENTAGE"
	CouponFreeShipping CouponType = "FREE_SHIPPING"
	CouponDiscount     CouponType = "DISCOUNT" // value in tenths: 8.5 means pay 85%
)

type CouponStatus string

const (
	CouponActive   CouponStatus = "ACTIVE"
	CouponConsumed CouponStatus = "CONSUMED"
	CouponDisabled CouponStatus = "DISABLED"
)

type CouponScope string

const (
	ScopeGlobal   CouponScope = "GLOBAL"
	ScopeUser     CouponScope = "USER"
	ScopeProduct  CouponScope = "PRODUCT"
	ScopeCategory CouponScope = "CATEGORY"
)

type Coupon struct {
	ID         string
	Code       string
	Type       CouponType
	Value      decimal.Decimal
	MinAmount  decimal.Decimal
	UsageLimit int // 0 = unlimited
	UsedCount  int
	ValidFrom  *time.Time
	ValidTo    *time.Time
	Status     CouponStatus
	Scope      CouponScope
	ScopeRefs  []string // user, product or category ids depending on Scope
}

// Applies reports whether the coupon covers the given line.
func (c Coupon) Applies(p Product) bool {
	switch c.Scope {
	case ScopeProduct:
		return contains(c.ScopeRefs, p.ID)
	case ScopeCategory:
		return contains(c.ScopeRefs, p.CategoryID)
	default:
		return true
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// AllowsUser is false only for user-scoped coupons issued to someone else.
func (c Coupon) AllowsUser(userID string) bool {
	if c.Scope != ScopeUser {
		return true
	}
	return contains(c.ScopeRefs, userID)
}
