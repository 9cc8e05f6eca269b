package orders

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by repositories when an insert hits a unique key.
var ErrDuplicate = errors.New("duplicate key")

type Kind string

const (
	KindInvalidArgument       Kind = "INVALID_ARGUMENT"
	KindNotFound              Kind = "NOT_FOUND"
	KindInsufficientStock     Kind = "INSUFFICIENT_STOCK"
	KindCouponInvalid         Kind = "COUPON_INVALID"
	KindCouponConditionNotMet Kind = "COUPON_CONDITION_NOT_MET"
	KindOrderStatusConflict   Kind = "ORDER_STATUS_CONFLICT"
	KindPaymentStatusConflict Kind = "PAYMENT_STATUS_CONFLICT"
	KindPaymentAmountMismatch Kind = "PAYMENT_AMOUNT_MISMATCH"
	KindDuplicatePayment      Kind = "DUPLICATE_PAYMENT"
	KindRefundExceedsPayment  Kind = "REFUND_EXCEEDS_PAYMENT"
)

// Error is the business error of the order core. Only the detail fields that
// make sense for Kind are set.
type Error struct {
	Kind    Kind
	Message string

	ProductID string
	Required  int
	Available int

	Status Status

	Expected decimal.Decimal
	Got      decimal.Decimal
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInsufficientStock:
		return fmt.Sprintf("insufficient stock for product %s: required %d, available %d", e.ProductID, e.Required, e.Available)
	case KindPaymentAmountMismatch:
		return fmt.Sprintf("payment amount mismatch: expected %s, got %s", e.Expected.StringFixed(2), e.Got.StringFixed(2))
	case KindOrderStatusConflict:
		return fmt.Sprintf("%s (status %s)", e.Message, e.Status)
	}
	return e.Message
}

func InvalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InsufficientStock(productID string, required, available int) *Error {
	return &Error{Kind: KindInsufficientStock, ProductID: productID, Required: required, Available: available}
}

func CouponInvalid(format string, args ...any) *Error {
	return &Error{Kind: KindCouponInvalid, Message: fmt.Sprintf(format, args...)}
}

func CouponConditionNotMet(min, got decimal.Decimal) *Error {
	return &Error{
		Kind:     KindCouponConditionNotMet,
		Message:  fmt.Sprintf("order amount %s below coupon minimum %s", got.StringFixed(2), min.StringFixed(2)),
		Expected: min,
		Got:      got,
	}
}

func StatusConflict(orderID string, status Status, action string) *Error {
	return &Error{
		Kind:    KindOrderStatusConflict,
		Message: fmt.Sprintf("cannot %s order %s", action, orderID),
		Status:  status,
	}
}

func PaymentStatusConflict(paymentID string, status PaymentStatus) *Error {
	return &Error{
		Kind:    KindPaymentStatusConflict,
		Message: fmt.Sprintf("payment %s is %s", paymentID, status),
	}
}

func AmountMismatch(expected, got decimal.Decimal) *Error {
	return &Error{Kind: KindPaymentAmountMismatch, Expected: expected, Got: got}
}

func DuplicatePayment(orderID string) *Error {
	return &Error{Kind: KindDuplicatePayment, Message: fmt.Sprintf("order %s is already paid", orderID)}
}

func RefundExceedsPayment(paid, requested decimal.Decimal) *Error {
	return &Error{
		Kind:     KindRefundExceedsPayment,
		Message:  fmt.Sprintf("refund %s exceeds paid amount %s", requested.StringFixed(2), paid.StringFixed(2)),
		Expected: paid,
		Got:      requested,
	}
}

// KindOf returns the Kind of a business error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, k Kind) bool { return KindOf(err) == k }
