package orders

type Status string

const (
	StatusOrdered   Status = "ORDERED"
	StatusUnpaid    Status = "UNPAID"
	StatusPaid      Status = "PAID"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
	StatusUnknown   Status = "UNKNOWN" // operator-flagged anomaly
)

// PAID -> CANCELLED is only taken by a refund.
var validNext = map[Status]map[Status]bool{
	StatusOrdered:   {StatusUnpaid: true, StatusCancelled: true, StatusUnknown: true},
	StatusUnpaid:    {StatusPaid: true, StatusCancelled: true, StatusUnknown: true},
	StatusPaid:      {StatusDelivered: true, StatusCancelled: true, StatusUnknown: true},
	StatusUnknown:   {StatusCancelled: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusDelivered
}

// Cancellable reports whether a customer or the reaper may cancel the order.
func (s Status) Cancellable() bool {
	return s == StatusOrdered || s == StatusUnpaid
}
