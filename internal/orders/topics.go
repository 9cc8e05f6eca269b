package orders

const (
	TopicOrderCreated   = "order.created"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderPaid      = "order.paid"
	TopicOrderRefunded  = "order.refunded"
	TopicLowStock       = "inventory.low_stock"
)

// PartitionKey is the envelope's correlation id: the order id for order
// events, the product id for stock alerts.
func PartitionKey(correlationID string) []byte { return []byte(correlationID) }
