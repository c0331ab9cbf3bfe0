package orders

const (
	TopicOrderPlaced      = "order.placed"
	TopicPaymentCompleted = "order.payment.completed"
	TopicPaymentFailed    = "order.payment.failed"
	TopicOrderCancelled   = "order.cancelled"
)

// StatusTopics are the topics that carry an order's current status.
var StatusTopics = []string{TopicOrderPlaced, TopicPaymentCompleted, TopicPaymentFailed, TopicOrderCancelled}

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
