package orders

const (
	TopicOrderCreated        = "order.created"
	TopicOrderStatusChanged  = "order.status.changed"
	TopicOrderPaymentChanged = "order.payment.changed"
)

// Topics lists every topic the service publishes to.
var Topics = []string{TopicOrderCreated, TopicOrderStatusChanged, TopicOrderPaymentChanged}

// PartitionKey keeps all events of one order on one partition, in order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
