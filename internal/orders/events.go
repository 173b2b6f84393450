package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated        = "OrderCreated"
	EventOrderStatusChanged  = "OrderStatusChanged"
	EventOrderPaymentChanged = "OrderPaymentChanged"
)

// Envelope is the wire format of every published event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	Items       []ItemQty       `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OrderStatusChangedPayload is also used for payment changes; PaymentStatus
// is always the value after the change.
type OrderStatusChangedPayload struct {
	OrderID        string        `json:"order_id"`
	BuyerID        string        `json:"buyer_id"`
	SellerID       string        `json:"seller_id"`
	PreviousStatus Status        `json:"previous_status,omitempty"`
	Status         Status        `json:"status"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	ActorID        string        `json:"actor_id"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Event is a committed domain fact handed to the EventPublisher.
type Event struct {
	Type       string
	Topic      string
	OrderID    string
	OccurredAt time.Time
	Payload    any
}

// EventPublisher receives events after their transaction committed. Publish
// failures are logged and never undo the operation.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, ev Event) error
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderEvent(context.Context, Event) error { return nil }
