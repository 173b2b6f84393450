package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
	eventVersion       = 1
)

type messagePublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// OrderEventPublisher wraps order events in an Envelope and hands them to the producer.
type OrderEventPublisher struct {
	producer messagePublisher
	service  string
}

var _ orders.EventPublisher = (*OrderEventPublisher)(nil)

func NewOrderEventPublisher(p messagePublisher, service string) *OrderEventPublisher {
	return &OrderEventPublisher{producer: p, service: service}
}

func (p *OrderEventPublisher) PublishOrderEvent(ctx context.Context, ev orders.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Type,
		EventVersion:  eventVersion,
		OccurredAt:    ev.OccurredAt.UTC(),
		Producer:      p.service,
		CorrelationID: ev.OrderID,
		Payload:       payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", ev.Type, err)
	}
	return p.producer.Publish(ctx, ev.Topic, orders.PartitionKey(ev.OrderID), value,
		kafka.Header{Key: HeaderEventType, Value: []byte(ev.Type)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(eventVersion))},
	)
}
