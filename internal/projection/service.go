// Package projection keeps the Redis order-status cache in step with the
// order events published by the API.
package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

type SnapshotWriter interface {
	Put(ctx context.Context, snap redisx.StatusSnapshot) (bool, error)
}

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Service struct {
	Cache  SnapshotWriter
	Dedup  Deduper
	Logger *zap.Logger
}

// HandleOrderEvent is installed as the consumer handler.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafka.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Undecodable messages are dropped: redelivery cannot fix them.
		s.logger().Warn("drop undecodable event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	snap, ok, err := snapshotFrom(env)
	if err != nil {
		s.logger().Warn("drop malformed event", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	seen, err := s.Dedup.Seen(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if seen {
		return nil
	}

	written, err := s.Cache.Put(ctx, snap)
	if err != nil {
		if ferr := s.Dedup.Forget(ctx, env.EventID); ferr != nil {
			s.logger().Warn("forget dedup mark", zap.String("event_id", env.EventID), zap.Error(ferr))
		}
		return fmt.Errorf("cache snapshot %s: %w", snap.OrderID, err)
	}
	s.logger().Debug("status snapshot projected",
		zap.String("event_type", env.EventType),
		zap.String("order_id", snap.OrderID),
		zap.String("status", string(snap.Status)),
		zap.Bool("written", written))
	return nil
}

func snapshotFrom(env orders.Envelope) (redisx.StatusSnapshot, bool, error) {
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return redisx.StatusSnapshot{}, false, err
		}
		return redisx.StatusSnapshot{
			OrderID:       p.OrderID,
			BuyerID:       p.BuyerID,
			SellerID:      p.SellerID,
			Status:        orders.StatusPending,
			PaymentStatus: orders.PaymentPending,
			UpdatedAt:     p.CreatedAt,
			Version:       p.CreatedAt.UnixMicro(),
		}, true, nil
	case orders.EventOrderStatusChanged, orders.EventOrderPaymentChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			return redisx.StatusSnapshot{}, false, err
		}
		return redisx.StatusSnapshot{
			OrderID:       p.OrderID,
			BuyerID:       p.BuyerID,
			SellerID:      p.SellerID,
			Status:        p.Status,
			PaymentStatus: p.PaymentStatus,
			UpdatedAt:     p.UpdatedAt,
			Version:       p.UpdatedAt.UnixMicro(),
		}, true, nil
	}
	return redisx.StatusSnapshot{}, false, nil
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
