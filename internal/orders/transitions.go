package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
)

const msgOrderCancelled = "order cancelled"

// UpdateOrderStatus moves an order along the transition graph on behalf of
// requesterID. Cancelling through this call behaves exactly like CancelOrder.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID, requesterID string, target Status, message string) (StatusResult, error) {
	ctx, span := s.tracer.Start(ctx, "orders.UpdateOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target_status", string(target)),
	))
	defer span.End()

	st, ok := ParseStatus(string(target))
	if !ok {
		return StatusResult{}, s.fail(ctx, span, "update_status", orderID,
			newValidation("invalid_status", "unknown order status %q", target))
	}
	target = st
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("order status changed to %s", target)
	}
	res, err := s.transition(ctx, orderID, requesterID, target, message)
	if err != nil {
		return StatusResult{}, s.fail(ctx, span, "update_status", orderID, err)
	}
	return res, nil
}

// CancelOrder cancels a non-terminal order and returns every reserved unit to stock.
func (s *Service) CancelOrder(ctx context.Context, orderID, requesterID, reason string) (StatusResult, error) {
	ctx, span := s.tracer.Start(ctx, "orders.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		reason = msgOrderCancelled
	}
	res, err := s.transition(ctx, orderID, requesterID, StatusCancelled, reason)
	if err != nil {
		return StatusResult{}, s.fail(ctx, span, "cancel", orderID, err)
	}
	return res, nil
}

func (s *Service) transition(ctx context.Context, orderID, requesterID string, target Status, message string) (StatusResult, error) {
	if strings.TrimSpace(orderID) == "" {
		return StatusResult{}, newValidation("order_id_required", "order id is required")
	}

	var (
		before, after Order
		// seen is the status the first attempt read. A retry that finds the
		// order elsewhere lost the race to another writer.
		seen Status
	)
	err := s.retry(ctx, "transition", func() error {
		return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if errors.Is(err, ErrRecordNotFound) {
				return newNotFound("order_not_found", "order %s not found", orderID)
			}
			if err != nil {
				return err
			}
			if seen == "" {
				seen = o.Status
			} else if o.Status != seen {
				return newInvalidTransition(string(o.Status), string(target))
			}

			decision, err := Decide(o.Status, target, RoleFor(o, requesterID))
			if err != nil {
				return err
			}

			at := s.stamp(o.UpdatedAt)
			if err := tx.UpdateStatus(ctx, o.ID, decision.From, decision.To, at); err != nil {
				if errors.Is(err, ErrStaleStatus) {
					return newConflict(err)
				}
				return err
			}

			next := o
			next.Status, next.UpdatedAt = decision.To, at
			if err := tx.UpsertIndex(ctx, indexEntryFor(next)); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, HistoryEntry{
				ID:        s.newID(),
				OrderID:   o.ID,
				Timestamp: at,
				Status:    decision.To,
				Message:   message,
				UpdatedBy: requesterID,
			}); err != nil {
				return err
			}

			if decision.ReleaseStock {
				items, err := tx.ListItems(ctx, o.ID)
				if err != nil {
					return err
				}
				for _, it := range items {
					if err := s.ledger.Release(ctx, tx, it.ProductID, it.Quantity); err != nil {
						return err
					}
				}
			}
			before, after = o, next
			return nil
		})
	})
	if err != nil {
		return StatusResult{}, err
	}

	s.publish(ctx, Event{
		Type:       EventOrderStatusChanged,
		Topic:      TopicOrderStatusChanged,
		OrderID:    after.ID,
		OccurredAt: after.UpdatedAt,
		Payload: OrderStatusChangedPayload{
			OrderID:        after.ID,
			BuyerID:        after.BuyerID,
			SellerID:       after.SellerID,
			PreviousStatus: before.Status,
			Status:         after.Status,
			PaymentStatus:  after.PaymentStatus,
			ActorID:        requesterID,
			UpdatedAt:      after.UpdatedAt,
		},
	})
	logging.FromContext(ctx, s.logger).Info("order status changed",
		zap.String("order_id", after.ID),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
		zap.String("actor_id", requesterID))
	return StatusResult{OrderID: after.ID, Status: after.Status, UpdatedAt: after.UpdatedAt}, nil
}

// UpdatePaymentStatus records a payment outcome reported by the payment
// collaborator. It writes paymentStatus and one history entry; stock is never touched.
func (s *Service) UpdatePaymentStatus(ctx context.Context, orderID, requesterID string, target PaymentStatus) (PaymentStatusResult, error) {
	ctx, span := s.tracer.Start(ctx, "orders.UpdatePaymentStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target_payment_status", string(target)),
	))
	defer span.End()

	ps, ok := ParsePaymentStatus(string(target))
	if !ok {
		return PaymentStatusResult{}, s.fail(ctx, span, "update_payment", orderID,
			newValidation("invalid_payment_status", "unknown payment status %q", target))
	}
	target = ps
	if strings.TrimSpace(orderID) == "" {
		return PaymentStatusResult{}, s.fail(ctx, span, "update_payment", orderID,
			newValidation("order_id_required", "order id is required"))
	}

	var (
		before, after Order
		seen          PaymentStatus
	)
	err := s.retry(ctx, "update_payment", func() error {
		return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if errors.Is(err, ErrRecordNotFound) {
				return newNotFound("order_not_found", "order %s not found", orderID)
			}
			if err != nil {
				return err
			}
			if seen == "" {
				seen = o.PaymentStatus
			} else if o.PaymentStatus != seen {
				return newInvalidTransition("payment:"+string(o.PaymentStatus), "payment:"+string(target))
			}
			if err := DecidePayment(o.PaymentStatus, target, RoleFor(o, requesterID)); err != nil {
				return err
			}

			at := s.stamp(o.UpdatedAt)
			if err := tx.UpdatePaymentStatus(ctx, o.ID, o.PaymentStatus, target, at); err != nil {
				if errors.Is(err, ErrStaleStatus) {
					return newConflict(err)
				}
				return err
			}
			if err := tx.AppendHistory(ctx, HistoryEntry{
				ID:        s.newID(),
				OrderID:   o.ID,
				Timestamp: at,
				Status:    o.Status,
				Message:   fmt.Sprintf("payment status changed to %s", target),
				UpdatedBy: requesterID,
			}); err != nil {
				return err
			}
			next := o
			next.PaymentStatus, next.UpdatedAt = target, at
			before, after = o, next
			return nil
		})
	})
	if err != nil {
		return PaymentStatusResult{}, s.fail(ctx, span, "update_payment", orderID, err)
	}

	s.publish(ctx, Event{
		Type:       EventOrderPaymentChanged,
		Topic:      TopicOrderPaymentChanged,
		OrderID:    after.ID,
		OccurredAt: after.UpdatedAt,
		Payload: OrderStatusChangedPayload{
			OrderID:        after.ID,
			BuyerID:        after.BuyerID,
			SellerID:       after.SellerID,
			PreviousStatus: before.Status,
			Status:         after.Status,
			PaymentStatus:  after.PaymentStatus,
			ActorID:        requesterID,
			UpdatedAt:      after.UpdatedAt,
		},
	})
	logging.FromContext(ctx, s.logger).Info("order payment status changed",
		zap.String("order_id", after.ID),
		zap.String("from", string(before.PaymentStatus)),
		zap.String("to", string(after.PaymentStatus)))
	return PaymentStatusResult{OrderID: after.ID, PaymentStatus: after.PaymentStatus, UpdatedAt: after.UpdatedAt}, nil
}
