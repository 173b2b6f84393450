package orders

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
)

const (
	defaultMaxAttempts         = 3
	defaultCollaboratorTimeout = 3 * time.Second
	defaultRetryDelay          = 20 * time.Millisecond

	msgOrderCreated = "order created"
)

// ServiceDeps bundles the collaborators of the coordinator.
type ServiceDeps struct {
	Store   Store
	Catalog Catalog
	Users   UserDirectory
	Events  EventPublisher
	Logger  *zap.Logger

	Clock       func() time.Time
	IDGenerator func() string
	OrderNumber func(time.Time) string

	CollaboratorTimeout time.Duration
	// MaxAttempts bounds how often a Conflict or ServiceUnavailable outcome is retried.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Service is the order transaction coordinator: the single entry point for
// creating orders and changing their status.
type Service struct {
	store         Store
	catalog       Catalog
	users         UserDirectory
	events        EventPublisher
	logger        *zap.Logger
	tracer        trace.Tracer
	ledger        Ledger
	clock         func() time.Time
	newID         func() string
	orderNumber   func(time.Time) string
	collabTimeout time.Duration
	maxAttempts   int
	retryDelay    time.Duration
}

func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("order service: store is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog is required")
	}
	if deps.Users == nil {
		return nil, errors.New("order service: user directory is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time { return clock().UTC().Truncate(time.Microsecond) }

	s := &Service{
		store:         deps.Store,
		catalog:       deps.Catalog,
		users:         deps.Users,
		events:        deps.Events,
		logger:        deps.Logger,
		tracer:        otel.Tracer("github.com/ariefcatur/go-marketplace-orders/internal/orders"),
		ledger:        NewLedger(now),
		clock:         now,
		newID:         deps.IDGenerator,
		orderNumber:   deps.OrderNumber,
		collabTimeout: deps.CollaboratorTimeout,
		maxAttempts:   deps.MaxAttempts,
		retryDelay:    deps.RetryDelay,
	}
	if s.events == nil {
		s.events = noopPublisher{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.orderNumber == nil {
		s.orderNumber = NewOrderNumber
	}
	if s.collabTimeout <= 0 {
		s.collabTimeout = defaultCollaboratorTimeout
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}
	return s, nil
}

// NewOrderNumber renders the display number: the last eight digits of the
// creation time in milliseconds plus a random suffix.
func NewOrderNumber(at time.Time) string {
	return fmt.Sprintf("ORD-%08d-%d", at.UnixMilli()%100_000_000, rand.IntN(1000))
}

type pricedLine struct {
	input   ItemInput
	product CatalogProduct
	price   decimal.Decimal
}

// CreateOrder validates the request against the catalog and the advisory
// stock, then writes the order, its items, the stock reservations, the first
// history entry and the listing projection in one atomic unit.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (CreateOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(
		attribute.String("order.buyer_id", in.BuyerID),
		attribute.String("order.seller_id", in.SellerID),
		attribute.Int("order.items", len(in.Items)),
	))
	defer span.End()

	if err := validateCreate(in); err != nil {
		return CreateOrderResult{}, s.fail(ctx, span, "create", "", err)
	}

	var order Order
	err := s.retry(ctx, "create", func() error {
		var err error
		order, err = s.createOnce(ctx, in)
		return err
	})
	if err != nil {
		return CreateOrderResult{}, s.fail(ctx, span, "create", "", err)
	}
	span.SetAttributes(attribute.String("order.id", order.ID))
	res := CreateOrderResult{OrderID: order.ID, OrderNumber: order.OrderNumber, TotalAmount: order.TotalAmount}

	items := make([]ItemQty, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	s.publish(ctx, Event{
		Type:       EventOrderCreated,
		Topic:      TopicOrderCreated,
		OrderID:    res.OrderID,
		OccurredAt: order.CreatedAt,
		Payload: OrderCreatedPayload{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			BuyerID:     order.BuyerID,
			SellerID:    order.SellerID,
			Items:       items,
			TotalAmount: order.TotalAmount,
			CreatedAt:   order.CreatedAt,
		},
	})
	logging.FromContext(ctx, s.logger).Info("order created",
		zap.String("order_id", res.OrderID),
		zap.String("order_number", res.OrderNumber),
		zap.String("total_amount", res.TotalAmount.String()))
	return res, nil
}

func (s *Service) createOnce(ctx context.Context, in CreateOrderInput) (Order, error) {
	var exists bool
	err := s.callCollaborator(ctx, "user_directory", func(ctx context.Context) error {
		var err error
		exists, err = s.users.Exists(ctx, in.SellerID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	if !exists {
		return Order{}, newNotFound("seller_not_found", "seller %s not found", in.SellerID)
	}

	lines, err := s.priceLines(ctx, in)
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	order := Order{
		ID:            s.newID(),
		OrderNumber:   s.orderNumber(now),
		BuyerID:       in.BuyerID,
		SellerID:      in.SellerID,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		PaymentMethod: strings.TrimSpace(in.PaymentMethod),
		TotalAmount:   decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	items := make([]OrderItem, 0, len(lines))
	for _, l := range lines {
		item := OrderItem{
			ID:        s.newID(),
			OrderID:   order.ID,
			ProductID: l.input.ProductID,
			Name:      l.product.Name,
			Price:     l.price,
			Quantity:  l.input.Quantity,
			Options:   l.input.Options,
		}
		order.TotalAmount = order.TotalAmount.Add(item.LineTotal())
		items = append(items, item)
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			return err
		}
		// Stock is re-checked here, not trusted from the advisory read above.
		for _, it := range items {
			if err := s.ledger.TryReserve(ctx, tx, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		if err := tx.AppendHistory(ctx, HistoryEntry{
			ID:        s.newID(),
			OrderID:   order.ID,
			Timestamp: now,
			Status:    StatusPending,
			Message:   msgOrderCreated,
			UpdatedBy: in.BuyerID,
		}); err != nil {
			return err
		}
		return tx.UpsertIndex(ctx, indexEntryFor(order))
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// priceLines fetches product definitions and stock records concurrently.
func (s *Service) priceLines(ctx context.Context, in CreateOrderInput) ([]pricedLine, error) {
	lines := make([]pricedLine, len(in.Items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range in.Items {
		g.Go(func() error {
			var product CatalogProduct
			err := s.callCollaborator(gctx, "catalog", func(ctx context.Context) error {
				var err error
				product, err = s.catalog.GetProduct(ctx, item.ProductID)
				return err
			})
			if errors.Is(err, ErrRecordNotFound) {
				return newNotFound("product_not_found", "product %s not found", item.ProductID)
			}
			if err != nil {
				return err
			}
			if product.OwnerID != in.SellerID {
				return newValidation("seller_mismatch", "product %s is not sold by seller %s", item.ProductID, in.SellerID)
			}
			if product.Status != ProductStatusActive {
				return newValidation("product_inactive", "product %s is not active", item.ProductID)
			}

			var stock StockRecord
			err = s.callCollaborator(gctx, "store", func(ctx context.Context) error {
				var err error
				stock, err = s.store.GetStock(ctx, item.ProductID)
				return err
			})
			if errors.Is(err, ErrRecordNotFound) {
				return newInsufficientStock(item.ProductID, item.Quantity, 0)
			}
			if err != nil {
				return err
			}
			if stock.Inventory < item.Quantity {
				return newInsufficientStock(item.ProductID, item.Quantity, stock.Inventory)
			}

			price := product.BasePrice
			if stock.CustomPrice != nil {
				price = *stock.CustomPrice
			}
			lines[i] = pricedLine{input: item, product: product, price: price}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lines, nil
}

func validateCreate(in CreateOrderInput) error {
	if strings.TrimSpace(in.BuyerID) == "" {
		return newValidation("buyer_required", "buyer id is required")
	}
	if strings.TrimSpace(in.SellerID) == "" {
		return newValidation("seller_required", "seller id is required")
	}
	if strings.TrimSpace(in.PaymentMethod) == "" {
		return newValidation("payment_method_required", "payment method is required")
	}
	if len(in.Items) == 0 {
		return newValidation("items_required", "at least one item is required")
	}
	seen := make(map[string]struct{}, len(in.Items))
	for _, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return newValidation("product_required", "every item needs a product id")
		}
		if it.Quantity <= 0 {
			return newValidation("invalid_quantity", "quantity for %s must be positive", it.ProductID)
		}
		if _, dup := seen[it.ProductID]; dup {
			return newValidation("duplicate_product", "product %s appears more than once", it.ProductID)
		}
		seen[it.ProductID] = struct{}{}
	}
	return nil
}

// callCollaborator bounds fn with the collaborator timeout. Deadline and
// transport failures become ServiceUnavailable; ErrRecordNotFound and domain
// errors pass through.
func (s *Service) callCollaborator(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.collabTimeout)
	defer cancel()

	err := fn(cctx)
	if err == nil || errors.Is(err, ErrRecordNotFound) {
		return err
	}
	var oe *Error
	if errors.As(err, &oe) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return newUnavailable(name+"_unavailable", err)
}

// retry runs op until it succeeds, fails permanently, or maxAttempts is used up.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retryDelay
	eb.MaxInterval = 10 * s.retryDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.maxAttempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		var oe *Error
		if errors.As(err, &oe) && oe.Retryable() {
			logging.FromContext(ctx, s.logger).Warn("retrying order operation",
				zap.String("op", op), zap.Int("attempt", attempt), zap.String("code", oe.Code), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (s *Service) fail(ctx context.Context, span trace.Span, op, orderID string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	if orderID != "" {
		fields = append(fields, zap.String("order_id", orderID))
	}
	var oe *Error
	if !errors.As(err, &oe) {
		logging.FromContext(ctx, s.logger).Error("order operation failed", fields...)
		return err
	}
	fields = append(fields, zap.String("code", oe.Code), zap.String("kind", string(oe.Kind)))
	if oe.Retryable() {
		logging.FromContext(ctx, s.logger).Warn("order operation failed", fields...)
	} else {
		logging.FromContext(ctx, s.logger).Info("order operation rejected", fields...)
	}
	return err
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.events.PublishOrderEvent(ctx, ev); err != nil {
		logging.FromContext(ctx, s.logger).Warn("publish order event",
			zap.String("event_type", ev.Type), zap.String("order_id", ev.OrderID), zap.Error(err))
	}
}

// stamp returns the current time, never earlier than floor.
func (s *Service) stamp(floor time.Time) time.Time {
	now := s.clock()
	if now.Before(floor) {
		return floor
	}
	return now
}
