package orders

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
)

// Restock lets the owning seller add inventory for a product, creating its
// StockRecord on first use, and optionally set the custom unit price.
func (s *Service) Restock(ctx context.Context, in RestockInput) (StockRecord, error) {
	ctx, span := s.tracer.Start(ctx, "orders.Restock", trace.WithAttributes(
		attribute.String("product.id", in.ProductID),
		attribute.Int("stock.quantity", in.Quantity),
	))
	defer span.End()

	switch {
	case strings.TrimSpace(in.ProductID) == "":
		return StockRecord{}, s.fail(ctx, span, "restock", "", newValidation("product_required", "product id is required"))
	case in.Quantity <= 0:
		return StockRecord{}, s.fail(ctx, span, "restock", "", newValidation("invalid_quantity", "restock quantity must be positive"))
	case in.CustomPrice != nil && in.CustomPrice.IsNegative():
		return StockRecord{}, s.fail(ctx, span, "restock", "", newValidation("invalid_price", "custom price must not be negative"))
	case in.CustomPrice != nil && !in.CustomPrice.Equal(in.CustomPrice.Round(2)):
		return StockRecord{}, s.fail(ctx, span, "restock", "", newValidation("invalid_price", "custom price must have at most 2 decimal places"))
	}

	var rec StockRecord
	err := s.retry(ctx, "restock", func() error {
		var product CatalogProduct
		err := s.callCollaborator(ctx, "catalog", func(ctx context.Context) error {
			var err error
			product, err = s.catalog.GetProduct(ctx, in.ProductID)
			return err
		})
		if errors.Is(err, ErrRecordNotFound) {
			return newNotFound("product_not_found", "product %s not found", in.ProductID)
		}
		if err != nil {
			return err
		}
		if product.OwnerID != in.SellerID {
			return newForbidden("stock_forbidden", "only the owner may restock product %s", in.ProductID)
		}

		return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			updated, err := s.ledger.Restock(ctx, tx, in.ProductID, in.Quantity)
			if err != nil {
				return err
			}
			if in.CustomPrice != nil {
				price := *in.CustomPrice
				if err := tx.SetCustomPrice(ctx, in.ProductID, StockPrice{Price: &price}, updated.LastEdited); err != nil {
					return err
				}
				updated.CustomPrice = &price
			}
			rec = updated
			return nil
		})
	})
	if err != nil {
		return StockRecord{}, s.fail(ctx, span, "restock", "", err)
	}
	logging.FromContext(ctx, s.logger).Info("product restocked",
		zap.String("product_id", rec.ProductID),
		zap.Int("quantity", in.Quantity),
		zap.Int("inventory", rec.Inventory))
	return rec, nil
}

// GetStock returns the current StockRecord of a product.
func (s *Service) GetStock(ctx context.Context, productID string) (StockRecord, error) {
	rec, err := s.store.GetStock(ctx, productID)
	if errors.Is(err, ErrRecordNotFound) {
		return StockRecord{}, newNotFound("stock_not_found", "no stock record for product %s", productID)
	}
	return rec, err
}
