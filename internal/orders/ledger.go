package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNegativeStock is returned by Tx.ApplyStockDelta when the delta would
// drive a counter below zero. Nothing is written in that case.
var ErrNegativeStock = errors.New("orders: stock counter would go negative")

// StockDelta is a signed change to a StockRecord.
type StockDelta struct {
	Inventory int
	Sold      int
	Create    bool
}

// StockPrice sets or clears a record's custom price.
type StockPrice struct {
	Price *decimal.Decimal
}

// Ledger mutates StockRecords only through deltas applied inside an atomic
// unit. It keeps no per-order memory: Release trusts the caller for the
// quantity originally reserved.
type Ledger struct {
	clock func() time.Time
}

func NewLedger(clock func() time.Time) Ledger {
	if clock == nil {
		clock = time.Now
	}
	return Ledger{clock: clock}
}

// TryReserve takes quantity out of inventory and adds it to soldCount, or
// fails with InsufficientStock and no side effects.
func (l Ledger) TryReserve(ctx context.Context, tx Tx, productID string, quantity int) error {
	if quantity <= 0 {
		return newValidation("invalid_quantity", "quantity for %s must be positive", productID)
	}
	_, err := tx.ApplyStockDelta(ctx, productID, StockDelta{Inventory: -quantity, Sold: quantity}, l.clock().UTC())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNegativeStock):
		available := 0
		var neg *NegativeStockError
		if errors.As(err, &neg) {
			available = neg.Inventory
		}
		return newInsufficientStock(productID, quantity, available)
	case errors.Is(err, ErrRecordNotFound):
		return newInsufficientStock(productID, quantity, 0)
	}
	return err
}

// Release is the compensating action for TryReserve.
func (l Ledger) Release(ctx context.Context, tx Tx, productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("release %s: quantity must be positive, got %d", productID, quantity)
	}
	_, err := tx.ApplyStockDelta(ctx, productID, StockDelta{Inventory: quantity, Sold: -quantity}, l.clock().UTC())
	if err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}
	return nil
}

// Restock adds quantity to inventory, creating the record on first use.
func (l Ledger) Restock(ctx context.Context, tx Tx, productID string, quantity int) (StockRecord, error) {
	if quantity <= 0 {
		return StockRecord{}, newValidation("invalid_quantity", "restock quantity must be positive")
	}
	return tx.ApplyStockDelta(ctx, productID, StockDelta{Inventory: quantity, Create: true}, l.clock().UTC())
}

// NegativeStockError carries the counters observed when a delta was refused.
type NegativeStockError struct {
	ProductID string
	Inventory int
	SoldCount int
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("stock %s: inventory %d soldCount %d: %v", e.ProductID, e.Inventory, e.SoldCount, ErrNegativeStock)
}

func (e *NegativeStockError) Unwrap() error { return ErrNegativeStock }
