package orders

import (
	"context"
	"time"
)

// Store is the order aggregate store. RunInTx executes fn as one serializable
// unit: every write inside fn commits together or not at all. A unit that
// loses a conflict returns an error wrapping ErrConflict and may be retried
// from scratch.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListItems(ctx context.Context, orderID string) ([]OrderItem, error)
	ListHistory(ctx context.Context, orderID string) ([]HistoryEntry, error)
	ListIndex(ctx context.Context, filter ListFilter) ([]IndexEntry, int, error)
	GetStock(ctx context.Context, productID string) (StockRecord, error)
}

// Tx is the write surface available inside an atomic unit.
type Tx interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListItems(ctx context.Context, orderID string) ([]OrderItem, error)
	InsertOrder(ctx context.Context, o Order) error
	InsertItems(ctx context.Context, items []OrderItem) error
	AppendHistory(ctx context.Context, h HistoryEntry) error
	UpsertIndex(ctx context.Context, e IndexEntry) error
	// UpdateStatus sets status only if the stored status still equals from;
	// otherwise it returns ErrStaleStatus.
	UpdateStatus(ctx context.Context, orderID string, from, to Status, at time.Time) error
	UpdatePaymentStatus(ctx context.Context, orderID string, from, to PaymentStatus, at time.Time) error
	// ApplyStockDelta adds d to a StockRecord. It must refuse (ErrNegativeStock)
	// any delta that would leave inventory or soldCount below zero, and must
	// create the record when d.Create is set and none exists.
	ApplyStockDelta(ctx context.Context, productID string, d StockDelta, at time.Time) (StockRecord, error)
	SetCustomPrice(ctx context.Context, productID string, price StockPrice, at time.Time) error
}
