package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID            string          `json:"orderId"`
	OrderNumber   string          `json:"orderNumber"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	PaymentMethod string          `json:"paymentMethod"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// OrderItem is a price snapshot taken at creation; it is never re-priced.
type OrderItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// LineTotal is price × quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type StockRecord struct {
	ProductID   string           `json:"productId"`
	Inventory   int              `json:"inventory"`
	SoldCount   int              `json:"soldCount"`
	CustomPrice *decimal.Decimal `json:"customPrice,omitempty"`
	LastEdited  time.Time        `json:"lastEdited"`
}

type HistoryEntry struct {
	ID        string    `json:"historyId"`
	OrderID   string    `json:"orderId"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	UpdatedBy string    `json:"updatedBy"`
}

// IndexEntry is the buyer/seller listing projection of an Order. It is
// written in the same transaction as the order and never read for decisions.
type IndexEntry struct {
	OrderID     string          `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	Status      Status          `json:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func indexEntryFor(o Order) IndexEntry {
	return IndexEntry{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		BuyerID:     o.BuyerID,
		SellerID:    o.SellerID,
		Status:      o.Status,
		TotalAmount: o.TotalAmount,
		CreatedAt:   o.CreatedAt,
	}
}

type ItemInput struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Options   json.RawMessage `json:"options,omitempty"`
}

type CreateOrderInput struct {
	BuyerID       string
	SellerID      string
	Items         []ItemInput
	PaymentMethod string
}

type CreateOrderResult struct {
	OrderID     string          `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

type OrderDetail struct {
	Order   Order          `json:"order"`
	Items   []OrderItem    `json:"items"`
	History []HistoryEntry `json:"history"`
}

type StatusResult struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PaymentStatusResult struct {
	OrderID       string        `json:"orderId"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

type ListFilter struct {
	RequesterID string
	Role        Role
	Status      Status
	Page        int
	Limit       int
}

type ListResult struct {
	Orders     []IndexEntry `json:"orders"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"totalPages"`
}

type RestockInput struct {
	ProductID   string
	SellerID    string
	Quantity    int
	CustomPrice *decimal.Decimal
}
