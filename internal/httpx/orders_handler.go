package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

// HeaderIdempotencyKey makes POST /orders safe to retry.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIdempotentHit  = "Idempotent-Replayed"
)

type OrderService interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (orders.CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID, requesterID string) (orders.OrderDetail, error)
	ListOrders(ctx context.Context, f orders.ListFilter) (orders.ListResult, error)
	UpdateOrderStatus(ctx context.Context, orderID, requesterID string, target orders.Status, message string) (orders.StatusResult, error)
	CancelOrder(ctx context.Context, orderID, requesterID, reason string) (orders.StatusResult, error)
	UpdatePaymentStatus(ctx context.Context, orderID, requesterID string, target orders.PaymentStatus) (orders.PaymentStatusResult, error)
	Restock(ctx context.Context, in orders.RestockInput) (orders.StockRecord, error)
	GetStock(ctx context.Context, productID string) (orders.StockRecord, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.StatusSnapshot, bool, error)
	Put(ctx context.Context, snap redisx.StatusSnapshot) (bool, error)
	Invalidate(ctx context.Context, orderID string, floor int64) error
}

// IdempotencyStore claims a key before the order is created. An acquired
// claim is either completed with the result or released on failure.
type IdempotencyStore interface {
	Claim(ctx context.Context, buyerID, key string) (redisx.ClaimState, orders.CreateOrderResult, error)
	Complete(ctx context.Context, buyerID, key string, res orders.CreateOrderResult) error
	Release(ctx context.Context, buyerID, key string) error
}

// OrdersHandler exposes the order service over HTTP. Cache and Idempotency
// are optional.
type OrdersHandler struct {
	Service     OrderService
	Cache       StatusCache
	Idempotency IdempotencyStore
	Logger      *zap.Logger
}

type createOrderReq struct {
	SellerID      string             `json:"sellerId"`
	PaymentMethod string             `json:"paymentMethod"`
	Items         []orders.ItemInput `json:"items"`
}

type updateStatusReq struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type updatePaymentReq struct {
	PaymentStatus string `json:"paymentStatus"`
}

type restockReq struct {
	Quantity    int              `json:"quantity"`
	CustomPrice *decimal.Decimal `json:"customPrice"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/orders", h.createOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{orderId}", h.getOrder)
		r.Get("/orders/{orderId}/status", h.getStatus)
		r.Patch("/orders/{orderId}/status", h.updateStatus)
		r.Post("/orders/{orderId}/cancel", h.cancelOrder)
		r.Patch("/orders/{orderId}/payment", h.updatePayment)
		r.Put("/products/{productId}/stock", h.restock)
	})
	r.Get("/products/{productId}/stock", h.getStock)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID := UserID(ctx)
	var req createOrderReq
	if !decode(w, r, &req) {
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	claimed := false
	if idemKey != "" && h.Idempotency != nil {
		state, res, err := h.Idempotency.Claim(ctx, buyerID, idemKey)
		switch {
		case err != nil:
			h.logger(ctx).Warn("idempotency claim failed", zap.Error(err))
		case state == redisx.ClaimCompleted:
			w.Header().Set(HeaderIdempotentHit, "true")
			writeJSON(w, http.StatusOK, res)
			return
		case state == redisx.ClaimPending:
			w.Header().Set("Retry-After", "1")
			WriteError(ctx, w, NewError("idempotency_in_progress", "a request with this Idempotency-Key is still in progress", http.StatusConflict).
				WithDetails(map[string]any{"kind": string(orders.KindConflict)}))
			return
		default:
			claimed = true
		}
	}

	res, err := h.Service.CreateOrder(ctx, orders.CreateOrderInput{
		BuyerID:       buyerID,
		SellerID:      req.SellerID,
		Items:         req.Items,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		if claimed {
			if rerr := h.Idempotency.Release(context.WithoutCancel(ctx), buyerID, idemKey); rerr != nil {
				h.logger(ctx).Warn("idempotency release failed", zap.Error(rerr))
			}
		}
		WriteError(ctx, w, FromError(err))
		return
	}
	if claimed {
		if err := h.Idempotency.Complete(context.WithoutCancel(ctx), buyerID, idemKey, res); err != nil {
			h.logger(ctx).Warn("idempotency complete failed", zap.String("order_id", res.OrderID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, ok := intParam(w, r, "page")
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	res, err := h.Service.ListOrders(r.Context(), orders.ListFilter{
		RequesterID: UserID(r.Context()),
		Role:        orders.Role(strings.ToLower(strings.TrimSpace(q.Get("role")))),
		Status:      orders.Status(strings.TrimSpace(q.Get("status"))),
		Page:        page,
		Limit:       limit,
	})
	if err != nil {
		WriteError(r.Context(), w, FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Service.GetOrder(r.Context(), chi.URLParam(r, "orderId"), UserID(r.Context()))
	if err != nil {
		WriteError(r.Context(), w, FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// getStatus serves from the status cache and falls back to the store.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderId")
	requester := UserID(ctx)

	if h.Cache != nil {
		snap, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.logger(ctx).Warn("status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		} else if ok {
			if requester != snap.BuyerID && requester != snap.SellerID {
				WriteError(ctx, w, NewError("order_forbidden", "requester is not a party to this order", http.StatusForbidden).
					WithDetails(map[string]any{"kind": string(orders.KindForbidden)}))
				return
			}
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	detail, err := h.Service.GetOrder(ctx, orderID, requester)
	if err != nil {
		WriteError(ctx, w, FromError(err))
		return
	}
	snap := redisx.SnapshotOf(detail.Order)
	if h.Cache != nil {
		if _, err := h.Cache.Put(ctx, snap); err != nil {
			h.logger(ctx).Warn("status cache write failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if !decode(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "orderId")
	res, err := h.Service.UpdateOrderStatus(r.Context(), orderID, UserID(r.Context()), orders.Status(req.Status), req.Message)
	if err != nil {
		WriteError(r.Context(), w, FromError(err))
		return
	}
	h.invalidate(r.Context(), orderID, res.UpdatedAt)
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if !decodeOptional(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "orderId")
	res, err := h.Service.CancelOrder(r.Context(), orderID, UserID(r.Context()), req.Reason)
	if err != nil {
		WriteError(r.Context(), w, FromError(err))
		return
	}
	h.invalidate(r.Context(), orderID, res.UpdatedAt)
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) updatePayment(w http.ResponseWriter, r *http.Request) {
	var req updatePaymentReq
	if !decode(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "orderId")
	res, err := h.Service.UpdatePaymentStatus(r.Context(), orderID, UserID(r.Context()), orders.PaymentStatus(req.PaymentStatus))
	if err != nil {
		WriteError(r.Context(), w, FromError(err))
		return
	}
	h.invalidate(r.Context(), orderID, res.UpdatedAt)
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Service.Restock(r.Context(), orders.RestockInput{
		ProductID:   chi.URLParam(r, "productId"),
		SellerID:    UserID(r.Context()),
		Quantity:    req.Quantity,
		CustomPrice: req.CustomPrice,
	})
	if err != nil {
		WriteError(r.Context(), w, FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *OrdersHandler) getStock(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.GetStock(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		WriteError(r.Context(), w, FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// invalidate fences the cached status below the version just written.
func (h *OrdersHandler) invalidate(ctx context.Context, orderID string, updatedAt time.Time) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(ctx, orderID, updatedAt.UnixMicro()); err != nil {
		h.logger(ctx).Warn("status cache invalidate failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (h *OrdersHandler) logger(ctx context.Context) *zap.Logger {
	return logging.FromContext(ctx, h.Logger)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(r.Context(), w, NewError("invalid_json", "request body is not valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	WriteError(r.Context(), w, NewError("invalid_json", "request body is not valid JSON", http.StatusBadRequest))
	return false
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		WriteError(r.Context(), w, NewError("invalid_"+name, name+" must be an integer", http.StatusBadRequest))
		return 0, false
	}
	return n, true
}
