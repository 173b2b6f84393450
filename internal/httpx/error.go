package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

// Error is the JSON error envelope returned by the API.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: sanitize(code, 80), Message: sanitize(message, 512), Status: status}
}

// WithDetails attaches additional JSON-serialisable fields.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	cp := make(map[string]any, len(details))
	for k, v := range details {
		cp[k] = v
	}
	e.Details = cp
	return e
}

// statusFor maps an order error kind to its HTTP status.
func statusFor(kind orders.Kind) int {
	switch kind {
	case orders.KindValidation:
		return http.StatusBadRequest
	case orders.KindNotFound:
		return http.StatusNotFound
	case orders.KindForbidden:
		return http.StatusForbidden
	case orders.KindInsufficientStock, orders.KindInvalidTransition, orders.KindConflict:
		return http.StatusConflict
	case orders.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// FromError converts a service error into the envelope. Unknown errors are
// reported without their message.
func FromError(err error) Error {
	var oe *orders.Error
	if !errors.As(err, &oe) {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewError("timeout", "request timed out", http.StatusServiceUnavailable)
		}
		return NewError("internal", "internal error", http.StatusInternalServerError)
	}
	return NewError(oe.Code, oe.Message, statusFor(oe.Kind)).
		WithDetails(map[string]any{"kind": string(oe.Kind)}).
		withExtra(oe.Details)
}

func (e Error) withExtra(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WriteError writes err as JSON.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if id := middleware.GetReqID(ctx); id != "" {
		payload["request_id"] = sanitize(id, 80)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		payload["trace_id"] = sc.TraceID().String()
	}
	for k, v := range err.Details {
		payload[k] = v
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sanitize(value string, limit int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
