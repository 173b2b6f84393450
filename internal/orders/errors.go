package orders

import (
	"errors"
	"fmt"
)

// Kind is the coarse failure class callers branch on.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindInsufficientStock  Kind = "insufficient_stock"
	KindInvalidTransition  Kind = "invalid_transition"
	KindConflict           Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
)

// Error is returned by every Service operation. Code is stable and more
// specific than Kind (for example seller_not_found vs order_not_found).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrConflict) works
// for every conflict regardless of Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Retryable reports whether the operation may succeed if attempted again.
func (e *Error) Retryable() bool {
	return e != nil && (e.Kind == KindConflict || e.Kind == KindServiceUnavailable)
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrInsufficientStock  = &Error{Kind: KindInsufficientStock}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}

	// ErrStaleStatus is returned by a Tx when a status precondition no longer holds.
	ErrStaleStatus = errors.New("orders: order status changed concurrently")
	// ErrRecordNotFound is returned by Store and Tx reads for missing rows.
	ErrRecordNotFound = errors.New("orders: record not found")
)

// KindOf extracts the Kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

func newValidation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func newNotFound(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func newForbidden(code, format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: fmt.Sprintf(format, args...)}
}

func newInvalidTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Code:    "invalid_transition",
		Message: fmt.Sprintf("cannot change status from %s to %s", from, to),
		Details: map[string]any{"current": from, "target": to},
	}
}

func newInsufficientStock(productID string, requested, available int) *Error {
	return &Error{
		Kind:    KindInsufficientStock,
		Code:    "insufficient_stock",
		Message: fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", productID, requested, available),
		Details: map[string]any{"productId": productID, "requested": requested, "available": available},
	}
}

func newConflict(err error) *Error {
	return &Error{Kind: KindConflict, Code: "conflict", Message: "concurrent update, retry the request", Err: err}
}

func newUnavailable(code string, err error) *Error {
	return &Error{Kind: KindServiceUnavailable, Code: code, Message: "dependency unavailable, retry later", Err: err}
}
