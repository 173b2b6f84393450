package orders

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newNotFound("seller_not_found", "seller %s not found", "s-1"))

	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrForbidden)
	require.ErrorIs(t, err, &Error{Kind: KindNotFound, Code: "seller_not_found"})
	require.NotErrorIs(t, err, &Error{Kind: KindNotFound, Code: "order_not_found"})
	require.Equal(t, KindNotFound, KindOf(err))
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestRetryableKinds(t *testing.T) {
	require.True(t, newConflict(nil).Retryable())
	require.True(t, newUnavailable("store_unavailable", errors.New("dial")).Retryable())
	require.False(t, newValidation("items_required", "x").Retryable())
	require.False(t, newInsufficientStock("p", 3, 2).Retryable())
	require.False(t, newInvalidTransition("delivered", "cancelled").Retryable())
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := newConflict(ErrStaleStatus)
	require.ErrorIs(t, err, ErrStaleStatus)
	require.Contains(t, err.Error(), "conflict")
}

func TestInsufficientStockDetails(t *testing.T) {
	err := newInsufficientStock("prod-p", 3, 2)
	require.Equal(t, "prod-p", err.Details["productId"])
	require.Equal(t, 3, err.Details["requested"])
	require.Equal(t, 2, err.Details["available"])
	require.Contains(t, err.Message, "prod-p")
}
