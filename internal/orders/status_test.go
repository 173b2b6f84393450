package orders

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideCoversEveryTriple(t *testing.T) {
	type key struct {
		from, to Status
		role     Role
	}
	allowed := map[key]bool{
		{StatusPending, StatusProcessing, RoleSeller}:   true,
		{StatusPending, StatusCancelled, RoleSeller}:    true,
		{StatusPending, StatusCancelled, RoleBuyer}:     true,
		{StatusProcessing, StatusShipped, RoleSeller}:   true,
		{StatusProcessing, StatusCancelled, RoleSeller}: true,
		{StatusProcessing, StatusCancelled, RoleBuyer}:  true,
		{StatusShipped, StatusDelivered, RoleSeller}:    true,
		{StatusShipped, StatusCancelled, RoleSeller}:    true,
		{StatusShipped, StatusCancelled, RoleBuyer}:     true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			for _, role := range []Role{RoleBuyer, RoleSeller, RoleNone} {
				d, err := Decide(from, to, role)
				if allowed[key{from, to, role}] {
					require.NoError(t, err, "%s -> %s as %q", from, to, role)
					require.Equal(t, to == StatusCancelled, d.ReleaseStock)
					continue
				}
				require.Error(t, err, "%s -> %s as %q", from, to, role)
				kind := KindOf(err)
				require.Contains(t, []Kind{KindForbidden, KindInvalidTransition}, kind)
				if role == RoleNone {
					require.Equal(t, KindForbidden, kind)
				}
			}
		}
	}
}

func TestDecideChecksActorBeforeEdge(t *testing.T) {
	_, err := Decide(StatusDelivered, StatusShipped, RoleBuyer)
	requireKind(t, err, KindForbidden)

	_, err = Decide(StatusDelivered, StatusCancelled, RoleBuyer)
	requireKind(t, err, KindInvalidTransition)

	var oe *Error
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "delivered", oe.Details["current"])
	require.Equal(t, "cancelled", oe.Details["target"])
}

func TestRefundedIsNotReachableByStatusPath(t *testing.T) {
	for _, from := range allStatuses {
		require.False(t, CanTransition(from, StatusRefunded), from)
	}
	for _, to := range allStatuses {
		require.False(t, CanTransition(StatusRefunded, to), to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	require.True(t, StatusDelivered.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.True(t, StatusRefunded.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusShipped.Terminal())
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(" Shipped ")
	require.True(t, ok)
	require.Equal(t, StatusShipped, st)

	_, ok = ParseStatus("lost")
	require.False(t, ok)

	ps, ok := ParsePaymentStatus("REFUNDED")
	require.True(t, ok)
	require.Equal(t, PaymentRefunded, ps)
}

func TestDecidePayment(t *testing.T) {
	cases := []struct {
		from, to PaymentStatus
		role     Role
		want     Kind
	}{
		{PaymentPending, PaymentCompleted, RoleSeller, ""},
		{PaymentPending, PaymentFailed, RoleSeller, ""},
		{PaymentFailed, PaymentPending, RoleSeller, ""},
		{PaymentCompleted, PaymentRefunded, RoleSeller, ""},
		{PaymentPending, PaymentRefunded, RoleSeller, KindInvalidTransition},
		{PaymentRefunded, PaymentCompleted, RoleSeller, KindInvalidTransition},
		{PaymentPending, PaymentCompleted, RoleBuyer, KindForbidden},
		{PaymentPending, PaymentCompleted, RoleNone, KindForbidden},
	}
	for _, tc := range cases {
		err := DecidePayment(tc.from, tc.to, tc.role)
		if tc.want == "" {
			require.NoError(t, err)
			continue
		}
		requireKind(t, err, tc.want)
	}
}

func TestRoleFor(t *testing.T) {
	o := Order{BuyerID: buyerID, SellerID: sellerID}
	require.Equal(t, RoleBuyer, RoleFor(o, buyerID))
	require.Equal(t, RoleSeller, RoleFor(o, sellerID))
	require.Equal(t, RoleNone, RoleFor(o, otherID))
	require.Equal(t, RoleNone, RoleFor(o, ""))
}
