package orders

import "strings"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var allStatuses = []Status{StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled, StatusRefunded}

// ParseStatus accepts a case-insensitive status name.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allStatuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch ps := PaymentStatus(strings.ToLower(strings.TrimSpace(s))); ps {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return ps, true
	}
	return "", false
}

// Role is the actor's relation to a specific order.
type Role string

const (
	RoleNone   Role = ""
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// RoleFor resolves which side of the order actorID is on.
func RoleFor(o Order, actorID string) Role {
	switch actorID {
	case "":
		return RoleNone
	case o.SellerID:
		return RoleSeller
	case o.BuyerID:
		return RoleBuyer
	}
	return RoleNone
}

type edge struct {
	buyer  bool
	seller bool
}

// validNext is the order-status transition table. refunded has no inbound
// edge here: it is reached through the payment path only.
var validNext = map[Status]map[Status]edge{
	StatusPending: {
		StatusProcessing: {seller: true},
		StatusCancelled:  {buyer: true, seller: true},
	},
	StatusProcessing: {
		StatusShipped:   {seller: true},
		StatusCancelled: {buyer: true, seller: true},
	},
	StatusShipped: {
		StatusDelivered: {seller: true},
		StatusCancelled: {buyer: true, seller: true},
	},
	StatusDelivered: {},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// CanTransition reports whether from→to is an edge of the graph, ignoring the actor.
func CanTransition(from, to Status) bool {
	_, ok := validNext[from][to]
	return ok
}

// Decision is the state machine's verdict for one transition request.
type Decision struct {
	From Status
	To   Status
	// ReleaseStock is set when every item of the order must be returned to the ledger.
	ReleaseStock bool
}

// Decide checks a transition request. The actor rule is evaluated before the
// edge: a buyer asking to ship is Forbidden even from a terminal state, while a
// buyer cancelling a delivered order is an InvalidTransition.
func Decide(from, to Status, role Role) (Decision, error) {
	if !roleMayRequest(to, role) {
		return Decision{}, newForbidden("transition_forbidden", "actor %q may not move an order to %s", string(role), to)
	}
	e, ok := validNext[from][to]
	if !ok {
		return Decision{}, newInvalidTransition(string(from), string(to))
	}
	if (role == RoleBuyer && !e.buyer) || (role == RoleSeller && !e.seller) {
		return Decision{}, newForbidden("transition_forbidden", "actor %q may not move an order from %s to %s", string(role), from, to)
	}
	return Decision{From: from, To: to, ReleaseStock: to == StatusCancelled}, nil
}

func roleMayRequest(to Status, role Role) bool {
	switch role {
	case RoleSeller:
		return true
	case RoleBuyer:
		return to == StatusCancelled
	}
	return false
}

var validPaymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:   {PaymentCompleted: true, PaymentFailed: true},
	PaymentFailed:    {PaymentPending: true, PaymentCompleted: true},
	PaymentCompleted: {PaymentRefunded: true},
	PaymentRefunded:  {},
}

// DecidePayment checks a payment-status change. Only the seller may record payment outcomes.
func DecidePayment(from, to PaymentStatus, role Role) error {
	if role != RoleSeller {
		return newForbidden("payment_forbidden", "only the seller may update payment status")
	}
	if !validPaymentNext[from][to] {
		return newInvalidTransition("payment:"+string(from), "payment:"+string(to))
	}
	return nil
}
