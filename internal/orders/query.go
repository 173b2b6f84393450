package orders

import (
	"context"
	"errors"
	"strings"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// GetOrder returns the order with its items and ascending history. Only the
// buyer and the seller of the order may read it.
func (s *Service) GetOrder(ctx context.Context, orderID, requesterID string) (OrderDetail, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, ErrRecordNotFound) {
		return OrderDetail{}, newNotFound("order_not_found", "order %s not found", orderID)
	}
	if err != nil {
		return OrderDetail{}, err
	}
	if RoleFor(o, requesterID) == RoleNone {
		return OrderDetail{}, newForbidden("order_forbidden", "not allowed to view order %s", orderID)
	}

	items, err := s.store.ListItems(ctx, orderID)
	if err != nil {
		return OrderDetail{}, err
	}
	history, err := s.store.ListHistory(ctx, orderID)
	if err != nil {
		return OrderDetail{}, err
	}
	if items == nil {
		items = []OrderItem{}
	}
	if history == nil {
		history = []HistoryEntry{}
	}
	return OrderDetail{Order: o, Items: items, History: history}, nil
}

// ListOrders pages through the listing projection, newest first. An empty
// role defaults to the requester's account role in the user directory.
// Results are snapshots and must not drive mutations.
func (s *Service) ListOrders(ctx context.Context, f ListFilter) (ListResult, error) {
	if strings.TrimSpace(f.RequesterID) == "" {
		return ListResult{}, newValidation("requester_required", "requester id is required")
	}
	if f.Status != "" {
		st, ok := ParseStatus(string(f.Status))
		if !ok {
			return ListResult{}, newValidation("invalid_status", "unknown order status %q", f.Status)
		}
		f.Status = st
	}
	switch f.Role {
	case RoleBuyer, RoleSeller:
	case RoleNone:
		var account AccountRole
		err := s.callCollaborator(ctx, "user_directory", func(ctx context.Context) error {
			var err error
			account, err = s.users.GetRole(ctx, f.RequesterID)
			return err
		})
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return ListResult{}, err
		}
		f.Role = RoleBuyer
		if account == AccountSeller {
			f.Role = RoleSeller
		}
	default:
		return ListResult{}, newValidation("invalid_role", "role must be buyer or seller")
	}

	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}

	entries, total, err := s.store.ListIndex(ctx, f)
	if err != nil {
		return ListResult{}, err
	}
	if entries == nil {
		entries = []IndexEntry{}
	}
	return ListResult{
		Orders:     entries,
		Total:      total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: (total + f.Limit - 1) / f.Limit,
	}, nil
}
