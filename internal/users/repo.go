// Package users answers user-directory lookups for the order core.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

type Repo struct{ DB *pgxpool.Pool }

var _ orders.UserDirectory = (*Repo)(nil)

func (r *Repo) Exists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("users: exists %s: %w", userID, err)
	}
	return ok, nil
}

func (r *Repo) GetRole(ctx context.Context, userID string) (orders.AccountRole, error) {
	var role string
	err := r.DB.QueryRow(ctx, `SELECT role FROM users WHERE id=$1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", userID, orders.ErrRecordNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("users: role of %s: %w", userID, err)
	}
	return orders.AccountRole(role), nil
}
