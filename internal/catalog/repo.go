// Package catalog reads product definitions owned by the catalog service.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

type Repo struct{ DB *pgxpool.Pool }

var _ orders.Catalog = (*Repo)(nil)

func (r *Repo) GetProduct(ctx context.Context, productID string) (orders.CatalogProduct, error) {
	var p orders.CatalogProduct
	var price string
	err := r.DB.QueryRow(ctx, `
		SELECT id, owner_id, name, base_price::text, status FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.OwnerID, &p.Name, &price, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.CatalogProduct{}, fmt.Errorf("product %s: %w", productID, orders.ErrRecordNotFound)
	}
	if err != nil {
		return orders.CatalogProduct{}, fmt.Errorf("catalog: get product %s: %w", productID, err)
	}
	if p.BasePrice, err = decimal.NewFromString(price); err != nil {
		return orders.CatalogProduct{}, fmt.Errorf("catalog: decode price of %s: %w", productID, err)
	}
	return p, nil
}
