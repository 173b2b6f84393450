package orders

import (
	"context"

	"github.com/shopspring/decimal"
)

// AccountRole is the role the user directory assigns to an account. It is
// unrelated to Role, which is an actor's relation to one particular order.
type AccountRole string

const (
	AccountBuyer  AccountRole = "buyer"
	AccountSeller AccountRole = "seller"
	AccountAdmin  AccountRole = "admin"
)

// UserDirectory is the identity collaborator.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	GetRole(ctx context.Context, userID string) (AccountRole, error)
}

const ProductStatusActive = "active"

type CatalogProduct struct {
	ID        string
	OwnerID   string
	Name      string
	BasePrice decimal.Decimal
	Status    string
}

// Catalog is the product-definition collaborator. GetProduct returns an error
// wrapping ErrRecordNotFound for unknown products.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (CatalogProduct, error)
}
