package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-marketplace-orders/internal/postgres"
)

// Repo is the Postgres Store. Atomic units run SERIALIZABLE; rows touched by
// a unit are additionally locked with FOR UPDATE so conflicting writers queue
// instead of aborting where possible.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *Repo) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
	return classifyStoreError(err)
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	o, err := selectOrder(ctx, r.DB, orderID, false)
	return o, classifyStoreError(err)
}

func (r *Repo) ListItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	items, err := selectItems(ctx, r.DB, orderID)
	return items, classifyStoreError(err)
}

func (r *Repo) ListHistory(ctx context.Context, orderID string) ([]HistoryEntry, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, ts, status, message, updated_by
		FROM order_history WHERE order_id=$1 ORDER BY ts ASC, seq ASC`, orderID)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var st string
		if err := rows.Scan(&h.ID, &h.OrderID, &h.Timestamp, &st, &h.Message, &h.UpdatedBy); err != nil {
			return nil, err
		}
		h.Status = Status(st)
		out = append(out, h)
	}
	return out, classifyStoreError(rows.Err())
}

func (r *Repo) ListIndex(ctx context.Context, f ListFilter) ([]IndexEntry, int, error) {
	where := []string{}
	args := []any{f.RequesterID}
	switch f.Role {
	case RoleSeller:
		where = append(where, "seller_id = $1")
	default:
		where = append(where, "buyer_id = $1")
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM order_index WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, classifyStoreError(err)
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := r.DB.Query(ctx, fmt.Sprintf(`
		SELECT order_id, order_number, buyer_id, seller_id, status, total_amount::text, created_at
		FROM order_index WHERE %s
		ORDER BY created_at DESC, order_id DESC
		LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, classifyStoreError(err)
	}
	defer rows.Close()

	out := []IndexEntry{}
	for rows.Next() {
		var e IndexEntry
		var st, amount string
		if err := rows.Scan(&e.OrderID, &e.OrderNumber, &e.BuyerID, &e.SellerID, &st, &amount, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Status = Status(st)
		if e.TotalAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, 0, fmt.Errorf("decode total for %s: %w", e.OrderID, err)
		}
		out = append(out, e)
	}
	return out, total, classifyStoreError(rows.Err())
}

func (r *Repo) GetStock(ctx context.Context, productID string) (StockRecord, error) {
	rec, err := selectStock(ctx, r.DB, productID, false)
	return rec, classifyStoreError(err)
}

type pgTx struct{ q querier }

func (t *pgTx) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return selectOrder(ctx, t.q, orderID, true)
}

func (t *pgTx) ListItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	return selectItems(ctx, t.q, orderID)
}

func (t *pgTx) InsertOrder(ctx context.Context, o Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders(id, order_number, buyer_id, seller_id, status, payment_status, payment_method, total_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)`,
		o.ID, o.OrderNumber, o.BuyerID, o.SellerID, string(o.Status), string(o.PaymentStatus),
		o.PaymentMethod, o.TotalAmount.String(), o.CreatedAt, o.UpdatedAt)
	return err
}

func (t *pgTx) InsertItems(ctx context.Context, items []OrderItem) error {
	for _, it := range items {
		var options *string
		if len(it.Options) > 0 {
			s := string(it.Options)
			options = &s
		}
		if _, err := t.q.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, name, price, quantity, options)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::jsonb)`,
			it.ID, it.OrderID, it.ProductID, it.Name, it.Price.String(), it.Quantity, options); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, h HistoryEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO order_history(id, order_id, ts, status, message, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.OrderID, h.Timestamp, string(h.Status), h.Message, h.UpdatedBy)
	return err
}

func (t *pgTx) UpsertIndex(ctx context.Context, e IndexEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO order_index(order_id, order_number, buyer_id, seller_id, status, total_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		ON CONFLICT (order_id) DO UPDATE SET status = EXCLUDED.status`,
		e.OrderID, e.OrderNumber, e.BuyerID, e.SellerID, string(e.Status), e.TotalAmount.String(), e.CreatedAt)
	return err
}

func (t *pgTx) UpdateStatus(ctx context.Context, orderID string, from, to Status, at time.Time) error {
	ct, err := t.q.Exec(ctx, `UPDATE orders SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		orderID, string(from), string(to), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrStaleStatus
	}
	return nil
}

func (t *pgTx) UpdatePaymentStatus(ctx context.Context, orderID string, from, to PaymentStatus, at time.Time) error {
	ct, err := t.q.Exec(ctx, `UPDATE orders SET payment_status=$3, updated_at=$4 WHERE id=$1 AND payment_status=$2`,
		orderID, string(from), string(to), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrStaleStatus
	}
	return nil
}

func (t *pgTx) ApplyStockDelta(ctx context.Context, productID string, d StockDelta, at time.Time) (StockRecord, error) {
	cur, err := selectStock(ctx, t.q, productID, true)
	if errors.Is(err, ErrRecordNotFound) && d.Create {
		if d.Inventory < 0 || d.Sold < 0 {
			return StockRecord{}, &NegativeStockError{ProductID: productID}
		}
		_, err = t.q.Exec(ctx, `
			INSERT INTO stock_records(product_id, inventory, sold_count, last_edited)
			VALUES ($1, $2, $3, $4)`, productID, d.Inventory, d.Sold, at)
		if err != nil {
			return StockRecord{}, err
		}
		return StockRecord{ProductID: productID, Inventory: d.Inventory, SoldCount: d.Sold, LastEdited: at}, nil
	}
	if err != nil {
		return StockRecord{}, err
	}
	if cur.Inventory+d.Inventory < 0 || cur.SoldCount+d.Sold < 0 {
		return StockRecord{}, &NegativeStockError{ProductID: productID, Inventory: cur.Inventory, SoldCount: cur.SoldCount}
	}

	err = t.q.QueryRow(ctx, `
		UPDATE stock_records
		SET inventory = inventory + $2, sold_count = sold_count + $3, last_edited = $4
		WHERE product_id = $1
		RETURNING inventory, sold_count, last_edited`,
		productID, d.Inventory, d.Sold, at).Scan(&cur.Inventory, &cur.SoldCount, &cur.LastEdited)
	if err != nil {
		return StockRecord{}, err
	}
	return cur, nil
}

func (t *pgTx) SetCustomPrice(ctx context.Context, productID string, p StockPrice, at time.Time) error {
	var price *string
	if p.Price != nil {
		s := p.Price.String()
		price = &s
	}
	ct, err := t.q.Exec(ctx, `UPDATE stock_records SET custom_price=$2::numeric, last_edited=$3 WHERE product_id=$1`,
		productID, price, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrRecordNotFound
	}
	return nil
}

func selectOrder(ctx context.Context, q querier, orderID string, forUpdate bool) (Order, error) {
	sql := `
		SELECT id, order_number, buyer_id, seller_id, status, payment_status, payment_method,
		       total_amount::text, created_at, updated_at
		FROM orders WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var o Order
	var st, ps, total string
	err := q.QueryRow(ctx, sql, orderID).Scan(&o.ID, &o.OrderNumber, &o.BuyerID, &o.SellerID, &st, &ps,
		&o.PaymentMethod, &total, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrRecordNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status, o.PaymentStatus = Status(st), PaymentStatus(ps)
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return Order{}, fmt.Errorf("decode total for %s: %w", orderID, err)
	}
	return o, nil
}

func selectItems(ctx context.Context, q querier, orderID string) ([]OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, name, price::text, quantity, options::text
		FROM order_items WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		var price string
		var options *string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Name, &price, &it.Quantity, &options); err != nil {
			return nil, err
		}
		if it.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("decode price for %s/%s: %w", orderID, it.ProductID, err)
		}
		if options != nil {
			it.Options = []byte(*options)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func selectStock(ctx context.Context, q querier, productID string, forUpdate bool) (StockRecord, error) {
	sql := `SELECT product_id, inventory, sold_count, custom_price::text, last_edited FROM stock_records WHERE product_id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var rec StockRecord
	var custom *string
	err := q.QueryRow(ctx, sql, productID).Scan(&rec.ProductID, &rec.Inventory, &rec.SoldCount, &custom, &rec.LastEdited)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return StockRecord{}, err
	}
	if custom != nil {
		price, err := decimal.NewFromString(*custom)
		if err != nil {
			return StockRecord{}, fmt.Errorf("decode custom price for %s: %w", productID, err)
		}
		rec.CustomPrice = &price
	}
	return rec, nil
}

// classifyStoreError turns driver failures into Conflict / ServiceUnavailable.
// Domain errors and sentinels pass through untouched.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrRecordNotFound):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return newUnavailable("store_timeout", err)
	case postgres.IsConflict(err):
		return newConflict(err)
	case postgres.IsUnavailable(err):
		return newUnavailable("store_unavailable", err)
	}
	return err
}
