package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memStore runs every unit under one mutex against a staged copy of the
// state, which gives serializable semantics for tests.
type memStore struct {
	mu sync.Mutex
	st memState

	// failCommits makes the next n units abort with a conflict after fn ran.
	failCommits int
	// commitFirst, when set, is a competing writer that commits just before
	// the next unit; that unit then aborts with a conflict.
	commitFirst func(st *memState)
	txCalls     int
}

type memState struct {
	orders  map[string]Order
	items   map[string][]OrderItem
	history map[string][]HistoryEntry
	index   map[string]IndexEntry
	stock   map[string]StockRecord
}

func newMemStore() *memStore {
	return &memStore{st: memState{
		orders:  map[string]Order{},
		items:   map[string][]OrderItem{},
		history: map[string][]HistoryEntry{},
		index:   map[string]IndexEntry{},
		stock:   map[string]StockRecord{},
	}}
}

func (s memState) clone() memState {
	out := memState{
		orders:  make(map[string]Order, len(s.orders)),
		items:   make(map[string][]OrderItem, len(s.items)),
		history: make(map[string][]HistoryEntry, len(s.history)),
		index:   make(map[string]IndexEntry, len(s.index)),
		stock:   make(map[string]StockRecord, len(s.stock)),
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.items {
		out.items[k] = append([]OrderItem(nil), v...)
	}
	for k, v := range s.history {
		out.history[k] = append([]HistoryEntry(nil), v...)
	}
	for k, v := range s.index {
		out.index[k] = v
	}
	for k, v := range s.stock {
		out.stock[k] = v
	}
	return out
}

func (m *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCalls++

	stage := m.st.clone()
	if err := fn(ctx, &memTx{st: stage}); err != nil {
		return err
	}
	if m.commitFirst != nil {
		m.commitFirst(&m.st)
		m.commitFirst = nil
		return newConflict(errors.New("could not serialize access"))
	}
	if m.failCommits > 0 {
		m.failCommits--
		return newConflict(errors.New("could not serialize access"))
	}
	m.st = stage
	return nil
}

func (m *memStore) GetOrder(_ context.Context, orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: m.st}).getOrder(orderID)
}

func (m *memStore) ListItems(_ context.Context, orderID string) ([]OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderItem(nil), m.st.items[orderID]...), nil
}

func (m *memStore) ListHistory(_ context.Context, orderID string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]HistoryEntry(nil), m.st.history[orderID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *memStore) ListIndex(_ context.Context, f ListFilter) ([]IndexEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []IndexEntry
	for _, e := range m.st.index {
		party := e.BuyerID
		if f.Role == RoleSeller {
			party = e.SellerID
		}
		if party != f.RequesterID || (f.Status != "" && e.Status != f.Status) {
			continue
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].OrderID > all[j].OrderID
	})
	start := (f.Page - 1) * f.Limit
	if start > len(all) {
		start = len(all)
	}
	end := start + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m *memStore) GetStock(_ context.Context, productID string) (StockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.st.stock[productID]
	if !ok {
		return StockRecord{}, fmt.Errorf("stock %s: %w", productID, ErrRecordNotFound)
	}
	return rec, nil
}

// seedStock writes a record outside of any unit.
func (m *memStore) seedStock(productID string, inventory int, customPrice *decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.stock[productID] = StockRecord{ProductID: productID, Inventory: inventory, CustomPrice: customPrice}
}

func (m *memStore) stockOf(t *testing.T, productID string) StockRecord {
	t.Helper()
	rec, err := m.GetStock(context.Background(), productID)
	require.NoError(t, err)
	return rec
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.orders)
}

type memTx struct {
	st memState
}

func (t *memTx) getOrder(orderID string) (Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", orderID, ErrRecordNotFound)
	}
	return o, nil
}

func (t *memTx) GetOrder(_ context.Context, orderID string) (Order, error) { return t.getOrder(orderID) }

func (t *memTx) ListItems(_ context.Context, orderID string) ([]OrderItem, error) {
	return append([]OrderItem(nil), t.st.items[orderID]...), nil
}

func (t *memTx) InsertOrder(_ context.Context, o Order) error {
	if _, dup := t.st.orders[o.ID]; dup {
		return newConflict(fmt.Errorf("duplicate order %s", o.ID))
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *memTx) InsertItems(_ context.Context, items []OrderItem) error {
	for _, it := range items {
		t.st.items[it.OrderID] = append(t.st.items[it.OrderID], it)
	}
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, h HistoryEntry) error {
	t.st.history[h.OrderID] = append(t.st.history[h.OrderID], h)
	return nil
}

func (t *memTx) UpsertIndex(_ context.Context, e IndexEntry) error {
	t.st.index[e.OrderID] = e
	return nil
}

func (t *memTx) UpdateStatus(_ context.Context, orderID string, from, to Status, at time.Time) error {
	o, err := t.getOrder(orderID)
	if err != nil {
		return err
	}
	if o.Status != from {
		return ErrStaleStatus
	}
	o.Status, o.UpdatedAt = to, at
	t.st.orders[orderID] = o
	return nil
}

func (t *memTx) UpdatePaymentStatus(_ context.Context, orderID string, from, to PaymentStatus, at time.Time) error {
	o, err := t.getOrder(orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus != from {
		return ErrStaleStatus
	}
	o.PaymentStatus, o.UpdatedAt = to, at
	t.st.orders[orderID] = o
	return nil
}

func (t *memTx) ApplyStockDelta(_ context.Context, productID string, d StockDelta, at time.Time) (StockRecord, error) {
	rec, ok := t.st.stock[productID]
	if !ok {
		if !d.Create {
			return StockRecord{}, fmt.Errorf("stock %s: %w", productID, ErrRecordNotFound)
		}
		rec = StockRecord{ProductID: productID}
	}
	if rec.Inventory+d.Inventory < 0 || rec.SoldCount+d.Sold < 0 {
		return StockRecord{}, &NegativeStockError{ProductID: productID, Inventory: rec.Inventory, SoldCount: rec.SoldCount}
	}
	rec.Inventory += d.Inventory
	rec.SoldCount += d.Sold
	rec.LastEdited = at
	t.st.stock[productID] = rec
	return rec, nil
}

func (t *memTx) SetCustomPrice(_ context.Context, productID string, p StockPrice, at time.Time) error {
	rec, ok := t.st.stock[productID]
	if !ok {
		return fmt.Errorf("stock %s: %w", productID, ErrRecordNotFound)
	}
	rec.CustomPrice = p.Price
	rec.LastEdited = at
	t.st.stock[productID] = rec
	return nil
}

type stubCatalog struct {
	products map[string]CatalogProduct
	get      func(ctx context.Context, productID string) (CatalogProduct, error)
}

func (c *stubCatalog) GetProduct(ctx context.Context, productID string) (CatalogProduct, error) {
	if c.get != nil {
		return c.get(ctx, productID)
	}
	p, ok := c.products[productID]
	if !ok {
		return CatalogProduct{}, fmt.Errorf("product %s: %w", productID, ErrRecordNotFound)
	}
	return p, nil
}

type stubUsers struct {
	roles  map[string]AccountRole
	exists func(ctx context.Context, userID string) (bool, error)
}

func (u *stubUsers) Exists(ctx context.Context, userID string) (bool, error) {
	if u.exists != nil {
		return u.exists(ctx, userID)
	}
	_, ok := u.roles[userID]
	return ok, nil
}

func (u *stubUsers) GetRole(_ context.Context, userID string) (AccountRole, error) {
	r, ok := u.roles[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, ErrRecordNotFound)
	}
	return r, nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureEvents) PublishOrderEvent(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *captureEvents) ofType(typ string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// tickClock advances one millisecond per reading.
type tickClock struct {
	base time.Time
	n    atomic.Int64
}

func (c *tickClock) Now() time.Time {
	return c.base.Add(time.Duration(c.n.Add(1)) * time.Millisecond)
}

const (
	buyerID  = "buyer-1"
	sellerID = "seller-1"
	otherID  = "stranger-1"
	productP = "prod-p"
	productQ = "prod-q"
)

type fixture struct {
	svc     *Service
	store   *memStore
	catalog *stubCatalog
	users   *stubUsers
	events  *captureEvents
}

func newFixture(t *testing.T, opts ...func(*ServiceDeps)) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		catalog: &stubCatalog{products: map[string]CatalogProduct{
			productP: {ID: productP, OwnerID: sellerID, Name: "Pencil", BasePrice: decimal.NewFromInt(10), Status: ProductStatusActive},
			productQ: {ID: productQ, OwnerID: sellerID, Name: "Quill", BasePrice: decimal.NewFromInt(20), Status: ProductStatusActive},
		}},
		users: &stubUsers{roles: map[string]AccountRole{
			buyerID:  AccountBuyer,
			sellerID: AccountSeller,
			otherID:  AccountBuyer,
		}},
		events: &captureEvents{},
	}
	f.store.seedStock(productP, 5, nil)
	f.store.seedStock(productQ, 5, nil)

	clock := &tickClock{base: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	deps := ServiceDeps{
		Store:      f.store,
		Catalog:    f.catalog,
		Users:      f.users,
		Events:     f.events,
		Clock:      clock.Now,
		RetryDelay: time.Millisecond,
	}
	for _, o := range opts {
		o(&deps)
	}
	svc, err := NewService(deps)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) createOrder(t *testing.T, items ...ItemInput) CreateOrderResult {
	t.Helper()
	res, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Items:         items,
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	return res
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}
