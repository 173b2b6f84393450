package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

// StatusSnapshot is the cached view of an order's status. Version is the
// order's updatedAt in microseconds and orders snapshots of the same order.
type StatusSnapshot struct {
	OrderID       string               `json:"orderId"`
	BuyerID       string               `json:"buyerId"`
	SellerID      string               `json:"sellerId"`
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"paymentStatus"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	Version       int64                `json:"v"`
}

// SnapshotOf builds a snapshot from an order.
func SnapshotOf(o orders.Order) StatusSnapshot {
	return StatusSnapshot{
		OrderID:       o.ID,
		BuyerID:       o.BuyerID,
		SellerID:      o.SellerID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		UpdatedAt:     o.UpdatedAt,
		Version:       o.UpdatedAt.UnixMicro(),
	}
}

// setIfNewer refuses to replace a snapshot carrying a higher version.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and type(doc) == 'table' and doc.v and tonumber(doc.v) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStatusCache(rdb redis.Cmdable, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = TTLStatusCache
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

func statusKey(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }

// Get returns the snapshot and false on a miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (StatusSnapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, statusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusSnapshot{}, false, nil
	}
	if err != nil {
		return StatusSnapshot{}, false, err
	}
	var doc struct {
		StatusSnapshot
		Tombstone bool `json:"tombstone"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return StatusSnapshot{}, false, fmt.Errorf("decode status snapshot %s: %w", orderID, err)
	}
	if doc.Tombstone {
		return StatusSnapshot{}, false, nil
	}
	return doc.StatusSnapshot, true, nil
}

// Put stores snap unless a newer snapshot is already cached. It reports whether it wrote.
func (c *StatusCache) Put(ctx context.Context, snap StatusSnapshot) (bool, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}
	n, err := setIfNewer.Run(ctx, c.rdb, []string{statusKey(snap.OrderID)}, raw, snap.Version, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Invalidate replaces the cached snapshot with a tombstone at version floor.
// Reads miss until a snapshot at or above floor is put, so a reader that
// loaded the order before the write cannot cache its stale view afterwards.
func (c *StatusCache) Invalidate(ctx context.Context, orderID string, floor int64) error {
	raw, err := json.Marshal(map[string]any{"orderId": orderID, "v": floor, "tombstone": true})
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, c.rdb, []string{statusKey(orderID)}, raw, floor, c.ttl.Milliseconds()).Err()
}
