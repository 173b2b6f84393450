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

// ClaimState is the outcome of claiming an idempotency key.
type ClaimState int

const (
	// ClaimAcquired: the caller owns the key and must Complete or Release it.
	ClaimAcquired ClaimState = iota
	// ClaimPending: another request holds the key and has not finished.
	ClaimPending
	// ClaimCompleted: the key already has a stored result.
	ClaimCompleted
)

const (
	idemStatePending = "pending"
	idemStateDone    = "done"
)

type idemRecord struct {
	State  string                    `json:"state"`
	Result *orders.CreateOrderResult `json:"result,omitempty"`
}

// releasePending deletes the key only while it still holds a pending claim.
var releasePending = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local ok, doc = pcall(cjson.decode, cur)
if ok and type(doc) == 'table' and doc.state == 'pending' then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// IdempotencyStore guards create requests per buyer and client-supplied key.
// A key is claimed with a short-lived pending marker before the order is
// created, so concurrent duplicates never both reach the service. The database
// stays the source of truth; a lost entry only means a later retry may create
// a second order.
type IdempotencyStore struct {
	rdb        redis.Cmdable
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewIdempotencyStore(rdb redis.Cmdable, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = TTLIdempotency
	}
	return &IdempotencyStore{rdb: rdb, ttl: ttl, pendingTTL: TTLIdempotencyPending}
}

func idemKey(buyerID, key string) string { return fmt.Sprintf(KeyIdemOrderCreate, buyerID, key) }

// Claim tries to take the key. When it is already taken, the stored result
// is returned for a completed request.
func (s *IdempotencyStore) Claim(ctx context.Context, buyerID, key string) (ClaimState, orders.CreateOrderResult, error) {
	k := idemKey(buyerID, key)
	pending, err := json.Marshal(idemRecord{State: idemStatePending})
	if err != nil {
		return ClaimPending, orders.CreateOrderResult{}, err
	}

	// A pending marker may expire between SETNX and GET; one more round covers it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.rdb.SetNX(ctx, k, pending, s.pendingTTL).Result()
		if err != nil {
			return ClaimPending, orders.CreateOrderResult{}, err
		}
		if ok {
			return ClaimAcquired, orders.CreateOrderResult{}, nil
		}

		raw, err := s.rdb.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return ClaimPending, orders.CreateOrderResult{}, err
		}
		var rec idemRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return ClaimPending, orders.CreateOrderResult{}, fmt.Errorf("decode idempotent record: %w", err)
		}
		if rec.State == idemStateDone && rec.Result != nil {
			return ClaimCompleted, *rec.Result, nil
		}
		return ClaimPending, orders.CreateOrderResult{}, nil
	}
	return ClaimPending, orders.CreateOrderResult{}, nil
}

// Complete stores res under a key the caller acquired.
func (s *IdempotencyStore) Complete(ctx context.Context, buyerID, key string, res orders.CreateOrderResult) error {
	raw, err := json.Marshal(idemRecord{State: idemStateDone, Result: &res})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, idemKey(buyerID, key), raw, s.ttl).Err()
}

// Release gives up an acquired key after a failed request so it can be retried.
// A completed record is left alone.
func (s *IdempotencyStore) Release(ctx context.Context, buyerID, key string) error {
	return releasePending.Run(ctx, s.rdb, []string{idemKey(buyerID, key)}).Err()
}
