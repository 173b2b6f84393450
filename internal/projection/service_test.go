package projection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

type fakeCache struct {
	snaps map[string]redisx.StatusSnapshot
	err   error
}

func (c *fakeCache) Put(_ context.Context, snap redisx.StatusSnapshot) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	if cur, ok := c.snaps[snap.OrderID]; ok && cur.Version > snap.Version {
		return false, nil
	}
	c.snaps[snap.OrderID] = snap
	return true, nil
}

type fakeDedup struct {
	seen      map[string]bool
	forgotten []string
}

func (d *fakeDedup) Seen(_ context.Context, id string) (bool, error) {
	if d.seen[id] {
		return true, nil
	}
	d.seen[id] = true
	return false, nil
}

func (d *fakeDedup) Forget(_ context.Context, id string) error {
	delete(d.seen, id)
	d.forgotten = append(d.forgotten, id)
	return nil
}

func newTestService() (*Service, *fakeCache, *fakeDedup) {
	c := &fakeCache{snaps: map[string]redisx.StatusSnapshot{}}
	d := &fakeDedup{seen: map[string]bool{}}
	return &Service{Cache: c, Dedup: d}, c, d
}

func message(t *testing.T, id, typ string, payload any) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	value, err := json.Marshal(orders.Envelope{EventID: id, EventType: typ, EventVersion: 1, Payload: raw})
	require.NoError(t, err)
	return kafka.Message{Value: value}
}

func TestProjectsCreatedThenStatusChange(t *testing.T) {
	svc, cache, _ := newTestService()
	ctx := context.Background()
	created := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, svc.HandleOrderEvent(ctx, message(t, "e1", orders.EventOrderCreated, orders.OrderCreatedPayload{
		OrderID: "o-1", BuyerID: "b", SellerID: "s", CreatedAt: created,
	})))
	snap := cache.snaps["o-1"]
	require.Equal(t, orders.StatusPending, snap.Status)
	require.Equal(t, orders.PaymentPending, snap.PaymentStatus)
	require.Equal(t, created.UnixMicro(), snap.Version)

	require.NoError(t, svc.HandleOrderEvent(ctx, message(t, "e2", orders.EventOrderStatusChanged, orders.OrderStatusChangedPayload{
		OrderID: "o-1", BuyerID: "b", SellerID: "s", Status: orders.StatusProcessing,
		PaymentStatus: orders.PaymentPending, UpdatedAt: created.Add(time.Minute),
	})))
	require.Equal(t, orders.StatusProcessing, cache.snaps["o-1"].Status)

	// A late created event must not roll the snapshot back.
	require.NoError(t, svc.HandleOrderEvent(ctx, message(t, "e3", orders.EventOrderCreated, orders.OrderCreatedPayload{
		OrderID: "o-1", BuyerID: "b", SellerID: "s", CreatedAt: created,
	})))
	require.Equal(t, orders.StatusProcessing, cache.snaps["o-1"].Status)
}

func TestPaymentEventUpdatesSnapshot(t *testing.T) {
	svc, cache, _ := newTestService()
	at := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, svc.HandleOrderEvent(context.Background(), message(t, "e1", orders.EventOrderPaymentChanged, orders.OrderStatusChangedPayload{
		OrderID: "o-2", Status: orders.StatusPending, PaymentStatus: orders.PaymentCompleted, UpdatedAt: at,
	})))
	require.Equal(t, orders.PaymentCompleted, cache.snaps["o-2"].PaymentStatus)
}

func TestDuplicateEventsAreSkipped(t *testing.T) {
	svc, cache, _ := newTestService()
	ctx := context.Background()
	msg := message(t, "dup", orders.EventOrderStatusChanged, orders.OrderStatusChangedPayload{
		OrderID: "o-1", Status: orders.StatusShipped, UpdatedAt: time.Unix(100, 0),
	})
	require.NoError(t, svc.HandleOrderEvent(ctx, msg))
	delete(cache.snaps, "o-1")
	require.NoError(t, svc.HandleOrderEvent(ctx, msg))
	require.Empty(t, cache.snaps)
}

func TestCacheFailureIsRetryable(t *testing.T) {
	svc, cache, dedup := newTestService()
	cache.err = errors.New("redis: connection refused")
	msg := message(t, "e1", orders.EventOrderStatusChanged, orders.OrderStatusChangedPayload{OrderID: "o-1", Status: orders.StatusShipped})

	require.Error(t, svc.HandleOrderEvent(context.Background(), msg))
	require.Equal(t, []string{"e1"}, dedup.forgotten)

	cache.err = nil
	require.NoError(t, svc.HandleOrderEvent(context.Background(), msg))
	require.Equal(t, orders.StatusShipped, cache.snaps["o-1"].Status)
}

func TestUndecodableAndUnknownEventsAreDropped(t *testing.T) {
	svc, cache, dedup := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.HandleOrderEvent(ctx, kafka.Message{Value: []byte("not json")}))
	require.NoError(t, svc.HandleOrderEvent(ctx, message(t, "e9", "SomethingElse", map[string]string{})))

	bad, err := json.Marshal(orders.Envelope{EventID: "e10", EventType: orders.EventOrderCreated, Payload: json.RawMessage(`"oops"`)})
	require.NoError(t, err)
	require.NoError(t, svc.HandleOrderEvent(ctx, kafka.Message{Value: bad}))

	require.Empty(t, cache.snaps)
	require.Empty(t, dedup.seen)
}
