package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed event ids per consumer.
type Deduper struct {
	rdb      redis.Cmdable
	consumer string
	ttl      time.Duration
}

func NewDeduper(rdb redis.Cmdable, consumer string, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return &Deduper{rdb: rdb, consumer: consumer, ttl: ttl}
}

// Seen marks eventID processed and reports whether it already was.
func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	return MarkSeen(ctx, d.rdb, fmt.Sprintf(KeyDedup, d.consumer, eventID), d.ttl)
}

// Forget removes the mark so a failed event can be processed again.
func (d *Deduper) Forget(ctx context.Context, eventID string) error {
	return d.rdb.Del(ctx, fmt.Sprintf(KeyDedup, d.consumer, eventID)).Err()
}
