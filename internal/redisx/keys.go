package redisx

import "time"

const (
	// Idempotent create: idem:order:create:{buyer_id}:{idempotency_key} -> {"state":"pending"|"done","result":...}
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Status snapshot: order_status:{order_id} -> StatusSnapshot JSON
	KeyOrderStatus = "order_status:%s"

	// Event dedup: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency        = 24 * time.Hour
	TTLIdempotencyPending = 30 * time.Second
	TTLStatusCache        = 5 * time.Minute
	TTLDedup              = 48 * time.Hour
)
