package redisx

import "time"

const (
	// Idempotency checkout: idem:checkout:{user_id}:{idempotency_key} -> order_id ("pending" saat diproses)
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "payment_status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Access token payment gateway: gateway_token:{gateway}
	KeyGatewayToken = "gateway_token:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	// Paymob tokens live for an hour; refresh a bit earlier.
	TTLGatewayToken = 50 * time.Minute
)
