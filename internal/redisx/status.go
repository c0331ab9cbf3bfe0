package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type OrderStatus struct {
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func SetOrderStatus(ctx context.Context, rdb *redis.Client, s OrderStatus) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, s.OrderID), b, TTLStatusCache).Err()
}

// GetOrderStatus returns ok=false on a cache miss.
func GetOrderStatus(ctx context.Context, rdb *redis.Client, orderID string) (OrderStatus, bool, error) {
	return decodeStatus(rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes())
}

// SetOrderStatusIfNewer writes s unless the cached entry has a later
// UpdatedAt, and reports whether it wrote. The read and the write run under
// WATCH, so a slower writer holding an older snapshot cannot roll the entry
// back. An unreadable entry is overwritten.
func SetOrderStatusIfNewer(ctx context.Context, rdb *redis.Client, s OrderStatus) (bool, error) {
	key := fmt.Sprintf(KeyOrderStatus, s.OrderID)
	b, err := json.Marshal(s)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		written := false
		err = rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, ok, err := decodeStatus(tx.Get(ctx, key).Bytes())
			if err != nil && !errors.Is(err, errBadEntry) {
				return err
			}
			if ok && cur.UpdatedAt.After(s.UpdatedAt) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, b, TTLStatusCache)
				return nil
			})
			written = err == nil
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return written, err
		}
	}
	return false, err
}

var errBadEntry = errors.New("decode status cache")

func decodeStatus(b []byte, err error) (OrderStatus, bool, error) {
	var s OrderStatus
	if errors.Is(err, redis.Nil) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, false, fmt.Errorf("%w: %v", errBadEntry, err)
	}
	return s, true, nil
}
