package redisx

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// IdemPending marks a key whose request is still in flight.
const IdemPending = "pending"

// Claim takes key with SETNX. When the key already exists, claimed is false
// and existing holds the stored value (IdemPending or the result id).
func Claim(ctx context.Context, rdb *redis.Client, key string) (existing string, claimed bool, err error) {
	ok, err := rdb.SetNX(ctx, key, IdemPending, TTLIdempotency).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	v, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return IdemPending, false, nil
	}
	return v, false, err
}

func Complete(ctx context.Context, rdb *redis.Client, key, resultID string) error {
	return rdb.Set(ctx, key, resultID, TTLIdempotency).Err()
}

// Release drops a claim so the client can retry after a failure.
func Release(ctx context.Context, rdb *redis.Client, key string) error {
	return rdb.Del(ctx, key).Err()
}
