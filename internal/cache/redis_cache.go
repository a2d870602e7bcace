package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func receiptKey(logID uuid.UUID) string {
	return "receipt:" + logID.String()
}

func (c *RedisCache) StoreReceipt(ctx context.Context, logID uuid.UUID, remoteMessageID string, sentAt time.Time) error {
	val := Receipt{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, receiptKey(logID), b, c.ttl).Err()
}

func (c *RedisCache) LookupReceipt(ctx context.Context, logID uuid.UUID) (Receipt, bool, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(logID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, false, err
	}
	return r, true, nil
}
