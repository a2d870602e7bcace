package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	// Start in-memory Redis
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, NewRedisCache(rdb, ttl)
}

func TestRedisCache_StoreReceipt_Success(t *testing.T) {
	t.Parallel()

	mr, cache := newTestCache(t, 10*time.Second)

	ctx := context.Background()
	logID := uuid.MustParse("0b6c1c1e-8f3e-4a55-9d7b-2a4f0c2f9a01")
	remoteID := "remote-123"
	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	if err := cache.StoreReceipt(ctx, logID, remoteID, sentAt); err != nil {
		t.Fatalf("StoreReceipt() error: %v", err)
	}

	key := "receipt:" + logID.String()

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}

	ttlRemaining := mr.TTL(key)
	if ttlRemaining <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttlRemaining)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got Receipt
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}

	if got.RemoteMessageID != remoteID {
		t.Fatalf("expected RemoteMessageID %q, got %q", remoteID, got.RemoteMessageID)
	}
	if !got.SentAt.Equal(sentAt.UTC()) {
		t.Fatalf("expected SentAt %v, got %v", sentAt.UTC(), got.SentAt)
	}
}

func TestRedisCache_LookupReceipt(t *testing.T) {
	t.Parallel()

	_, cache := newTestCache(t, time.Minute)
	ctx := context.Background()
	logID := uuid.New()

	_, ok, err := cache.LookupReceipt(ctx, logID)
	if err != nil {
		t.Fatalf("LookupReceipt() error: %v", err)
	}
	if ok {
		t.Fatalf("expected no receipt before store")
	}

	// First write
	if err := cache.StoreReceipt(ctx, logID, "first", time.Now()); err != nil {
		t.Fatalf("first StoreReceipt() error: %v", err)
	}
	// Second write should overwrite
	if err := cache.StoreReceipt(ctx, logID, "second", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("second StoreReceipt() error: %v", err)
	}

	got, ok, err := cache.LookupReceipt(ctx, logID)
	if err != nil {
		t.Fatalf("LookupReceipt() error: %v", err)
	}
	if !ok {
		t.Fatalf("expected receipt to be found")
	}
	if got.RemoteMessageID != "second" {
		t.Fatalf("expected overwritten RemoteMessageID %q, got %q", "second", got.RemoteMessageID)
	}
}

func TestRedisCache_ReceiptExpires(t *testing.T) {
	t.Parallel()

	mr, cache := newTestCache(t, time.Second)
	ctx := context.Background()
	logID := uuid.New()

	if err := cache.StoreReceipt(ctx, logID, "r", time.Now()); err != nil {
		t.Fatalf("StoreReceipt() error: %v", err)
	}

	mr.FastForward(2 * time.Second)

	_, ok, err := cache.LookupReceipt(ctx, logID)
	if err != nil {
		t.Fatalf("LookupReceipt() error: %v", err)
	}
	if ok {
		t.Fatalf("expected receipt to expire")
	}
}

func TestRedisCache_StoreReceipt_ContextCanceled(t *testing.T) {
	t.Parallel()

	_, cache := newTestCache(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cache.StoreReceipt(ctx, uuid.New(), "x", time.Now())
	if err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}
