package idempotency

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreClaimSaveRelease(t *testing.T) {
	client := newRedisTestClient(t)
	store := NewRedisStore(client, "megatest-test:"+uuid.NewString())
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "launch", "key-1", "owner-a", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed: claimed=%v err=%v", claimed, err)
	}
	claimed, err = store.Claim(ctx, "launch", "key-1", "owner-b", time.Minute)
	if err != nil || claimed {
		t.Fatalf("expected competing claim to fail: claimed=%v err=%v", claimed, err)
	}

	created := time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, "launch", "key-1", Entry{TestID: "abc", CreatedAt: created}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	entry, ok, err := store.Get(ctx, "launch", "key-1")
	if err != nil || !ok {
		t.Fatalf("expected saved entry: ok=%v err=%v", ok, err)
	}
	if entry.TestID != "abc" || !entry.CreatedAt.Equal(created) {
		t.Fatalf("unexpected entry %+v", entry)
	}

	// A foreign owner cannot drop the claim.
	if err := store.Release(ctx, "launch", "key-1", "owner-b"); err != nil {
		t.Fatalf("release foreign: %v", err)
	}
	if claimed, _ := store.Claim(ctx, "launch", "key-1", "owner-c", time.Minute); claimed {
		t.Fatalf("claim should still be held by owner-a")
	}
	if err := store.Release(ctx, "launch", "key-1", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if claimed, err := store.Claim(ctx, "launch", "key-1", "owner-c", time.Minute); err != nil || !claimed {
		t.Fatalf("expected claim after release: claimed=%v err=%v", claimed, err)
	}
}

func newRedisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
