package slot

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"
)

func TestInMemoryGuardAcquireRelease(t *testing.T) {
	guard := NewInMemoryGuard()
	ctx := context.Background()

	first, ok, err := guard.Acquire(ctx, "worker-1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if first.Token == 0 {
		t.Fatalf("expected fencing token")
	}

	_, ok, err = guard.Acquire(ctx, "worker-2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire to fail while slot held")
	}

	if err := guard.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}

	third, ok, err := guard.Acquire(ctx, "worker-2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire 3: %v", err)
	}
	if !ok {
		t.Fatalf("expected acquire after release to succeed")
	}
	if third.Token <= first.Token {
		t.Fatalf("expected monotonic fencing token")
	}
}

func TestInMemoryGuardExpires(t *testing.T) {
	guard := NewInMemoryGuard()
	ctx := context.Background()

	stale, ok, err := guard.Acquire(ctx, "worker-1", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok, err := guard.Acquire(ctx, "worker-2", time.Second); err != nil || !ok {
		t.Fatalf("expected expired slot to be acquirable: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := guard.Renew(ctx, stale, time.Second); ok {
		t.Fatalf("expected stale ticket renew to fail")
	}
	if err := guard.Release(ctx, stale); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, ok, _ := guard.Acquire(ctx, "worker-3", time.Second); ok {
		t.Fatalf("stale release must not free the slot")
	}
}

func TestInMemoryGuardRejectsBlankHolder(t *testing.T) {
	if _, _, err := NewInMemoryGuard().Acquire(context.Background(), " ", time.Second); err == nil {
		t.Fatalf("expected error for blank holder")
	}
}

func TestKeepRenewsUntilStopped(t *testing.T) {
	guard := NewInMemoryGuard()
	ctx := context.Background()

	ticket, ok, err := guard.Acquire(ctx, "worker-1", 30*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	stop := Keep(ctx, guard, ticket, 30*time.Millisecond, log.New(io.Discard, "", 0), nil)

	time.Sleep(100 * time.Millisecond)
	if _, ok, _ := guard.Acquire(ctx, "worker-2", time.Second); ok {
		t.Fatalf("expected kept slot to stay held")
	}

	stop()
	stop()
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := guard.Acquire(ctx, "worker-2", time.Second); !ok {
		t.Fatalf("expected slot to expire after keeper stopped")
	}
}

func TestKeepReportsLostSlot(t *testing.T) {
	guard := NewInMemoryGuard()
	ctx := context.Background()

	ticket, _, _ := guard.Acquire(ctx, "worker-1", 30*time.Millisecond)
	if err := guard.Release(ctx, ticket); err != nil {
		t.Fatalf("release: %v", err)
	}

	var lost atomic.Int32
	stop := Keep(ctx, guard, ticket, 30*time.Millisecond, log.New(io.Discard, "", 0), func() { lost.Add(1) })
	defer stop()

	deadline := time.Now().Add(time.Second)
	for lost.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if lost.Load() != 1 {
		t.Fatalf("expected lost callback once, got %d", lost.Load())
	}
}
