package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(rdb)
}

func TestManager_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	lease, err := m.Acquire(ctx, "group:jibri-east", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Should be free again immediately.
	lease2, err := m.Acquire(ctx, "group:jibri-east", time.Second)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	_ = lease2.Release(ctx)
}

func TestManager_AcquireContended(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	lease, err := m.Acquire(ctx, "group:jvb-west", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release(ctx)

	_, err = m.Acquire(ctx, "group:jvb-west", 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected second Acquire() to fail while lease is held")
	}
}

func TestLease_ReleaseIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	lease, err := m.Acquire(ctx, "job-creation", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Simulate a stolen/expired lease: someone else writes the key with a
	// different token. This manager's Release must not remove it.
	foreign, err := randomToken()
	if err != nil {
		t.Fatalf("randomToken() error = %v", err)
	}
	if err := m.rdb.Set(ctx, lockKey("job-creation"), foreign, time.Minute).Err(); err != nil {
		t.Fatalf("simulating foreign owner: %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	got, err := m.rdb.Get(ctx, lockKey("job-creation")).Result()
	if err != nil || got != foreign {
		t.Fatalf("foreign lease was deleted by non-owner Release(): got=%q err=%v", got, err)
	}
}

func TestLease_Extend(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	lease, err := m.Acquire(ctx, "group:jibri-east", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := lease.Extend(ctx); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
}
