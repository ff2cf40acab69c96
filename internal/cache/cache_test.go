package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/config"
)

func TestMemoryProviderTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 11, 29, 0, 0, 0, 0, time.UTC)
	p := NewMemoryProvider()
	p.now = func() time.Time { return now }

	if err := p.Set(ctx, "report", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "report")
	if err != nil || string(got) != "v1" {
		t.Fatalf("expected v1, got %q (%v)", got, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := p.Get(ctx, "report"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry to cause a miss, got %v", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	ok, _ := p.SetNX(ctx, "k", []byte("a"), 0)
	if !ok {
		t.Fatalf("first SetNX should succeed")
	}
	ok, _ = p.SetNX(ctx, "k", []byte("b"), 0)
	if ok {
		t.Fatalf("second SetNX should fail")
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if ok, _ = p.SetNX(ctx, "k", []byte("b"), 0); !ok {
		t.Fatalf("SetNX after delete should succeed")
	}
}

func TestLeaseSingleOwner(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 11, 29, 0, 0, 0, 0, time.UTC)
	p := NewMemoryProvider()
	p.now = func() time.Time { return now }

	a := NewLease(p, "owner", "replica-a", 30*time.Second)
	b := NewLease(p, "owner", "replica-b", 30*time.Second)

	if held, err := a.Acquire(ctx); err != nil || !held {
		t.Fatalf("replica-a should acquire: %v", err)
	}
	if held, _ := b.Acquire(ctx); held {
		t.Fatalf("replica-b must not acquire a held lease")
	}

	now = now.Add(20 * time.Second)
	if held, _ := a.Acquire(ctx); !held {
		t.Fatalf("holder should renew")
	}
	now = now.Add(20 * time.Second)
	if held, _ := b.Acquire(ctx); held {
		t.Fatalf("renewed lease must still be held by replica-a")
	}

	now = now.Add(time.Minute)
	if held, _ := b.Acquire(ctx); !held {
		t.Fatalf("replica-b should take over after expiry")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if held, _ := b.Acquire(ctx); !held {
		t.Fatalf("non-holder release must not drop the lease")
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := a.Acquire(ctx); !held {
		t.Fatalf("released lease should be free")
	}
}

// racingProvider runs hook right before a compare-and-expire reaches the store.
type racingProvider struct {
	*MemoryProvider
	hook func()
}

func (r *racingProvider) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if r.hook != nil {
		hook := r.hook
		r.hook = nil
		hook()
	}
	return r.MemoryProvider.CompareAndExpire(ctx, key, expected, ttl)
}

func TestLeaseRenewalLosesToNewOwnerAfterLapse(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 11, 29, 0, 0, 0, 0, time.UTC)
	mem := NewMemoryProvider()
	mem.now = func() time.Time { return now }
	p := &racingProvider{MemoryProvider: mem}

	a := NewLease(p, "owner", "replica-a", 30*time.Second)
	b := NewLease(p, "owner", "replica-b", 30*time.Second)
	if held, _ := a.Acquire(ctx); !held {
		t.Fatalf("replica-a should acquire")
	}

	var bHeld bool
	p.hook = func() {
		now = now.Add(31 * time.Second)
		bHeld, _ = b.Acquire(ctx)
	}
	now = now.Add(29 * time.Second)
	aHeld, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !bHeld {
		t.Fatalf("replica-b should take the lapsed lease")
	}
	if aHeld {
		t.Fatalf("replica-a must not renew a lease replica-b now holds")
	}
	holder, _ := mem.Get(ctx, "owner")
	if string(holder) != "replica-b" {
		t.Fatalf("holder = %q, want replica-b", holder)
	}
}

func TestMemoryProviderCompareOps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 11, 29, 0, 0, 0, 0, time.UTC)
	p := NewMemoryProvider()
	p.now = func() time.Time { return now }
	_ = p.Set(ctx, "k", []byte("a"), 10*time.Second)

	if ok, _ := p.CompareAndExpire(ctx, "k", []byte("b"), time.Minute); ok {
		t.Fatalf("renew with wrong value should fail")
	}
	if ok, _ := p.CompareAndExpire(ctx, "k", []byte("a"), time.Minute); !ok {
		t.Fatalf("renew with matching value should succeed")
	}
	now = now.Add(30 * time.Second)
	if _, err := p.Get(ctx, "k"); err != nil {
		t.Fatalf("renewed key should outlive the original ttl: %v", err)
	}
	if ok, _ := p.CompareAndDelete(ctx, "k", []byte("b")); ok {
		t.Fatalf("delete with wrong value should fail")
	}
	if ok, _ := p.CompareAndDelete(ctx, "k", []byte("a")); !ok {
		t.Fatalf("delete with matching value should succeed")
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
	now = now.Add(time.Hour)
	_ = p.Set(ctx, "k", []byte("a"), time.Second)
	now = now.Add(2 * time.Second)
	if ok, _ := p.CompareAndExpire(ctx, "k", []byte("a"), time.Minute); ok {
		t.Fatalf("expired key must not be renewed")
	}
}

func TestNoopProvider(t *testing.T) {
	var p Provider = NoopProvider{}
	if _, err := p.Get(context.Background(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss")
	}
	if held, _ := NewLease(p, "k", "me", time.Second).Acquire(context.Background()); !held {
		t.Fatalf("noop lease is always held")
	}
}

func TestRedisProviderRequiresAddr(t *testing.T) {
	if _, err := NewRedisProvider(config.CacheConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
