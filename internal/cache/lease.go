package cache

import (
	"context"
	"fmt"
	"time"
)

// Lease elects a single owner for the control loop across replicas. The holder renews it
// every cycle; a crashed holder loses it once the TTL lapses.
type Lease struct {
	provider Provider
	key      string
	owner    []byte
	ttl      time.Duration
}

// NewLease builds a lease on key held under the owner identity.
func NewLease(provider Provider, key, owner string, ttl time.Duration) *Lease {
	return &Lease{provider: provider, key: key, owner: []byte(owner), ttl: ttl}
}

// Acquire takes the lease if it is free, renews it if already held, and reports whether
// this owner holds it afterwards. Renewal is a compare-and-expire, so a lease that lapsed
// and was taken by another replica is never overwritten.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.provider.SetNX(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	renewed, err := l.provider.CompareAndExpire(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	return renewed, nil
}

// Release gives the lease up if this owner holds it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := l.provider.CompareAndDelete(ctx, l.key, l.owner); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Owner returns the identity this lease is held under.
func (l *Lease) Owner() string {
	return string(l.owner)
}
