package cache

import (
	"context"
	"errors"
	"time"
)

// Provider defines the minimal key/value operations the report store and the ownership
// lease need.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	// CompareAndExpire resets the TTL of key only while it still holds expected.
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX reports success so a lease over the noop cache is always held.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

// CompareAndExpire reports success for the same reason SetNX does.
func (NoopProvider) CompareAndExpire(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return true, nil
}

func (NoopProvider) Close() error { return nil }
