// Package cache provides a small read-through cache for listing
// responses. Only derived listings are ever cached; balances are always
// recomputed from the store, and every write invalidates the owner's
// listing keys.
package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache: miss")

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Cache stores opaque marshalled payloads under string keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Name() string
	Close() error
}

// Loader is a read-through helper: on a miss it computes the value once
// per key, even under concurrent misses, and stores the result.
type Loader struct {
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewLoader wraps a cache with single-flight loading. A nil cache yields
// a loader that always computes.
func NewLoader(c Cache, ttl time.Duration) *Loader {
	return &Loader{cache: c, ttl: ttl}
}

// Load returns the cached payload for key, or runs compute, caches its
// result and returns it. Concurrent misses for the same key share one
// compute call. Cache errors are swallowed; compute errors are not.
func (l *Loader) Load(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if l.cache != nil {
		if data, err := l.cache.Get(ctx, key); err == nil {
			return data, true, nil
		}
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		data, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if l.cache != nil {
			// Best effort: a failed Set just means the next request
			// recomputes.
			_ = l.cache.Set(ctx, key, data, l.ttl)
		}
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// Invalidate drops the given keys. Safe on a nil cache.
func (l *Loader) Invalidate(ctx context.Context, keys ...string) {
	if l.cache == nil {
		return
	}
	_ = l.cache.Delete(ctx, keys...)
}
