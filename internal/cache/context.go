// Package cache stores per-thread conversation context with an expiry, on
// top of the key-value store. Cache entries are marked by a key prefix so
// the maintenance pass can find them without a separate index.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ume-tora/replyhub/internal/storage"
)

const keyPrefix = "cache:"

// DefaultTTL is how long a cached context stays valid.
const DefaultTTL = time.Hour

// Entry is the stored form of one cached context.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expiresAt"` // unix milliseconds
}

// Key builds the storage key for a (scope, threadID) pair.
func Key(scope, threadID string) string {
	return keyPrefix + scope + ":" + threadID
}

// IsCacheKey reports whether a storage key carries the cache marker.
func IsCacheKey(key string) bool {
	return strings.HasPrefix(key, keyPrefix)
}

// ContextCache reads and writes cached contexts.
type ContextCache struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures the cache.
type Option func(*ContextCache)

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *ContextCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *ContextCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache over the given store.
func New(store storage.Store, opts ...Option) *ContextCache {
	c := &ContextCache{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached context for (scope, threadID). An expired entry is
// removed and reported as a miss; it is never returned to the caller.
func (c *ContextCache) Get(ctx context.Context, scope, threadID string) (json.RawMessage, bool, error) {
	key := Key(scope, threadID)
	data, err := c.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is unusable: drop it.
		_ = c.store.Remove(ctx, key)
		return nil, false, nil
	}
	if entry.ExpiresAt <= c.now().UnixMilli() {
		if err := c.store.Remove(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set stores the context for (scope, threadID) with the configured TTL.
func (c *ContextCache) Set(ctx context.Context, scope, threadID string, value json.RawMessage) error {
	entry := Entry{
		Value:     value,
		ExpiresAt: c.now().Add(c.ttl).UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.store.Set(ctx, Key(scope, threadID), data)
}

// Clear removes every cache-marked entry and returns the count removed.
func (c *ContextCache) Clear(ctx context.Context) (int, error) {
	keys, err := c.cacheKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.store.Remove(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Evict removes cache-marked entries whose expiry has passed, in one batched
// removal, and returns the count removed.
func (c *ContextCache) Evict(ctx context.Context) (int, error) {
	keys, err := c.cacheKeys(ctx)
	if err != nil {
		return 0, err
	}

	nowMs := c.now().UnixMilli()
	var expired []string
	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			expired = append(expired, key)
			continue
		}
		if entry.ExpiresAt <= nowMs {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := c.store.Remove(ctx, expired...); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (c *ContextCache) cacheKeys(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var marked []string
	for _, key := range keys {
		if IsCacheKey(key) {
			marked = append(marked, key)
		}
	}
	return marked, nil
}
