package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache is an in-process Cache backed by ttlcache. Expired entries are
// evicted by a background loop that runs until Close.
type MemoryCache struct {
	items *ttlcache.Cache[string, string]
}

// NewMemory creates an empty MemoryCache holding at most maxEntries items,
// evicting the least recently used when full. maxEntries <= 0 means unbounded.
func NewMemory(maxEntries int) *MemoryCache {
	opts := []ttlcache.Option[string, string]{
		ttlcache.WithDisableTouchOnHit[string, string](),
	}
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, string](uint64(maxEntries)))
	}
	m := &MemoryCache{items: ttlcache.New[string, string](opts...)}
	go m.items.Start()
	return m
}

var _ Cache = (*MemoryCache)(nil)

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	item := m.items.Get(key)
	if item == nil || item.IsExpired() {
		return "", ErrMiss
	}
	return item.Value(), nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m.items.Set(key, value, ttl)
	return nil
}

func (m *MemoryCache) Del(_ context.Context, keys ...string) (int64, error) {
	var n int64
	for _, k := range keys {
		if m.items.Has(k) {
			m.items.Delete(k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored entries, including expired ones not yet evicted.
func (m *MemoryCache) Len() int { return m.items.Len() }

func (m *MemoryCache) Ping(context.Context) error { return nil }

// Close stops the expiry loop.
func (m *MemoryCache) Close() error {
	m.items.Stop()
	return nil
}
