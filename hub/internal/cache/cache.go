// Package cache provides the key-value cache used to resolve identities
// without a store round trip on every websocket handshake.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/murmur-chat/murmur/hub/internal/config"
)

// Cache is a concurrency-safe string cache. Implementations return ErrMiss
// for absent or expired keys.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with the given TTL. A TTL <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrMiss reports a cache miss.
var ErrMiss = errors.New("cache: miss")

// New creates a Cache for the configured driver.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.MaxEntries), nil
	case "redis":
		return NewRedis(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", cfg.Driver)
	}
}
