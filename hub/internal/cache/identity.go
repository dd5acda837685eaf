package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/store"
)

// UserFinder loads a user by id, returning (nil, nil) when absent.
type UserFinder interface {
	FindUserByID(ctx context.Context, id int64) (*store.User, error)
}

// IdentityResolver resolves verified user ids to identities through the
// cache, falling back to the store on a miss.
type IdentityResolver struct {
	cache  Cache
	users  UserFinder
	ttl    time.Duration
	logger *slog.Logger
}

// NewIdentityResolver creates an IdentityResolver.
func NewIdentityResolver(c Cache, users UserFinder, ttl time.Duration, logger *slog.Logger) *IdentityResolver {
	return &IdentityResolver{
		cache:  c,
		users:  users,
		ttl:    ttl,
		logger: logger.With("component", "identity-cache"),
	}
}

func identityKey(id int64) string {
	return "identity:" + strconv.FormatInt(id, 10)
}

// Resolve returns the identity for id, or nil if no such user exists.
// Cache failures are logged and bypassed.
func (r *IdentityResolver) Resolve(ctx context.Context, id int64) (*auth.Identity, error) {
	key := identityKey(id)

	raw, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		var ident auth.Identity
		if err := json.Unmarshal([]byte(raw), &ident); err == nil && ident.ID == id {
			return &ident, nil
		}
		r.logger.Warn("discarding corrupt cache entry", "key", key)
	case !errors.Is(err, ErrMiss):
		r.logger.Warn("cache get failed", "key", key, "error", err)
	}

	u, err := r.users.FindUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if u == nil {
		return nil, nil
	}

	ident := &auth.Identity{ID: u.ID, DisplayName: u.DisplayName}
	if data, err := json.Marshal(ident); err == nil {
		if err := r.cache.Set(ctx, key, string(data), r.ttl); err != nil {
			r.logger.Warn("cache set failed", "key", key, "error", err)
		}
	}
	return ident, nil
}
