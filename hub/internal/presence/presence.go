// Package presence persists online/offline transitions and broadcasts the
// resulting presence lists to every connection.
package presence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/murmur-chat/murmur/hub/internal/store"
	"github.com/murmur-chat/murmur/pkg/protocol"
)

// Store is the persistence the tracker needs.
type Store interface {
	SetUserPresence(ctx context.Context, id int64, online bool) error
	ListUsersByPresence(ctx context.Context, online bool) ([]store.Profile, error)
}

// Connections is the view of the connection registry the tracker needs.
type Connections interface {
	Online(identityID int64) bool
	BroadcastAll(payload []byte) int
}

// Tracker turns registry occupancy changes into persisted presence flags and
// presence broadcasts. Transitions are serialized, and each one persists the
// registry's state at the time it runs, so a connect and disconnect that race
// still leave the last write matching the registry.
type Tracker struct {
	store  Store
	conns  Connections
	logger *slog.Logger

	mu     sync.Mutex
	pinned map[int64]bool
}

// NewTracker creates a Tracker.
func NewTracker(s Store, conns Connections, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  s,
		conns:  conns,
		logger: logger.With("component", "presence"),
		pinned: make(map[int64]bool),
	}
}

// Pin marks id as permanently online regardless of connections.
func (t *Tracker) Pin(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinned[id] = true
}

// Online records that id gained its first connection.
func (t *Tracker) Online(ctx context.Context, id int64) {
	t.transition(ctx, id)
}

// Offline records that id lost its last connection.
func (t *Tracker) Offline(ctx context.Context, id int64) {
	t.transition(ctx, id)
}

func (t *Tracker) transition(ctx context.Context, id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	online := t.pinned[id] || t.conns.Online(id)
	if err := t.store.SetUserPresence(ctx, id, online); err != nil {
		t.logger.Warn("persist presence failed", "user_id", id, "online", online, "error", err)
	}
	t.logger.Debug("presence transition", "user_id", id, "online", online)
	t.broadcastLocked(ctx)
}

func (t *Tracker) broadcastLocked(ctx context.Context) {
	online, err := t.store.ListUsersByPresence(ctx, true)
	if err != nil {
		t.logger.Warn("list online users failed", "error", err)
		return
	}
	offline, err := t.store.ListUsersByPresence(ctx, false)
	if err != nil {
		t.logger.Warn("list offline users failed", "error", err)
		return
	}

	for _, ev := range []protocol.Event{
		protocol.NewEvent(protocol.TypeOnlineList, online),
		protocol.NewEvent(protocol.TypeOfflineList, offline),
	} {
		data, err := protocol.Encode(ev)
		if err != nil {
			t.logger.Error("encode presence list", "type", ev.Type, "error", err)
			continue
		}
		t.conns.BroadcastAll(data)
	}
}
