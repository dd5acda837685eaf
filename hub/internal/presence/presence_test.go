package presence

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-chat/murmur/hub/internal/registry"
	"github.com/murmur-chat/murmur/hub/internal/store"
)

type recordingConn struct {
	id string

	mu     sync.Mutex
	frames []map[string]json.RawMessage
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(p []byte) error {
	var f map[string]json.RawMessage
	if err := json.Unmarshal(p, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Close(int, string) {}

func (c *recordingConn) typesReceived() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var typ string
		_ = json.Unmarshal(f["type"], &typ)
		out = append(out, typ)
	}
	return out
}

func (c *recordingConn) lastList(typ string) []store.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		var got string
		_ = json.Unmarshal(c.frames[i]["type"], &got)
		if got == typ {
			var profiles []store.Profile
			_ = json.Unmarshal(c.frames[i]["data"], &profiles)
			return profiles
		}
	}
	return nil
}

type harness struct {
	store   *store.SQLiteStore
	reg     *registry.Registry
	tracker *Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	reg := registry.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{store: s, reg: reg, tracker: NewTracker(s, reg, logger)}
}

func (h *harness) user(t *testing.T, name string) int64 {
	t.Helper()
	u := &store.User{Username: name, DisplayName: name}
	require.NoError(t, h.store.CreateUser(context.Background(), u))
	return u.ID
}

// connect and disconnect mirror what the websocket gate does.
func (h *harness) connect(id int64, c registry.Conn) {
	if h.reg.Register(id, c) {
		h.tracker.Online(context.Background(), id)
	}
}

func (h *harness) disconnect(id int64, c registry.Conn) {
	if h.reg.Unregister(id, c) {
		h.tracker.Offline(context.Background(), id)
	}
}

func names(ps []store.Profile) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.DisplayName)
	}
	return out
}

func TestTransitionsBroadcastOncePerBoundary(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	watcher := &recordingConn{id: "watcher"}
	h.connect(bob, watcher)
	before := len(watcher.typesReceived())

	a1, a2 := &recordingConn{id: "a1"}, &recordingConn{id: "a2"}
	h.connect(alice, a1)
	assert.Equal(t, []string{"online_list", "offline_list"}, watcher.typesReceived()[before:])

	// A second tab does not transition.
	h.connect(alice, a2)
	h.disconnect(alice, a1)
	assert.Len(t, watcher.typesReceived(), before+2)

	h.disconnect(alice, a2)
	assert.Len(t, watcher.typesReceived(), before+4)
	assert.Equal(t, []string{"bob"}, names(watcher.lastList("online_list")))
	assert.Equal(t, []string{"alice"}, names(watcher.lastList("offline_list")))

	u, err := h.store.FindUserByID(context.Background(), alice)
	require.NoError(t, err)
	assert.False(t, u.Online)
}

func TestTransitionPersistsRegistryTruth(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	c := &recordingConn{id: "c"}

	// A late "online" transition after the connection already left must not
	// leave the user marked online.
	h.reg.Register(alice, c)
	h.reg.Unregister(alice, c)
	h.tracker.Offline(context.Background(), alice)
	h.tracker.Online(context.Background(), alice)

	u, err := h.store.FindUserByID(context.Background(), alice)
	require.NoError(t, err)
	assert.False(t, u.Online)
}

func TestPinnedIdentityStaysOnline(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.EnsureUser(context.Background(), &store.User{ID: 999, Username: "chatbot", DisplayName: "Chatbot", Online: true}))
	h.tracker.Pin(999)

	h.tracker.Offline(context.Background(), 999)
	u, err := h.store.FindUserByID(context.Background(), 999)
	require.NoError(t, err)
	assert.True(t, u.Online)
}

type failingStore struct{ Store }

func (failingStore) SetUserPresence(context.Context, int64, bool) error {
	return errors.New("db down")
}

func TestPersistFailureStillBroadcasts(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	tracker := NewTracker(failingStore{h.store}, h.reg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	c := &recordingConn{id: "c"}
	h.reg.Register(alice, c)
	tracker.Online(context.Background(), alice)

	assert.Equal(t, []string{"online_list", "offline_list"}, c.typesReceived())
}
