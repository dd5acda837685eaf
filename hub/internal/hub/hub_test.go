package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-chat/murmur/hub/internal/config"
	"github.com/murmur-chat/murmur/hub/internal/store"
)

const testSecret = "hub-test-secret-0123456789abcdefghij"

func testConfig(dsn string) *config.Config {
	cfg := config.Default(testSecret)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.DSN = dsn
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewEnsuresBotAndResetsPresence(t *testing.T) {
	dsn := t.TempDir() + "/murmur.db"

	// A previous process left a user marked online.
	s, err := store.NewSQLite(dsn)
	require.NoError(t, err)
	stale := &store.User{Username: "stale", DisplayName: "Stale"}
	require.NoError(t, s.CreateUser(context.Background(), stale))
	require.NoError(t, s.SetUserPresence(context.Background(), stale.ID, true))
	require.NoError(t, s.Close())

	h, err := New(testConfig(dsn), quietLogger())
	require.NoError(t, err)
	defer h.close()

	ctx := context.Background()
	u, err := h.store.FindUserByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, u.Online)

	b, err := h.store.FindUserByID(ctx, 999)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "Chatbot", b.DisplayName)
	assert.True(t, b.Online)
	assert.Nil(t, h.queue, "queue is only created when the bot is enabled")
}

func TestRunShutsDownOnCancel(t *testing.T) {
	h, err := New(testConfig(":memory:"), quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestBotRepliesEndToEnd(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"  Hello from the bot  "}]}`))
	}))
	defer provider.Close()

	cfg := testConfig(":memory:")
	cfg.Bot.Enabled = true
	cfg.Bot.APIKey = "test"
	cfg.Bot.APIURL = provider.URL

	h, err := New(cfg, quietLogger())
	require.NoError(t, err)
	defer h.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.queue.Run(ctx)

	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/auth/register", map[string]string{
		"name": "Alice", "username": "alice", "email": "alice@example.com",
		"password": "Password1!", "passwordConfirmation": "Password1!",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/auth/login", map[string]string{"username": "alice", "password": "Password1!"})
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	resp.Body.Close()

	hdr := http.Header{}
	hdr.Set("Authorization", login.Token)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", hdr)
	require.NoError(t, err)
	defer ws.Close()

	read := func(typ string) frame {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var f frame
			require.NoError(t, ws.ReadJSON(&f))
			if f.Type == typ {
				return f
			}
		}
	}

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "find_or_create_conversation", "otherIdentityId": 999}))
	var conv store.Conversation
	require.NoError(t, json.Unmarshal(read("conversation_ready").Data, &conv))

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "create_message", "conversationId": conv.ID, "content": "hi bot"}))
	bySender := map[int64]string{}
	for i := 0; i < 2; i++ {
		var m store.Message
		require.NoError(t, json.Unmarshal(read("message_created").Data, &m))
		bySender[m.SenderID] = m.Content
	}
	assert.Equal(t, "hi bot", bySender[conv.Members[0].ID+conv.Members[1].ID-999])
	assert.Equal(t, "Hello from the bot", bySender[999])

	// The HTTP route answers synchronously and also pushes the reply to the socket.
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{"content": "again", "chatId": conv.ID}))
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/bot/message", &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", login.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Message store.Message `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, int64(999), out.Message.SenderID)
	assert.Equal(t, "Hello from the bot", out.Message.Content)

	var pushed store.Message
	require.NoError(t, json.Unmarshal(read("message_created").Data, &pushed))
	assert.Equal(t, out.Message.ID, pushed.ID)
}

func TestNewRejectsBadDriver(t *testing.T) {
	cfg := testConfig(":memory:")
	cfg.Cache.Driver = "memcached"
	_, err := New(cfg, quietLogger())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
