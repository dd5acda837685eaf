package bot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/chat"
	"github.com/murmur-chat/murmur/hub/internal/config"
	"github.com/murmur-chat/murmur/hub/internal/queue"
	"github.com/murmur-chat/murmur/hub/internal/store"
	"github.com/murmur-chat/murmur/pkg/protocol"
)

const botID = 999

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	reply string
	err   error

	mu      sync.Mutex
	history []store.Message
	content string
}

func (f *fakeProvider) Reply(_ context.Context, history []store.Message, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = history
	f.content = content
	return f.reply, f.err
}

type sink struct {
	mu     sync.Mutex
	ids    []int64
	frames []protocol.Event
}

func (s *sink) SendToMany(ids []int64, payload []byte) int {
	var ev protocol.Event
	_ = json.Unmarshal(payload, &ev)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = ids
	s.frames = append(s.frames, ev)
	return len(ids)
}

type fixture struct {
	store *store.SQLiteStore
	chat  *chat.Service
	alice auth.Identity
	conv  int64
	sink  *sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	u := &store.User{Username: "alice", DisplayName: "Alice"}
	require.NoError(t, s.CreateUser(ctx, u))
	require.NoError(t, s.EnsureUser(ctx, &store.User{ID: botID, Username: "chatbot", DisplayName: "Chatbot", Online: true}))

	svc := chat.NewService(s, quietLogger(), chat.Options{MaxContentBytes: 32})
	alice := auth.Identity{ID: u.ID, DisplayName: u.DisplayName}
	d, err := svc.FindOrCreateConversation(ctx, alice, botID)
	require.NoError(t, err)
	conv := d.Event.Data.(*store.Conversation)

	_, err = svc.CreateMessage(ctx, alice, conv.ID, "hello bot")
	require.NoError(t, err)

	return &fixture{store: s, chat: svc, alice: alice, conv: conv.ID, sink: &sink{}}
}

func (f *fixture) responder(p Provider) *Responder {
	return NewResponder(p, f.store, f.chat, f.sink, Options{
		Identity:        auth.Identity{ID: botID, DisplayName: "Chatbot"},
		History:         20,
		Timeout:         time.Second,
		MaxContentBytes: 32,
	}, quietLogger())
}

func task(t *testing.T, conv int64, content string) queue.Task {
	t.Helper()
	payload, err := json.Marshal(replyPayload{ConversationID: conv, Content: content})
	require.NoError(t, err)
	return queue.Task{Type: TaskReply, Payload: payload}
}

func TestResponderPostsReply(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{reply: "  hi there  "}

	require.NoError(t, f.responder(p).Handle(context.Background(), task(t, f.conv, "hello bot")))

	assert.Equal(t, "hello bot", p.content)
	require.Len(t, p.history, 1)
	assert.Equal(t, f.alice.ID, p.history[0].SenderID)

	msgs, err := f.store.ListRecentMessages(context.Background(), f.conv, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(botID), msgs[1].SenderID)
	assert.Equal(t, f.alice.ID, msgs[1].RecipientID)
	assert.Equal(t, "hi there", msgs[1].Content)

	require.Len(t, f.sink.frames, 1)
	assert.Equal(t, protocol.TypeMessageCreated, f.sink.frames[0].Type)
	assert.ElementsMatch(t, []int64{f.alice.ID, botID}, f.sink.ids)
}

func TestResponderTruncatesLongReply(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{reply: strings.Repeat("é", 40)}

	require.NoError(t, f.responder(p).Handle(context.Background(), task(t, f.conv, "x")))

	msgs, err := f.store.ListRecentMessages(context.Background(), f.conv, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.LessOrEqual(t, len(msgs[1].Content), 32)
	assert.Equal(t, strings.Repeat("é", 16), msgs[1].Content)
}

func TestResponderDropsEmptyAndFailedReplies(t *testing.T) {
	for name, p := range map[string]*fakeProvider{
		"empty":   {reply: "   "},
		"failure": {err: errors.New("upstream 529")},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.responder(p).Handle(context.Background(), task(t, f.conv, "x")))

			msgs, err := f.store.ListRecentMessages(context.Background(), f.conv, 10)
			require.NoError(t, err)
			assert.Len(t, msgs, 1)
			assert.Empty(t, f.sink.frames)
		})
	}
}

func TestResponderMalformedTask(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{reply: "unused"}
	err := f.responder(p).Handle(context.Background(), queue.Task{Type: TaskReply, Payload: []byte("{")})
	assert.NoError(t, err)
	assert.Empty(t, p.content)
}

func TestSchedulerEnqueuesThroughLocalQueue(t *testing.T) {
	f := newFixture(t)
	q := queue.NewLocal(1, 4, quietLogger())
	p := &fakeProvider{reply: "pong"}
	f.responder(p).Register(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.NoError(t, NewScheduler(q).ScheduleReply(ctx, f.conv, "ping"))

	require.Eventually(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return len(f.sink.frames) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

type recordedRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func TestAnthropicProvider(t *testing.T) {
	var got recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.NotEmpty(t, r.Header.Get("Anthropic-Version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"m",` +
			`"content":[{"type":"text","text":"Hello!"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(config.BotConfig{
		UserID: botID, APIURL: srv.URL, APIKey: "test-key", Model: "m", MaxTokens: 64,
	})
	reply, err := p.Reply(context.Background(), []store.Message{
		{SenderID: 1, Content: "hi"},
		{SenderID: botID, Content: "hello"},
	}, "how are you")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", reply)

	assert.Equal(t, "m", got.Model)
	assert.Equal(t, 64, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "CONVERSATION HISTORY:\nuser: hi\nassistant: hello", got.Messages[0].Content[0].Text)
	assert.Equal(t, "NEW QUESTION:\nhow are you", got.Messages[0].Content[1].Text)
}

func TestAnthropicProviderHTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(config.BotConfig{APIURL: srv.URL, APIKey: "k", Model: "m", MaxTokens: 8}, option.WithMaxRetries(0))
	_, err := p.Reply(context.Background(), nil, "x")
	require.Error(t, err)

	var apiErr *anthropic.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 529, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResponderReply(t *testing.T) {
	f := newFixture(t)

	d, err := f.responder(&fakeProvider{reply: "sure"}).Reply(context.Background(), f.conv, "can you help")
	require.NoError(t, err)
	msg := d.Event.Data.(*store.Message)
	assert.Equal(t, int64(botID), msg.SenderID)
	assert.Equal(t, "sure", msg.Content)
	require.Len(t, f.sink.frames, 1)

	_, err = f.responder(&fakeProvider{err: errors.New("boom")}).Reply(context.Background(), f.conv, "x")
	assert.ErrorIs(t, err, ErrProvider)

	_, err = f.responder(&fakeProvider{reply: " "}).Reply(context.Background(), f.conv, "x")
	assert.ErrorIs(t, err, ErrEmptyReply)

	_, err = f.responder(&fakeProvider{reply: "lost"}).Reply(context.Background(), 4242, "x")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}
