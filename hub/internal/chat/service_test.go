package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/store"
	"github.com/murmur-chat/murmur/pkg/protocol"
)

type fakeScheduler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeScheduler) ScheduleReply(_ context.Context, _ int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, content)
	return f.err
}

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	sched *fakeScheduler
	alice auth.Identity
	bob   auth.Identity
	carol auth.Identity
}

const botID = 999

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, sched: &fakeScheduler{}}
	f.alice = f.user(t, "alice")
	f.bob = f.user(t, "bob")
	f.carol = f.user(t, "carol")
	require.NoError(t, s.EnsureUser(context.Background(), &store.User{ID: botID, Username: "chatbot", DisplayName: "Chatbot", Online: true}))

	f.svc = NewService(s, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		MaxContentBytes: 64,
		BotID:           botID,
		Replies:         f.sched,
	})
	return f
}

func (f *fixture) user(t *testing.T, name string) auth.Identity {
	t.Helper()
	u := &store.User{Username: name, DisplayName: strings.ToUpper(name[:1]) + name[1:]}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return auth.Identity{ID: u.ID, DisplayName: u.DisplayName}
}

func (f *fixture) conversation(t *testing.T, a auth.Identity, b int64) *store.Conversation {
	t.Helper()
	d, err := f.svc.FindOrCreateConversation(context.Background(), a, b)
	require.NoError(t, err)
	return d.Event.Data.(*store.Conversation)
}

func TestFindOrCreateConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.FindOrCreateConversation(ctx, f.alice, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeConversationReady, d.Event.Type)
	assert.ElementsMatch(t, []int64{f.alice.ID, f.bob.ID}, d.Members)

	conv := d.Event.Data.(*store.Conversation)
	again := f.conversation(t, f.bob, f.alice.ID)
	assert.Equal(t, conv.ID, again.ID)
}

func TestFindOrCreateConversationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.FindOrCreateConversation(ctx, f.alice, f.alice.ID)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.FindOrCreateConversation(ctx, f.alice, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.FindOrCreateConversation(ctx, f.alice, 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindOrCreateConversationConcurrent(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	ids := make([]int64, 10)
	errs := make([]error, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller, other := f.alice, f.bob.ID
			if i%2 == 1 {
				caller, other = f.bob, f.alice.ID
			}
			d, err := f.svc.FindOrCreateConversation(context.Background(), caller, other)
			errs[i] = err
			if err == nil {
				ids[i] = d.Event.Data.(*store.Conversation).ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	convs, err := f.store.ListConversationsByMember(context.Background(), f.alice.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestCreateMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, f.alice, f.bob.ID)

	d, err := f.svc.CreateMessage(ctx, f.alice, conv.ID, "  hi  ")
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeMessageCreated, d.Event.Type)
	assert.ElementsMatch(t, []int64{f.alice.ID, f.bob.ID}, d.Members)

	msg := d.Event.Data.(*store.Message)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, f.alice.ID, msg.SenderID)
	assert.Equal(t, f.bob.ID, msg.RecipientID)

	stored, err := f.store.FindConversationByID(ctx, conv.ID, store.ConversationQuery{})
	require.NoError(t, err)
	assert.True(t, stored.LastActivityAt.Equal(msg.SentAt))

	assert.Empty(t, f.sched.calls, "no reply scheduled between humans")
}

func TestCreateMessageErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, f.alice, f.bob.ID)

	_, err := f.svc.CreateMessage(ctx, f.alice, conv.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.CreateMessage(ctx, f.alice, conv.ID, strings.Repeat("x", 65))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.CreateMessage(ctx, f.carol, conv.ID, "let me in")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CreateMessage(ctx, f.alice, 4242, "hello?")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateMessageToBotSchedulesReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, f.alice, botID)

	_, err := f.svc.CreateMessage(ctx, f.alice, conv.ID, "hello bot")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello bot"}, f.sched.calls)

	// The bot's own messages never schedule another reply.
	_, err = f.svc.CreateMessage(ctx, auth.Identity{ID: botID, DisplayName: "Chatbot"}, conv.ID, "hi human")
	require.NoError(t, err)
	assert.Len(t, f.sched.calls, 1)

	// A scheduling failure does not fail the message.
	f.sched.err = errors.New("queue down")
	_, err = f.svc.CreateMessage(ctx, f.alice, conv.ID, "still there?")
	assert.NoError(t, err)
}

func TestGetConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, f.alice, f.bob.ID)

	for _, c := range []string{"one", "two"} {
		_, err := f.svc.CreateMessage(ctx, f.alice, conv.ID, c)
		require.NoError(t, err)
	}

	d, err := f.svc.GetConversation(ctx, f.bob, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeConversationDetail, d.Event.Type)
	assert.Empty(t, d.Members, "detail goes to the caller only")
	got := d.Event.Data.(*store.Conversation)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "one", got.Messages[0].Content)
	assert.Equal(t, "two", got.Messages[1].Content)

	_, err = f.svc.GetConversation(ctx, f.carol, conv.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GetConversation(ctx, f.alice, 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSoftDeleteMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, f.alice, f.bob.ID)

	d, err := f.svc.CreateMessage(ctx, f.alice, conv.ID, "regret")
	require.NoError(t, err)
	msg := d.Event.Data.(*store.Message)

	_, err = f.svc.SoftDeleteMessage(ctx, f.carol, msg.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.SoftDeleteMessage(ctx, f.alice, 4242)
	assert.ErrorIs(t, err, ErrNotFound)

	// The recipient may delete too.
	del, err := f.svc.SoftDeleteMessage(ctx, f.bob, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeMessageDeleted, del.Event.Type)
	assert.Equal(t, protocol.DeletedMessage{ID: msg.ID}, del.Event.Data)
	assert.ElementsMatch(t, []int64{f.alice.ID, f.bob.ID}, del.Members)

	detail, err := f.svc.GetConversation(ctx, f.alice, conv.ID)
	require.NoError(t, err)
	for _, m := range detail.Event.Data.(*store.Conversation).Messages {
		assert.NotEqual(t, msg.ID, m.ID)
	}

	// Deleting twice succeeds.
	_, err = f.svc.SoftDeleteMessage(ctx, f.alice, msg.ID)
	assert.NoError(t, err)
}

func TestDeleteConversationMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withBob := f.conversation(t, f.alice, f.bob.ID)
	withCarol := f.conversation(t, f.alice, f.carol.ID)

	d, err := f.svc.CreateMessage(ctx, f.alice, withBob.ID, "hello bob")
	require.NoError(t, err)
	msg := d.Event.Data.(*store.Message)

	_, err = f.svc.DeleteConversationMessage(ctx, f.alice, withCarol.ID, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.DeleteConversationMessage(ctx, f.carol, withBob.ID, msg.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	del, err := f.svc.DeleteConversationMessage(ctx, f.alice, withBob.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.DeletedMessage{ID: msg.ID}, del.Event.Data)
	assert.ElementsMatch(t, []int64{f.alice.ID, f.bob.ID}, del.Members)
}

func TestTouchConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, f.alice, f.bob.ID)

	d, err := f.svc.TouchConversation(ctx, f.bob, conv.ID)
	require.NoError(t, err)
	touched := d.Event.Data.(*store.Conversation)
	assert.Equal(t, protocol.TypeConversationDetail, d.Event.Type)
	assert.Empty(t, d.Members)
	assert.False(t, touched.LastActivityAt.Before(conv.LastActivityAt))

	stored, err := f.store.FindConversationByID(ctx, conv.ID, store.ConversationQuery{})
	require.NoError(t, err)
	assert.True(t, stored.LastActivityAt.Equal(touched.LastActivityAt))

	_, err = f.svc.TouchConversation(ctx, f.carol, conv.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.TouchConversation(ctx, f.alice, 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withBob := f.conversation(t, f.alice, f.bob.ID)
	withCarol := f.conversation(t, f.alice, f.carol.ID)

	_, err := f.svc.CreateMessage(ctx, f.alice, withCarol.ID, "newest")
	require.NoError(t, err)

	d, err := f.svc.ListConversations(ctx, f.alice)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeConversationsList, d.Event.Type)
	convs := d.Event.Data.([]store.Conversation)
	require.Len(t, convs, 2)
	assert.Equal(t, withCarol.ID, convs[0].ID)
	assert.Equal(t, withBob.ID, convs[1].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "newest", convs[0].LastMessage.Content)
}

func TestListPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetUserPresence(ctx, f.alice.ID, true))

	on, err := f.svc.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeOnlineList, on.Event.Type)
	assert.ElementsMatch(t, []int64{f.alice.ID, botID}, ids(on.Event.Data.([]store.Profile)))

	off, err := f.svc.ListOffline(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{f.bob.ID, f.carol.ID}, ids(off.Event.Data.([]store.Profile)))
}

func ids(ps []store.Profile) []int64 {
	out := make([]int64, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

type brokenStore struct{ store.Store }

func (brokenStore) ListConversationsByMember(context.Context, int64) ([]store.Conversation, error) {
	return nil, errors.New("disk on fire at /var/lib/murmur.db")
}

func TestStorageErrorsAreGeneric(t *testing.T) {
	f := newFixture(t)
	svc := NewService(brokenStore{f.store}, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{})

	_, err := svc.ListConversations(context.Background(), f.alice)
	require.ErrorIs(t, err, ErrStorage)
	e := AsError(err)
	assert.Equal(t, CodeStorage, e.Code)
	assert.NotContains(t, e.Message, "disk")
}

func TestErrorIs(t *testing.T) {
	err := forbidden("nope")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeStorage, AsError(errors.New("boom")).Code)
}
