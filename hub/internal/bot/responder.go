package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/chat"
	"github.com/murmur-chat/murmur/hub/internal/queue"
	"github.com/murmur-chat/murmur/hub/internal/store"
	"github.com/murmur-chat/murmur/pkg/protocol"
)

// TaskReply is the queue task type for a pending bot reply.
const TaskReply = "bot:reply"

type replyPayload struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

// Scheduler enqueues reply jobs. It satisfies chat.ReplyScheduler.
type Scheduler struct {
	queue queue.Queue
}

// NewScheduler creates a Scheduler that submits to q.
func NewScheduler(q queue.Queue) *Scheduler {
	return &Scheduler{queue: q}
}

var _ chat.ReplyScheduler = (*Scheduler)(nil)

func (s *Scheduler) ScheduleReply(ctx context.Context, conversationID int64, content string) error {
	payload, err := json.Marshal(replyPayload{ConversationID: conversationID, Content: content})
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, queue.Task{Type: TaskReply, Payload: payload}); err != nil {
		return fmt.Errorf("enqueue reply: %w", err)
	}
	return nil
}

// MessageLister loads recent messages for the provider context.
type MessageLister interface {
	ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]store.Message, error)
}

// Poster persists a message on behalf of an identity.
type Poster interface {
	CreateMessage(ctx context.Context, caller auth.Identity, conversationID int64, content string) (chat.Delivery, error)
}

// Deliverer fans an encoded frame out to every connection of the given identities.
type Deliverer interface {
	SendToMany(identityIDs []int64, payload []byte) int
}

// Options configures a Responder.
type Options struct {
	Identity        auth.Identity
	History         int
	Timeout         time.Duration
	MaxContentBytes int
}

// Responder handles reply jobs: it asks the provider for a reply and posts
// it to the conversation as the bot.
type Responder struct {
	provider Provider
	messages MessageLister
	poster   Poster
	conns    Deliverer
	opts     Options
	logger   *slog.Logger
}

// NewResponder creates a Responder.
func NewResponder(p Provider, messages MessageLister, poster Poster, conns Deliverer, opts Options, logger *slog.Logger) *Responder {
	if opts.History <= 0 {
		opts.History = 20
	}
	return &Responder{
		provider: p,
		messages: messages,
		poster:   poster,
		conns:    conns,
		opts:     opts,
		logger:   logger.With("component", "bot"),
	}
}

// Register binds the reply handler on q.
func (r *Responder) Register(q queue.Queue) {
	q.Register(TaskReply, r.Handle)
}

var (
	// ErrProvider wraps a failed provider call.
	ErrProvider = errors.New("bot provider failed")
	// ErrEmptyReply is returned when the provider answers with no text.
	ErrEmptyReply = errors.New("bot provider returned an empty reply")
)

// Handle processes one reply task. Provider failures, empty replies and
// rejected posts are logged and dropped so the task is not retried.
func (r *Responder) Handle(ctx context.Context, t queue.Task) error {
	var p replyPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		r.logger.Warn("malformed reply task", "error", err)
		return nil
	}

	_, err := r.Reply(ctx, p.ConversationID, p.Content)
	var ce *chat.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProvider), errors.Is(err, ErrEmptyReply):
		r.logger.Warn("bot reply dropped", "conversation_id", p.ConversationID, "error", err)
		return nil
	case errors.As(err, &ce) && ce.Code != chat.CodeStorage:
		r.logger.Warn("post bot reply failed", "conversation_id", p.ConversationID, "error", err)
		return nil
	default:
		return err
	}
}

// Reply asks the provider for an answer to content, posts it to the
// conversation as the bot and delivers it to every member.
func (r *Responder) Reply(ctx context.Context, conversationID int64, content string) (chat.Delivery, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	history, err := r.messages.ListRecentMessages(ctx, conversationID, r.opts.History)
	if err != nil {
		return chat.Delivery{}, fmt.Errorf("load history: %w", err)
	}

	reply, err := r.provider.Reply(ctx, history, content)
	if err != nil {
		return chat.Delivery{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	reply = truncate(strings.TrimSpace(reply), r.opts.MaxContentBytes)
	if reply == "" {
		return chat.Delivery{}, ErrEmptyReply
	}

	d, err := r.poster.CreateMessage(ctx, r.opts.Identity, conversationID, reply)
	if err != nil {
		return chat.Delivery{}, err
	}

	data, err := protocol.Encode(d.Event)
	if err != nil {
		return chat.Delivery{}, fmt.Errorf("encode reply: %w", err)
	}
	n := r.conns.SendToMany(d.Members, data)
	r.logger.Debug("bot replied", "conversation_id", conversationID, "delivered", n)
	return d, nil
}

// truncate shortens s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return strings.TrimSpace(s)
}
