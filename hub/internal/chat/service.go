// Package chat implements the conversation and message operations invoked by
// the websocket dispatcher and the automated responder.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/store"
	"github.com/murmur-chat/murmur/pkg/protocol"
)

// Delivery is an operation result together with its audience.
type Delivery struct {
	Event protocol.Event
	// Members lists the identities whose connections all receive Event.
	// When empty, only the calling connection receives it.
	Members []int64
}

// ReplyScheduler is notified when a user writes to the automated responder.
type ReplyScheduler interface {
	ScheduleReply(ctx context.Context, conversationID int64, content string) error
}

// Options configures a Service.
type Options struct {
	MaxContentBytes int   // 0 means unlimited
	BotID           int64 // 0 disables reply scheduling
	Replies         ReplyScheduler
}

// Service implements the conversation and message operations.
type Service struct {
	store  store.Store
	logger *slog.Logger
	opts   Options

	pairs pairLocks
}

// NewService creates a Service.
func NewService(s store.Store, logger *slog.Logger, opts Options) *Service {
	return &Service{
		store:  s,
		logger: logger.With("component", "chat"),
		opts:   opts,
		pairs:  pairLocks{locks: make(map[[2]int64]*pairLock)},
	}
}

// ListConversations returns the caller's conversations, most recently active
// first, each with its latest non-deleted message.
func (s *Service) ListConversations(ctx context.Context, caller auth.Identity) (Delivery, error) {
	convs, err := s.store.ListConversationsByMember(ctx, caller.ID)
	if err != nil {
		return Delivery{}, storageError("list conversations", err)
	}
	return Delivery{Event: protocol.NewEvent(protocol.TypeConversationsList, convs)}, nil
}

// GetConversation returns one conversation with all non-deleted messages, oldest first.
func (s *Service) GetConversation(ctx context.Context, caller auth.Identity, conversationID int64) (Delivery, error) {
	conv, err := s.store.FindConversationByID(ctx, conversationID, store.ConversationQuery{Members: true, Messages: true})
	if err != nil {
		return Delivery{}, storageError("find conversation", err)
	}
	if conv == nil {
		return Delivery{}, notFound("conversation not found")
	}
	if !conv.HasMember(caller.ID) {
		return Delivery{}, forbidden("not a member of this conversation")
	}
	return Delivery{Event: protocol.NewEvent(protocol.TypeConversationDetail, conv)}, nil
}

// FindOrCreateConversation returns the conversation between the caller and
// otherID, creating it on first contact. Both members receive the result.
func (s *Service) FindOrCreateConversation(ctx context.Context, caller auth.Identity, otherID int64) (Delivery, error) {
	if otherID == caller.ID {
		return Delivery{}, invalidArgument("cannot start a conversation with yourself")
	}
	if otherID <= 0 {
		return Delivery{}, invalidArgument("otherIdentityId is required")
	}

	other, err := s.store.FindUserByID(ctx, otherID)
	if err != nil {
		return Delivery{}, storageError("find user", err)
	}
	if other == nil {
		return Delivery{}, notFound("user not found")
	}

	unlock := s.pairs.lock(caller.ID, otherID)
	defer unlock()

	conv, err := s.store.FindConversation(ctx, caller.ID, otherID)
	if err != nil {
		return Delivery{}, storageError("find conversation", err)
	}
	if conv == nil {
		conv, err = s.store.CreateConversation(ctx, caller.ID, otherID)
		if err != nil {
			return Delivery{}, storageError("create conversation", err)
		}
		s.logger.Debug("conversation created", "conversation_id", conv.ID, "user_id", caller.ID, "other_id", otherID)
	}

	if len(conv.Members) != 2 || !conv.HasMember(caller.ID) || !conv.HasMember(otherID) {
		return Delivery{}, invalidState(fmt.Sprintf("conversation %d does not have exactly the two expected members", conv.ID))
	}

	return Delivery{
		Event:   protocol.NewEvent(protocol.TypeConversationReady, conv),
		Members: conv.MemberIDs(),
	}, nil
}

// CreateMessage appends a message to a conversation the caller belongs to and
// advances its activity timestamp. Every member receives the new message.
func (s *Service) CreateMessage(ctx context.Context, caller auth.Identity, conversationID int64, content string) (Delivery, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Delivery{}, invalidArgument("message content is empty")
	}
	if s.opts.MaxContentBytes > 0 && len(content) > s.opts.MaxContentBytes {
		return Delivery{}, invalidArgument(fmt.Sprintf("message content exceeds %d bytes", s.opts.MaxContentBytes))
	}

	conv, err := s.store.FindConversationByID(ctx, conversationID, store.ConversationQuery{Members: true})
	if err != nil {
		return Delivery{}, storageError("find conversation", err)
	}
	if conv == nil {
		return Delivery{}, notFound("conversation not found")
	}
	if !conv.HasMember(caller.ID) {
		return Delivery{}, forbidden("not a member of this conversation")
	}
	recipient, ok := conv.Other(caller.ID)
	if !ok {
		return Delivery{}, invalidState(fmt.Sprintf("conversation %d does not have exactly two members", conv.ID))
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		SenderID:       caller.ID,
		RecipientID:    recipient.ID,
		Content:        content,
		SentAt:         time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return Delivery{}, storageError("create message", err)
	}

	if s.opts.Replies != nil && s.opts.BotID != 0 && recipient.ID == s.opts.BotID && caller.ID != s.opts.BotID {
		if err := s.opts.Replies.ScheduleReply(ctx, conv.ID, content); err != nil {
			s.logger.Warn("schedule bot reply failed", "conversation_id", conv.ID, "error", err)
		}
	}

	return Delivery{
		Event:   protocol.NewEvent(protocol.TypeMessageCreated, msg),
		Members: conv.MemberIDs(),
	}, nil
}

// SoftDeleteMessage marks a message deleted. Only its sender or recipient may
// delete it. Both receive a deletion notice carrying the message id.
func (s *Service) SoftDeleteMessage(ctx context.Context, caller auth.Identity, messageID int64) (Delivery, error) {
	msg, err := s.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return Delivery{}, storageError("find message", err)
	}
	if msg == nil {
		return Delivery{}, notFound("message not found")
	}
	if caller.ID != msg.SenderID && caller.ID != msg.RecipientID {
		return Delivery{}, forbidden("not allowed to delete this message")
	}

	if !msg.IsDeleted {
		if err := s.store.SoftDeleteMessage(ctx, msg.ID); err != nil {
			return Delivery{}, storageError("delete message", err)
		}
	}

	return Delivery{
		Event:   protocol.NewEvent(protocol.TypeMessageDeleted, protocol.DeletedMessage{ID: msg.ID}),
		Members: []int64{msg.SenderID, msg.RecipientID},
	}, nil
}

// TouchConversation advances the activity timestamp of a conversation the
// caller belongs to and returns the updated conversation to the caller.
func (s *Service) TouchConversation(ctx context.Context, caller auth.Identity, conversationID int64) (Delivery, error) {
	conv, err := s.store.FindConversationByID(ctx, conversationID, store.ConversationQuery{Members: true})
	if err != nil {
		return Delivery{}, storageError("find conversation", err)
	}
	if conv == nil {
		return Delivery{}, notFound("conversation not found")
	}
	if !conv.HasMember(caller.ID) {
		return Delivery{}, forbidden("not a member of this conversation")
	}

	now := time.Now().UTC()
	if err := s.store.UpdateConversationTimestamp(ctx, conv.ID, now); err != nil {
		return Delivery{}, storageError("update conversation", err)
	}
	conv.LastActivityAt = now
	return Delivery{Event: protocol.NewEvent(protocol.TypeConversationDetail, conv)}, nil
}

// DeleteConversationMessage is SoftDeleteMessage for a message addressed by
// its conversation. A message from another conversation is reported as not found.
func (s *Service) DeleteConversationMessage(ctx context.Context, caller auth.Identity, conversationID, messageID int64) (Delivery, error) {
	msg, err := s.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return Delivery{}, storageError("find message", err)
	}
	if msg == nil || msg.ConversationID != conversationID {
		return Delivery{}, notFound("message not found")
	}
	return s.SoftDeleteMessage(ctx, caller, messageID)
}

// ListOnline returns the users currently marked online.
func (s *Service) ListOnline(ctx context.Context) (Delivery, error) {
	return s.listByPresence(ctx, true, protocol.TypeOnlineList)
}

// ListOffline returns the users currently marked offline.
func (s *Service) ListOffline(ctx context.Context) (Delivery, error) {
	return s.listByPresence(ctx, false, protocol.TypeOfflineList)
}

func (s *Service) listByPresence(ctx context.Context, online bool, typ string) (Delivery, error) {
	users, err := s.store.ListUsersByPresence(ctx, online)
	if err != nil {
		return Delivery{}, storageError("list users by presence", err)
	}
	return Delivery{Event: protocol.NewEvent(typ, users)}, nil
}

// pairLocks serializes find-or-create for the same unordered pair within
// this process. The unique index on the pair covers everything else.
type pairLocks struct {
	mu    sync.Mutex
	locks map[[2]int64]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func (p *pairLocks) lock(a, b int64) (unlock func()) {
	if a > b {
		a, b = b, a
	}
	key := [2]int64{a, b}

	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
