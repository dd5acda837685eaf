package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/murmur-chat/murmur/hub/internal/bot"
	"github.com/murmur-chat/murmur/hub/internal/chat"
	"github.com/murmur-chat/murmur/hub/internal/store"
	"github.com/murmur-chat/murmur/pkg/protocol"
)

// REST mirror of the websocket chat operations. Results that concern other
// members are also pushed to their live connections.

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	d, err := s.chat.ListConversations(r.Context(), *getIdentityFromContext(r.Context()))
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Event.Data)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientID int64 `json:"recipientId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.RecipientID == 0 {
		writeError(w, http.StatusBadRequest, "recipientId is required")
		return
	}

	d, err := s.chat.FindOrCreateConversation(r.Context(), *getIdentityFromContext(r.Context()), req.RecipientID)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	s.deliver(d)
	writeJSON(w, http.StatusCreated, d.Event.Data)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatid")
	if !ok {
		return
	}
	d, err := s.chat.GetConversation(r.Context(), *getIdentityFromContext(r.Context()), chatID)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Event.Data)
}

// handleTouchChat marks the conversation active now.
func (s *Server) handleTouchChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatid")
	if !ok {
		return
	}
	d, err := s.chat.TouchConversation(r.Context(), *getIdentityFromContext(r.Context()), chatID)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Event.Data)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatid")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	d, err := s.chat.CreateMessage(r.Context(), *getIdentityFromContext(r.Context()), chatID, req.Content)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	s.deliver(d)
	writeJSON(w, http.StatusCreated, d.Event.Data)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatid")
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageid")
	if !ok {
		return
	}

	d, err := s.chat.DeleteConversationMessage(r.Context(), *getIdentityFromContext(r.Context()), chatID, messageID)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	s.deliver(d)
	writeJSON(w, http.StatusOK, d.Event.Data)
}

// handleBotMessage answers content synchronously in the caller's bot
// conversation, opening it when chatId is absent. Only the reply is stored.
func (s *Server) handleBotMessage(w http.ResponseWriter, r *http.Request) {
	if s.bot == nil {
		writeError(w, http.StatusServiceUnavailable, "chatbot is disabled")
		return
	}
	var req struct {
		Content string `json:"content"`
		ChatID  *int64 `json:"chatId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	ctx := r.Context()
	caller := *getIdentityFromContext(ctx)
	var conv *store.Conversation
	if req.ChatID != nil {
		d, err := s.chat.GetConversation(ctx, caller, *req.ChatID)
		if err != nil {
			s.writeChatError(w, err)
			return
		}
		conv = d.Event.Data.(*store.Conversation)
		if !conv.HasMember(s.botID) {
			writeError(w, http.StatusBadRequest, "chatId is not a chatbot conversation")
			return
		}
	} else {
		d, err := s.chat.FindOrCreateConversation(ctx, caller, s.botID)
		if err != nil {
			s.writeChatError(w, err)
			return
		}
		s.deliver(d)
		conv = d.Event.Data.(*store.Conversation)
	}

	d, err := s.bot.Reply(ctx, conv.ID, content)
	switch {
	case errors.Is(err, bot.ErrProvider), errors.Is(err, bot.ErrEmptyReply):
		s.logger.Warn("chatbot reply failed", "user_id", caller.ID, "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to get chatbot response")
		return
	case err != nil:
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": d.Event.Data})
}

// deliver pushes a fan-out result to the members' live connections. A
// result meant for the caller alone is already in the HTTP response.
func (s *Server) deliver(d chat.Delivery) {
	if len(d.Members) == 0 || s.conns == nil {
		return
	}
	data, err := protocol.Encode(d.Event)
	if err != nil {
		s.logger.Error("encode delivery failed", "type", d.Event.Type, "error", err)
		return
	}
	s.conns.SendToMany(d.Members, data)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// writeChatError maps an operation error to its HTTP status. Internal
// causes are logged, never returned.
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	e := chat.AsError(err)
	status := http.StatusInternalServerError
	switch e.Code {
	case chat.CodeInvalidArgument:
		status = http.StatusBadRequest
	case chat.CodeForbidden:
		status = http.StatusForbidden
	case chat.CodeNotFound:
		status = http.StatusNotFound
	default:
		s.logger.Error("chat operation failed", "code", e.Code, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": e.Message, "code": e.Code})
}
