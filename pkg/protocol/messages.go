// Package protocol defines the wire protocol exchanged between murmur clients
// and the hub over WebSocket.
//
// All frames are JSON objects with a "type" discriminant ("kind" is accepted
// as an alias on input). Request fields sit at the top level next to the
// discriminant; server events carry their payload under "data".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client → hub request types.
const (
	TypeGetConversations         = "get_conversations"
	TypeGetConversation          = "get_conversation"
	TypeFindOrCreateConversation = "find_or_create_conversation"
	TypeCreateMessage            = "create_message"
	TypeDeleteMessage            = "delete_message"
	TypeListOnline               = "list_online"
	TypeListOffline              = "list_offline"
)

// Hub → client event types.
const (
	TypeConversationsList  = "conversations_list"
	TypeConversationDetail = "conversation_detail"
	TypeConversationReady  = "conversation_ready"
	TypeMessageCreated     = "message_created"
	TypeMessageDeleted     = "message_deleted"
	TypeOnlineList         = "online_list"
	TypeOfflineList        = "offline_list"
	TypeError              = "error"
)

// legacyTypes maps request names used by earlier clients to current ones.
var legacyTypes = map[string]string{
	"get_user_chats":      TypeGetConversations,
	"get_chat":            TypeGetConversation,
	"find_or_create_chat": TypeFindOrCreateConversation,
	"online_users":        TypeListOnline,
	"offline_users":       TypeListOffline,
}

var (
	// ErrMalformed is returned when a frame is not a JSON object of the expected shape.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnsupported is returned for a well-formed frame with an unknown type.
	ErrUnsupported = errors.New("unsupported")
)

// Request is a decoded client request. The set of implementations is closed:
// only types in this package satisfy it.
type Request interface {
	Type() string
	isRequest()
}

// GetConversations lists the caller's conversations.
type GetConversations struct{}

// GetConversation fetches one conversation with its messages.
type GetConversation struct {
	ConversationID int64 `json:"conversationId"`
}

// FindOrCreateConversation opens the conversation between the caller and another user.
type FindOrCreateConversation struct {
	OtherIdentityID int64 `json:"otherIdentityId"`
}

// CreateMessage appends a message to a conversation.
type CreateMessage struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

// DeleteMessage soft-deletes a message.
type DeleteMessage struct {
	MessageID int64 `json:"messageId"`
}

// ListOnline asks for the users currently online.
type ListOnline struct{}

// ListOffline asks for the users currently offline.
type ListOffline struct{}

func (GetConversations) Type() string         { return TypeGetConversations }
func (GetConversation) Type() string          { return TypeGetConversation }
func (FindOrCreateConversation) Type() string { return TypeFindOrCreateConversation }
func (CreateMessage) Type() string            { return TypeCreateMessage }
func (DeleteMessage) Type() string            { return TypeDeleteMessage }
func (ListOnline) Type() string               { return TypeListOnline }
func (ListOffline) Type() string              { return TypeListOffline }

func (GetConversations) isRequest()         {}
func (GetConversation) isRequest()          {}
func (FindOrCreateConversation) isRequest() {}
func (CreateMessage) isRequest()            {}
func (DeleteMessage) isRequest()            {}
func (ListOnline) isRequest()               {}
func (ListOffline) isRequest()              {}

// frame is the union of every request field, including accepted aliases.
type frame struct {
	Type string `json:"type"`
	Kind string `json:"kind"`

	ConversationID  *int64  `json:"conversationId"`
	ChatID          *int64  `json:"chatId"`
	OtherIdentityID *int64  `json:"otherIdentityId"`
	RecipientID     *int64  `json:"recipientId"`
	MessageID       *int64  `json:"messageId"`
	Content         *string `json:"content"`
}

// Decode parses a raw client frame into a Request. It returns an error
// wrapping ErrMalformed when the frame cannot be parsed or a required field
// is missing, and ErrUnsupported when the type is unknown.
func Decode(raw []byte) (Request, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	typ := f.Type
	if typ == "" {
		typ = f.Kind
	}
	if typ == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if current, ok := legacyTypes[typ]; ok {
		typ = current
	}

	switch typ {
	case TypeGetConversations:
		return GetConversations{}, nil
	case TypeGetConversation:
		id, err := firstID("conversationId", f.ConversationID, f.ChatID)
		if err != nil {
			return nil, err
		}
		return GetConversation{ConversationID: id}, nil
	case TypeFindOrCreateConversation:
		id, err := firstID("otherIdentityId", f.OtherIdentityID, f.RecipientID)
		if err != nil {
			return nil, err
		}
		return FindOrCreateConversation{OtherIdentityID: id}, nil
	case TypeCreateMessage:
		id, err := firstID("conversationId", f.ConversationID, f.ChatID)
		if err != nil {
			return nil, err
		}
		if f.Content == nil {
			return nil, fmt.Errorf("%w: missing content", ErrMalformed)
		}
		return CreateMessage{ConversationID: id, Content: *f.Content}, nil
	case TypeDeleteMessage:
		id, err := firstID("messageId", f.MessageID)
		if err != nil {
			return nil, err
		}
		return DeleteMessage{MessageID: id}, nil
	case TypeListOnline:
		return ListOnline{}, nil
	case TypeListOffline:
		return ListOffline{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, typ)
	}
}

// firstID returns the first non-nil candidate.
func firstID(name string, candidates ...*int64) (int64, error) {
	for _, c := range candidates {
		if c != nil {
			return *c, nil
		}
	}
	return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
}

// Event is a hub → client frame.
type Event struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DeletedMessage is the payload of a message_deleted event.
type DeletedMessage struct {
	ID int64 `json:"id"`
}

// NewEvent builds a data-carrying event.
func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data}
}

// NewError builds an error event.
func NewError(code, message string) Event {
	return Event{Type: TypeError, Code: code, Message: message}
}

// Encode marshals an event for the wire.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
