// Package store defines the persistence interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the hub.
//
// Lookups return (nil, nil) when the row does not exist. Any non-nil error is a
// storage failure.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	EnsureUser(ctx context.Context, user *User) error
	FindUserByID(ctx context.Context, id int64) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// Presence
	SetUserPresence(ctx context.Context, id int64, online bool) error
	ListUsersByPresence(ctx context.Context, online bool) ([]Profile, error)
	ResetPresence(ctx context.Context) error

	// Conversations
	FindConversation(ctx context.Context, a, b int64) (*Conversation, error)
	CreateConversation(ctx context.Context, a, b int64) (*Conversation, error)
	FindConversationByID(ctx context.Context, id int64, q ConversationQuery) (*Conversation, error)
	ListConversationsByMember(ctx context.Context, userID int64) ([]Conversation, error)
	UpdateConversationTimestamp(ctx context.Context, id int64, ts time.Time) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	FindMessageByID(ctx context.Context, id int64) (*Message, error)
	SoftDeleteMessage(ctx context.Context, id int64) error
	ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"` // empty for system accounts
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"-"`
	Online       bool      `json:"online"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Profile returns the public view of the user.
func (u *User) Profile() Profile {
	return Profile{ID: u.ID, DisplayName: u.DisplayName}
}

// Profile is the public shape of a user as seen by other users.
type Profile struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
}

// Conversation is a two-party message thread.
type Conversation struct {
	ID             int64     `json:"id"`
	Members        []Profile `json:"members"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
	Messages       []Message `json:"messages,omitempty"`    // set by FindConversationByID when requested
	LastMessage    *Message  `json:"lastMessage,omitempty"` // set by ListConversationsByMember
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID int64) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// Other returns the member that is not userID. ok is false if userID is not a
// member or the conversation does not have exactly two members.
func (c *Conversation) Other(userID int64) (Profile, bool) {
	if len(c.Members) != 2 || !c.HasMember(userID) {
		return Profile{}, false
	}
	if c.Members[0].ID == userID {
		return c.Members[1], true
	}
	return c.Members[0], true
}

// MemberIDs returns the ids of all members.
func (c *Conversation) MemberIDs() []int64 {
	ids := make([]int64, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return ids
}

// ConversationQuery selects which relations FindConversationByID loads.
type ConversationQuery struct {
	Members  bool
	Messages bool // non-deleted messages, oldest first
}

// Message is a stored direct message. Deletion is logical only.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	RecipientID    int64     `json:"recipientId"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	IsDeleted      bool      `json:"isDeleted"`
}

// orderPair returns the pair with the lower id first. Conversations are keyed
// on the ordered pair so that (a, b) and (b, a) hit the same row.
func orderPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// nullIfEmpty stores an empty optional column as NULL so UNIQUE ignores it.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
