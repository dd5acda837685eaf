package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite has a single writer. One pooled connection serializes access and
	// keeps a ":memory:" database private to this store and alive until Close.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			member_low INTEGER NOT NULL REFERENCES users(id),
			member_high INTEGER NOT NULL REFERENCES users(id),
			last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (member_low, member_high),
			CHECK (member_low < member_high)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			user_id INTEGER NOT NULL REFERENCES users(id),
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			sender_id INTEGER NOT NULL REFERENCES users(id),
			recipient_id INTEGER NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			sent_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_members_user_id ON conversation_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent ON messages(conversation_id, sent_at)`,
		`CREATE INDEX IF NOT EXISTS idx_users_online ON users(online)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

const sqliteUserColumns = "id, username, email, display_name, password_hash, online, created_at"

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, display_name, password_hash, online, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		user.Username, nullIfEmpty(user.Email), user.DisplayName, user.PasswordHash, user.Online, user.CreatedAt,
	).Scan(&user.ID)
}

// EnsureUser inserts user with its fixed id unless a row with that id exists.
// The online flag is always written so system accounts can be pinned online.
func (s *SQLiteStore) EnsureUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, password_hash, online, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET online = excluded.online`,
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Online, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) FindUserByID(ctx context.Context, id int64) (*User, error) {
	return s.findUser(ctx, "id = ?", id)
}

func (s *SQLiteStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findUser(ctx, "username = ?", username)
}

func (s *SQLiteStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, "email = ?", email)
}

func (s *SQLiteStore) findUser(ctx context.Context, where string, arg any) (*User, error) {
	var (
		u     User
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteUserColumns+" FROM users WHERE "+where, arg,
	).Scan(&u.ID, &u.Username, &email, &u.DisplayName, &u.PasswordHash, &u.Online, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	return &u, nil
}

// --- Presence ---

func (s *SQLiteStore) SetUserPresence(ctx context.Context, id int64, online bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET online = ? WHERE id = ?", online, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "user", id)
}

func (s *SQLiteStore) ListUsersByPresence(ctx context.Context, online bool) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, display_name FROM users WHERE online = ? ORDER BY display_name, id", online,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *SQLiteStore) ResetPresence(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET online = 0 WHERE online <> 0")
	return err
}

// --- Conversations ---

func (s *SQLiteStore) FindConversation(ctx context.Context, a, b int64) (*Conversation, error) {
	lo, hi := orderPair(a, b)
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM conversations WHERE member_low = ? AND member_high = ?", lo, hi,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.FindConversationByID(ctx, id, ConversationQuery{Members: true})
}

// CreateConversation inserts the conversation for the pair, or returns the
// existing one if another caller created it first.
func (s *SQLiteStore) CreateConversation(ctx context.Context, a, b int64) (*Conversation, error) {
	lo, hi := orderPair(a, b)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (member_low, member_high, last_activity_at, created_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT(member_low, member_high) DO NOTHING`,
		lo, hi, now, now,
	); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM conversations WHERE member_low = ? AND member_high = ?", lo, hi,
	).Scan(&id); err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id) VALUES (?, ?), (?, ?)
		 ON CONFLICT DO NOTHING`,
		id, lo, id, hi,
	); err != nil {
		return nil, fmt.Errorf("insert members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.FindConversationByID(ctx, id, ConversationQuery{Members: true})
}

func (s *SQLiteStore) FindConversationByID(ctx context.Context, id int64, q ConversationQuery) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, last_activity_at, created_at FROM conversations WHERE id = ?", id,
	).Scan(&c.ID, &c.LastActivityAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if q.Members {
		if c.Members, err = s.listMembers(ctx, id); err != nil {
			return nil, err
		}
	}
	if q.Messages {
		if c.Messages, err = s.listMessages(ctx, id); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (s *SQLiteStore) ListConversationsByMember(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.last_activity_at, c.created_at
		 FROM conversations c JOIN conversation_members m ON m.conversation_id = c.id
		 WHERE m.user_id = ?
		 ORDER BY c.last_activity_at DESC, c.id DESC`, userID,
	)
	if err != nil {
		return nil, err
	}

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.LastActivityAt, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	// Close before issuing follow-up queries: the pool holds a single connection.
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		if convs[i].Members, err = s.listMembers(ctx, convs[i].ID); err != nil {
			return nil, err
		}
		if convs[i].LastMessage, err = s.lastMessage(ctx, convs[i].ID); err != nil {
			return nil, err
		}
	}
	if convs == nil {
		convs = []Conversation{}
	}
	return convs, nil
}

func (s *SQLiteStore) UpdateConversationTimestamp(ctx context.Context, id int64, ts time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET last_activity_at = ? WHERE id = ?", ts.UTC(), id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "conversation", id)
}

func (s *SQLiteStore) listMembers(ctx context.Context, conversationID int64) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.display_name FROM conversation_members m JOIN users u ON u.id = m.user_id
		 WHERE m.conversation_id = ? ORDER BY u.id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName); err != nil {
			return nil, err
		}
		members = append(members, p)
	}
	return members, rows.Err()
}

// --- Messages ---

const sqliteMessageColumns = "id, conversation_id, sender_id, recipient_id, content, sent_at, is_deleted"

// CreateMessage inserts the message and advances the conversation's
// last_activity_at to its send time in one transaction.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, recipient_id, content, sent_at, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		msg.ConversationID, msg.SenderID, msg.RecipientID, msg.Content, msg.SentAt, msg.IsDeleted,
	).Scan(&msg.ID); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET last_activity_at = ? WHERE id = ?", msg.SentAt, msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("update conversation timestamp: %w", err)
	}
	if err := expectOneRow(res, "conversation", msg.ConversationID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) FindMessageByID(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteMessageColumns+" FROM messages WHERE id = ?", id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.SentAt, &m.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET is_deleted = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "message", id)
}

func (s *SQLiteStore) ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM (
			SELECT `+sqliteMessageColumns+` FROM messages
			WHERE conversation_id = ? AND is_deleted = 0
			ORDER BY sent_at DESC, id DESC LIMIT ?
		 ) AS recent ORDER BY sent_at, id`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) listMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages
		 WHERE conversation_id = ? AND is_deleted = 0 ORDER BY sent_at, id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) lastMessage(ctx context.Context, conversationID int64) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages
		 WHERE conversation_id = ? AND is_deleted = 0 ORDER BY sent_at DESC, id DESC LIMIT 1`,
		conversationID,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.SentAt, &m.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- helpers shared by both drivers ---

func scanMessages(rows *sql.Rows) ([]Message, error) {
	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.SentAt, &m.IsDeleted); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func expectOneRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s %d: %d rows affected", what, id, n)
	}
	return nil
}
