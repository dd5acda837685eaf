package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			online BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			member_low BIGINT NOT NULL REFERENCES users(id),
			member_high BIGINT NOT NULL REFERENCES users(id),
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (member_low, member_high),
			CHECK (member_low < member_high)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			user_id BIGINT NOT NULL REFERENCES users(id),
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			sender_id BIGINT NOT NULL REFERENCES users(id),
			recipient_id BIGINT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

const pgUserColumns = "id, username, email, display_name, password_hash, online, created_at"

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, display_name, password_hash, online, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		user.Username, nullIfEmpty(user.Email), user.DisplayName, user.PasswordHash, user.Online, user.CreatedAt,
	).Scan(&user.ID)
}

func (s *PostgresStore) EnsureUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, password_hash, online, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(id) DO UPDATE SET online = EXCLUDED.online`,
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Online, user.CreatedAt,
	); err != nil {
		return err
	}

	// An explicit id does not advance the BIGSERIAL sequence.
	if _, err := tx.ExecContext(ctx,
		`SELECT setval(pg_get_serial_sequence('users', 'id'), GREATEST((SELECT MAX(id) FROM users), 1))`,
	); err != nil {
		return fmt.Errorf("advance user sequence: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) FindUserByID(ctx context.Context, id int64) (*User, error) {
	return s.findUser(ctx, "id = $1", id)
}

func (s *PostgresStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findUser(ctx, "username = $1", username)
}

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, "email = $1", email)
}

func (s *PostgresStore) findUser(ctx context.Context, where string, arg any) (*User, error) {
	var (
		u     User
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT "+pgUserColumns+" FROM users WHERE "+where, arg,
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

func (s *PostgresStore) SetUserPresence(ctx context.Context, id int64, online bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET online = $1 WHERE id = $2", online, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "user", id)
}

func (s *PostgresStore) ListUsersByPresence(ctx context.Context, online bool) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, display_name FROM users WHERE online = $1 ORDER BY display_name, id", online,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) ResetPresence(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET online = FALSE WHERE online")
	return err
}

// --- Conversations ---

func (s *PostgresStore) FindConversation(ctx context.Context, a, b int64) (*Conversation, error) {
	lo, hi := orderPair(a, b)
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM conversations WHERE member_low = $1 AND member_high = $2", lo, hi,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.FindConversationByID(ctx, id, ConversationQuery{Members: true})
}

func (s *PostgresStore) CreateConversation(ctx context.Context, a, b int64) (*Conversation, error) {
	lo, hi := orderPair(a, b)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (member_low, member_high, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT(member_low, member_high) DO NOTHING`,
		lo, hi, now, now,
	); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM conversations WHERE member_low = $1 AND member_high = $2", lo, hi,
	).Scan(&id); err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2), ($1, $3)
		 ON CONFLICT DO NOTHING`,
		id, lo, hi,
	); err != nil {
		return nil, fmt.Errorf("insert members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.FindConversationByID(ctx, id, ConversationQuery{Members: true})
}

func (s *PostgresStore) FindConversationByID(ctx context.Context, id int64, q ConversationQuery) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, last_activity_at, created_at FROM conversations WHERE id = $1", id,
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

func (s *PostgresStore) ListConversationsByMember(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.last_activity_at, c.created_at
		 FROM conversations c JOIN conversation_members m ON m.conversation_id = c.id
		 WHERE m.user_id = $1
		 ORDER BY c.last_activity_at DESC, c.id DESC`, userID,
	)
	if err != nil {
		return nil, err
	}

	convs := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.LastActivityAt, &c.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	_ = rows.Close()
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
	return convs, nil
}

func (s *PostgresStore) UpdateConversationTimestamp(ctx context.Context, id int64, ts time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET last_activity_at = $1 WHERE id = $2", ts.UTC(), id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "conversation", id)
}

func (s *PostgresStore) listMembers(ctx context.Context, conversationID int64) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.display_name FROM conversation_members m JOIN users u ON u.id = m.user_id
		 WHERE m.conversation_id = $1 ORDER BY u.id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

const pgMessageColumns = "id, conversation_id, sender_id, recipient_id, content, sent_at, is_deleted"

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, recipient_id, content, sent_at, is_deleted)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		msg.ConversationID, msg.SenderID, msg.RecipientID, msg.Content, msg.SentAt, msg.IsDeleted,
	).Scan(&msg.ID); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET last_activity_at = $1 WHERE id = $2", msg.SentAt, msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("update conversation timestamp: %w", err)
	}
	if err := expectOneRow(res, "conversation", msg.ConversationID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) FindMessageByID(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		"SELECT "+pgMessageColumns+" FROM messages WHERE id = $1", id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.SentAt, &m.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET is_deleted = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "message", id)
}

func (s *PostgresStore) ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgMessageColumns+` FROM (
			SELECT `+pgMessageColumns+` FROM messages
			WHERE conversation_id = $1 AND NOT is_deleted
			ORDER BY sent_at DESC, id DESC LIMIT $2
		 ) AS recent ORDER BY sent_at, id`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func (s *PostgresStore) listMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE conversation_id = $1 AND NOT is_deleted ORDER BY sent_at, id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func (s *PostgresStore) lastMessage(ctx context.Context, conversationID int64) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE conversation_id = $1 AND NOT is_deleted ORDER BY sent_at DESC, id DESC LIMIT 1`,
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
