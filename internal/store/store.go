// Package store persists chats and their messages in SQLite. A message's
// content column holds the serialized part array, so heterogeneous parts
// (text, inline binary, file references) round-trip losslessly through
// multi-turn conversations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yuanwj/gemini-chat/internal/content"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
`

// Chat is one conversation row.
type Chat struct {
	ID        int64
	CreatedAt time.Time
}

// Store is the SQLite-backed conversation store. Safe for concurrent use;
// SQLite's single-writer model is enforced through the connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateChat inserts a new chat row and returns its id.
func (s *Store) CreateChat(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO chats DEFAULT VALUES")
	if err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	return id, nil
}

// GetChat returns the chat with the given id, or nil when it does not exist.
func (s *Store) GetChat(ctx context.Context, id int64) (*Chat, error) {
	var c Chat
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM chats WHERE id = ?", id,
	).Scan(&c.ID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %d: %w", id, err)
	}
	return &c, nil
}

// AppendMessage appends one turn to a chat's history and returns the
// message id.
func (s *Store) AppendMessage(ctx context.Context, chatID int64, role string, parts []content.Part) (int64, error) {
	raw, err := json.Marshal(parts)
	if err != nil {
		return 0, fmt.Errorf("marshal parts: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (chat_id, role, content) VALUES (?, ?, ?)",
		chatID, role, string(raw),
	)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return id, nil
}

// History returns the chat's turns oldest first. Insertion order is the
// chronological order; the autoincrement id is the sort key.
func (s *Store) History(ctx context.Context, chatID int64) ([]content.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content FROM messages WHERE chat_id = ? ORDER BY id ASC", chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("load history %d: %w", chatID, err)
	}
	defer rows.Close()

	var turns []content.Turn
	for rows.Next() {
		var role, raw string
		if err := rows.Scan(&role, &raw); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var parts []content.Part
		if err := json.Unmarshal([]byte(raw), &parts); err != nil {
			return nil, fmt.Errorf("unmarshal message content: %w", err)
		}
		turns = append(turns, content.Turn{Role: role, Parts: parts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history %d: %w", chatID, err)
	}
	return turns, nil
}
