// Package storage provides SQLite storage.
//
// Information Hiding:
// - SQLite connection management hidden behind interfaces
// - Schema and column encoding details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/richinex/parley/model"
)

// SqliteStorage implements Store using SQLite.
// Thread-safe: sql.DB handles connection pooling and concurrent access.
type SqliteStorage struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SqliteStorage, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return newSqlite(db)
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory() (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// Every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	return newSqlite(db)
}

func newSqlite(db *sql.DB) (*SqliteStorage, error) {
	storage := &SqliteStorage{db: db}
	if err := storage.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return storage, nil
}

// Close closes the database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func (s *SqliteStorage) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chats_user
		ON chats(user_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			chat_id TEXT NOT NULL,
			message_index INTEGER NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT,
			tool_calls TEXT,
			tool_results TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (chat_id, message_index)
		);

		CREATE TABLE IF NOT EXISTS quota (
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, day)
		);

		CREATE TABLE IF NOT EXISTS grants (
			user_id TEXT NOT NULL,
			integration TEXT NOT NULL,
			credential TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, integration)
		);

		CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			instruction TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save upserts a chat, replacing its messages.
func (s *SqliteStorage) Save(ctx context.Context, chat model.Chat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, "SELECT user_id FROM chats WHERE id = ?", chat.ID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to look up chat: %w", err)
	case owner != chat.UserID:
		return fmt.Errorf("save %s: %w", chat.ID, ErrChatOwnership)
	}

	createdAt := chat.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at`,
		chat.ID, chat.UserID, chat.Title, createdAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}

	// Clear existing messages for this chat
	_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chat.ID)
	if err != nil {
		return fmt.Errorf("failed to clear old messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages
		(chat_id, message_index, id, role, content, attachments, tool_calls, tool_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for i, msg := range chat.Messages {
		attachments, err := encodeColumn(msg.Attachments)
		if err != nil {
			return err
		}
		calls, err := encodeColumn(msg.ToolCalls)
		if err != nil {
			return err
		}
		results, err := encodeColumn(msg.ToolResults)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, chat.ID, i, msg.ID, string(msg.Role), msg.Content,
			attachments, calls, results, msg.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// encodeColumn stores empty slices as NULL and others as JSON.
func encodeColumn[T any](items []T) (interface{}, error) {
	if len(items) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode column: %w", err)
	}
	return string(data), nil
}

func decodeColumn[T any](column sql.NullString, into *[]T) error {
	if !column.Valid || column.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(column.String), into); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

// Load loads a chat and its messages.
func (s *SqliteStorage) Load(ctx context.Context, chatID string) (model.Chat, error) {
	chat := model.Chat{ID: chatID}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, title, created_at FROM chats WHERE id = ?", chatID).
		Scan(&chat.UserID, &chat.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return model.Chat{}, fmt.Errorf("failed to load chat: %w", err)
	}
	chat.CreatedAt = time.Unix(0, createdAt).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, attachments, tool_calls, tool_results, created_at
		FROM messages WHERE chat_id = ? ORDER BY message_index ASC`, chatID)
	if err != nil {
		return model.Chat{}, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	chat.Messages = []model.Message{} // Start with empty slice, not nil
	for rows.Next() {
		var (
			msg                         model.Message
			role                        string
			attachments, calls, results sql.NullString
			timestamp                   int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &attachments, &calls, &results, &timestamp); err != nil {
			return model.Chat{}, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		if !msg.Role.Valid() {
			return model.Chat{}, fmt.Errorf("invalid role %q in database", role)
		}
		if err := decodeColumn(attachments, &msg.Attachments); err != nil {
			return model.Chat{}, err
		}
		if err := decodeColumn(calls, &msg.ToolCalls); err != nil {
			return model.Chat{}, err
		}
		if err := decodeColumn(results, &msg.ToolResults); err != nil {
			return model.Chat{}, err
		}
		msg.Timestamp = time.Unix(0, timestamp).UTC()
		chat.Messages = append(chat.Messages, msg)
	}

	if err := rows.Err(); err != nil {
		return model.Chat{}, fmt.Errorf("error iterating messages: %w", err)
	}
	return chat, nil
}

// ListByUser lists a user's chats, most recently updated first.
func (s *SqliteStorage) ListByUser(ctx context.Context, userID string) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at FROM chats
		WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	summaries := []ChatSummary{} // Start with empty slice, not nil
	for rows.Next() {
		var summary ChatSummary
		var createdAt, updatedAt int64
		if err := rows.Scan(&summary.ID, &summary.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		summary.CreatedAt = time.Unix(0, createdAt).UTC()
		summary.UpdatedAt = time.Unix(0, updatedAt).UTC()
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chats: %w", err)
	}
	return summaries, nil
}

// Delete removes a chat and its messages.
func (s *SqliteStorage) Delete(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrChatNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetCount returns the user's message count for the day.
func (s *SqliteStorage) GetCount(ctx context.Context, userID string, day time.Time) (int, time.Time, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT count FROM quota WHERE user_id = ? AND day = ?", userID, dayKey(day)).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("failed to read quota: %w", err)
	}
	return count, ResetAt(day), nil
}

// Reserve counts one message for the day if the limit allows it. The
// conditional upsert is a single statement, so concurrent reservations
// cannot overshoot the limit.
func (s *SqliteStorage) Reserve(ctx context.Context, userID string, day time.Time, limit int) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := dayKey(day)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO quota (user_id, day, count) VALUES (?, ?, 1)
		ON CONFLICT(user_id, day) DO UPDATE SET count = count + 1
		WHERE ? <= 0 OR count < ?`, userID, key, limit, limit)
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve quota: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT count FROM quota WHERE user_id = ? AND day = ?", userID, key).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return count, affected > 0, nil
}

// Release takes back one counted message.
func (s *SqliteStorage) Release(ctx context.Context, userID string, day time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE quota SET count = count - 1 WHERE user_id = ? AND day = ? AND count > 0",
		userID, dayKey(day))
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// Grants lists a user's grants ordered by integration name.
func (s *SqliteStorage) Grants(ctx context.Context, userID string) ([]model.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT integration, credential, created_at FROM grants
		WHERE user_id = ? ORDER BY integration ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	grants := []model.Grant{}
	for rows.Next() {
		grant := model.Grant{UserID: userID}
		var credential sql.NullString
		var createdAt int64
		if err := rows.Scan(&grant.Integration, &credential, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		if credential.Valid {
			grant.Credential = credential.String
		}
		grant.CreatedAt = time.Unix(0, createdAt).UTC()
		grants = append(grants, grant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}
	return grants, nil
}

// PutGrant creates or replaces a grant.
func (s *SqliteStorage) PutGrant(ctx context.Context, grant model.Grant) error {
	createdAt := grant.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	// Convert empty strings to NULL for optional fields
	var credential interface{}
	if grant.Credential != "" {
		credential = grant.Credential
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO grants (user_id, integration, credential, created_at)
		VALUES (?, ?, ?, ?)`,
		grant.UserID, grant.Integration, credential, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// DeleteGrant removes a grant.
func (s *SqliteStorage) DeleteGrant(ctx context.Context, userID, integration string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM grants WHERE user_id = ? AND integration = ?", userID, integration)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

// Instruction returns the user's standing instruction.
func (s *SqliteStorage) Instruction(ctx context.Context, userID string) (string, error) {
	var instruction string
	err := s.db.QueryRowContext(ctx,
		"SELECT instruction FROM profiles WHERE user_id = ?", userID).Scan(&instruction)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read profile: %w", err)
	}
	return instruction, nil
}

// SetInstruction sets the user's standing instruction. An empty instruction clears it.
func (s *SqliteStorage) SetInstruction(ctx context.Context, userID, instruction string) error {
	var err error
	if instruction == "" {
		_, err = s.db.ExecContext(ctx, "DELETE FROM profiles WHERE user_id = ?", userID)
	} else {
		_, err = s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO profiles (user_id, instruction) VALUES (?, ?)", userID, instruction)
	}
	if err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}
	return nil
}

// Verify SqliteStorage implements Store
var _ Store = (*SqliteStorage)(nil)
