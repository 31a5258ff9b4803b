// Package storage provides chat transcript, quota, grant and profile storage.
//
// Information Hiding:
// - Storage backend implementation details hidden behind interfaces
// - Allows swapping between memory and SQLite without API changes
// - Each storage implementation encapsulates its own data structures and protocols

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/richinex/parley/model"
)

var (
	// ErrChatNotFound is returned when no transcript exists for a chat ID.
	ErrChatNotFound = errors.New("chat not found")
	// ErrChatOwnership is returned when a chat ID belongs to another user.
	ErrChatOwnership = errors.New("chat belongs to another user")
)

// ChatSummary is a transcript listing entry without messages.
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TranscriptStore durably records finished turns.
type TranscriptStore interface {
	// Save upserts a chat. Saving the same chat ID twice keeps one transcript
	// holding the latest messages. Returns ErrChatOwnership if the ID is
	// already stored for a different user.
	Save(ctx context.Context, chat model.Chat) error

	// Load returns the chat or ErrChatNotFound.
	Load(ctx context.Context, chatID string) (model.Chat, error)

	// ListByUser lists a user's chats, most recently updated first.
	ListByUser(ctx context.Context, userID string) ([]ChatSummary, error)

	// Delete removes a chat. Returns ErrChatNotFound if it does not exist.
	Delete(ctx context.Context, chatID string) error
}

// QuotaStore keeps per-user daily message counters.
// day is truncated to its UTC date; the counter for a day resets at the
// following UTC midnight.
type QuotaStore interface {
	// GetCount returns the user's count for the day and when it resets.
	GetCount(ctx context.Context, userID string, day time.Time) (count int, resetAt time.Time, err error)

	// Reserve atomically adds one to the user's count for the day unless the
	// count has reached limit. A limit of zero or less never refuses. It
	// returns the resulting count and whether the reservation was made.
	Reserve(ctx context.Context, userID string, day time.Time, limit int) (count int, ok bool, err error)

	// Release takes back one reservation. The count never drops below zero.
	Release(ctx context.Context, userID string, day time.Time) error
}

// GrantStore records which integrations each user has enabled.
type GrantStore interface {
	Grants(ctx context.Context, userID string) ([]model.Grant, error)
	PutGrant(ctx context.Context, grant model.Grant) error
	DeleteGrant(ctx context.Context, userID, integration string) error
}

// ProfileStore holds per-user profile settings.
type ProfileStore interface {
	// Instruction returns the user's standing instruction, or "" if none is set.
	Instruction(ctx context.Context, userID string) (string, error)
	SetInstruction(ctx context.Context, userID, instruction string) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	TranscriptStore
	QuotaStore
	GrantStore
	ProfileStore
	Close() error
}

// dayStart truncates t to midnight UTC.
func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// dayKey formats the UTC date of t.
func dayKey(t time.Time) string {
	return dayStart(t).Format(time.DateOnly)
}

// ResetAt returns when the counter for t's day resets.
func ResetAt(t time.Time) time.Time {
	return dayStart(t).Add(24 * time.Hour)
}
