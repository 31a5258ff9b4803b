// Package storage provides in-memory storage.
//
// Information Hiding:
// - Map storage structures hidden from users
// - Thread-safe access via RWMutex hidden behind interfaces
// - Suitable for testing and ephemeral deployments

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/richinex/parley/model"
)

type storedChat struct {
	chat      model.Chat
	updatedAt time.Time
}

// InMemoryStorage implements Store using in-memory maps.
// Data is lost when process terminates.
type InMemoryStorage struct {
	mu           sync.RWMutex
	chats        map[string]storedChat
	counts       map[string]int
	grants       map[string]map[string]model.Grant
	instructions map[string]string
}

// NewInMemoryStorage creates a new in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		chats:        make(map[string]storedChat),
		counts:       make(map[string]int),
		grants:       make(map[string]map[string]model.Grant),
		instructions: make(map[string]string),
	}
}

// Close is a no-op.
func (s *InMemoryStorage) Close() error {
	return nil
}

// Save upserts a chat.
func (s *InMemoryStorage) Save(ctx context.Context, chat model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.chats[chat.ID]; ok {
		if existing.chat.UserID != chat.UserID {
			return fmt.Errorf("save %s: %w", chat.ID, ErrChatOwnership)
		}
		chat.CreatedAt = existing.chat.CreatedAt
	}

	// Make a copy to avoid external mutations
	chat.Messages = append([]model.Message(nil), chat.Messages...)
	s.chats[chat.ID] = storedChat{chat: chat, updatedAt: time.Now().UTC()}
	return nil
}

// Load returns a chat or ErrChatNotFound.
func (s *InMemoryStorage) Load(ctx context.Context, chatID string) (model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.chats[chatID]
	if !ok {
		return model.Chat{}, ErrChatNotFound
	}

	// Return a copy to avoid external mutations
	chat := stored.chat
	chat.Messages = append([]model.Message{}, stored.chat.Messages...)
	return chat, nil
}

// ListByUser lists a user's chats, most recently updated first.
func (s *InMemoryStorage) ListByUser(ctx context.Context, userID string) ([]ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := []ChatSummary{} // Start with empty slice, not nil
	for _, stored := range s.chats {
		if stored.chat.UserID != userID {
			continue
		}
		summaries = append(summaries, ChatSummary{
			ID:        stored.chat.ID,
			Title:     stored.chat.Title,
			CreatedAt: stored.chat.CreatedAt,
			UpdatedAt: stored.updatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete removes a chat.
func (s *InMemoryStorage) Delete(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return ErrChatNotFound
	}
	delete(s.chats, chatID)
	return nil
}

func quotaKey(userID string, day time.Time) string {
	return userID + "/" + dayKey(day)
}

// GetCount returns the user's message count for the day.
func (s *InMemoryStorage) GetCount(ctx context.Context, userID string, day time.Time) (int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[quotaKey(userID, day)], ResetAt(day), nil
}

// Reserve counts one message for the day if the limit allows it.
func (s *InMemoryStorage) Reserve(ctx context.Context, userID string, day time.Time, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey(userID, day)
	count := s.counts[key]
	if limit > 0 && count >= limit {
		return count, false, nil
	}
	s.counts[key] = count + 1
	return count + 1, true, nil
}

// Release takes back one counted message.
func (s *InMemoryStorage) Release(ctx context.Context, userID string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey(userID, day)
	if s.counts[key] > 0 {
		s.counts[key]--
	}
	return nil
}

// Grants lists a user's grants ordered by integration name.
func (s *InMemoryStorage) Grants(ctx context.Context, userID string) ([]model.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grants := []model.Grant{}
	for _, g := range s.grants[userID] {
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].Integration < grants[j].Integration
	})
	return grants, nil
}

// PutGrant creates or replaces a grant.
func (s *InMemoryStorage) PutGrant(ctx context.Context, grant model.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	if s.grants[grant.UserID] == nil {
		s.grants[grant.UserID] = make(map[string]model.Grant)
	}
	s.grants[grant.UserID][grant.Integration] = grant
	return nil
}

// DeleteGrant removes a grant. Removing a missing grant is not an error.
func (s *InMemoryStorage) DeleteGrant(ctx context.Context, userID, integration string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants[userID], integration)
	return nil
}

// Instruction returns the user's standing instruction.
func (s *InMemoryStorage) Instruction(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instructions[userID], nil
}

// SetInstruction sets the user's standing instruction. An empty instruction clears it.
func (s *InMemoryStorage) SetInstruction(ctx context.Context, userID, instruction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if instruction == "" {
		delete(s.instructions, userID)
		return nil
	}
	s.instructions[userID] = instruction
	return nil
}

// Verify InMemoryStorage implements Store
var _ Store = (*InMemoryStorage)(nil)
