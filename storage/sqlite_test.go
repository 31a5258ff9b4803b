package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSqliteStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "parley.db")
	ctx := context.Background()

	storage, err := OpenSqlite(path)
	if err != nil {
		t.Fatalf("OpenSqlite failed: %v", err)
	}
	if err := storage.Save(ctx, sampleChat("chat-1", "alice")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, _, err := storage.Reserve(ctx, "alice", time.Now(), 10); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	storage.Close()

	reopened, err := OpenSqlite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	chat, err := reopened.Load(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(chat.Messages) != 4 {
		t.Errorf("expected 4 messages, got %d", len(chat.Messages))
	}
	count, _, _ := reopened.GetCount(ctx, "alice", time.Now())
	if count != 1 {
		t.Errorf("expected quota count 1, got %d", count)
	}
}

func TestSqliteStorageKeepsCreatedAt(t *testing.T) {
	storage, err := NewSqliteInMemory()
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer storage.Close()

	ctx := context.Background()
	chat := sampleChat("chat-1", "alice")
	chat.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := storage.Save(ctx, chat); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	chat.CreatedAt = time.Now()
	chat.Title = "Renamed"
	if err := storage.Save(ctx, chat); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, _ := storage.Load(ctx, "chat-1")
	if !loaded.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("CreatedAt changed on update: %v", loaded.CreatedAt)
	}
	if loaded.Title != "Renamed" {
		t.Errorf("Title = %q", loaded.Title)
	}
}
