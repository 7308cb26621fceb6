package sessions

import (
	"context"
	"testing"

	"github.com/nexus-agent/corectl/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreCreateAndGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1", Key: "agent-1:cli:local"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated session ID")
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Fatalf("AgentID = %q, want agent-1", got.AgentID)
	}
}

func TestSQLiteStoreGetOrCreateIsIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "k1", "agent-1", models.ChannelCLI, "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := store.GetOrCreate(ctx, "k1", "agent-1", models.ChannelCLI, "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate (again): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same session ID, got %q and %q", first.ID, second.ID)
	}
}

func TestSQLiteStoreAppendAndGetHistory(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg := &models.Message{
			SessionID: session.ID,
			Role:      models.RoleUser,
			Content:   "hello",
		}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}

	limited, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory (limited): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("len(limited) = %d, want 2", len(limited))
	}
}

func TestSQLiteStoreDeleteRemovesMessages(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.AppendMessage(ctx, session.ID, &models.Message{SessionID: session.ID, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, session.ID); err == nil {
		t.Fatal("expected error getting deleted session")
	}
	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory after delete: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected no history after delete, got %d", len(history))
	}
}
