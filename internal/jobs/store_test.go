package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-agent/corectl/pkg/models"
)

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	job := &Job{
		ID:         "job-1",
		ToolName:   "tool",
		ToolCallID: "call-1",
		Status:     StatusQueued,
		CreatedAt:  time.Now(),
		Result:     &models.ToolResult{ToolCallID: "call-1", Content: "ok"},
	}

	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != "job-1" {
		t.Fatalf("expected job, got %+v", got)
	}
	if got.Result == nil || got.Result.Content != "ok" {
		t.Fatalf("expected result content, got %+v", got.Result)
	}

	job.Status = StatusSucceeded
	if err := store.Update(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.Get(context.Background(), "job-1")
	if got.Status != StatusSucceeded {
		t.Fatalf("expected status %q, got %q", StatusSucceeded, got.Status)
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	old := &Job{ID: "old", Status: StatusSucceeded, CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &Job{ID: "fresh", Status: StatusQueued, CreatedAt: time.Now()}
	_ = store.Create(context.Background(), old)
	_ = store.Create(context.Background(), fresh)

	pruned, err := store.Prune(context.Background(), time.Hour)
	if err != nil || pruned != 1 {
		t.Fatalf("Prune = %d, %v", pruned, err)
	}
	if got, _ := store.Get(context.Background(), "old"); got != nil {
		t.Error("old job survived prune")
	}
	if got, _ := store.Get(context.Background(), "fresh"); got == nil {
		t.Error("fresh job was pruned")
	}
}

func TestMemoryStoreCancel(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Job{ID: "job-1", Status: StatusRunning, CreatedAt: time.Now()})

	cancelled := false
	store.SetCancelFunc("job-1", func() { cancelled = true })

	if err := store.Cancel(context.Background(), "job-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := store.Get(context.Background(), "job-1")
	if got.Status != StatusFailed || got.Error != "job cancelled" {
		t.Errorf("job = %+v", got)
	}
	if !cancelled {
		t.Error("cancel func did not run")
	}

	// Cancelling an unknown or finished job is a no-op.
	if err := store.Cancel(context.Background(), "missing"); err != nil {
		t.Errorf("Cancel(missing): %v", err)
	}
}
