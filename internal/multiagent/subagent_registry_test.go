package multiagent

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSubagentRegistryLifecycle(t *testing.T) {
	runs := newTestRunRegistry(t)

	record := runs.Register(RegisterSubagentParams{RunID: "run-1", Task: "summarize"})
	if record.TimeoutMs != 60_000 {
		t.Errorf("TimeoutMs = %d, want default", record.TimeoutMs)
	}
	if record.IsComplete() {
		t.Error("fresh run must not be complete")
	}

	if err := runs.Start("run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runs.Start("missing"); err == nil {
		t.Error("Start on unknown run must fail")
	}

	if got := len(runs.ListActive()); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}

	if err := runs.Complete("run-1", &SubagentOutcome{Status: SubagentStatusCompleted, Result: "done"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := runs.Get("run-1")
	if !got.IsComplete() || got.Outcome.Result != "done" || got.Outcome.EndedAt.IsZero() {
		t.Errorf("record = %+v", got)
	}
	if got.Duration() <= 0 {
		t.Errorf("Duration = %v, want > 0", got.Duration())
	}
	if len(runs.ListActive()) != 0 {
		t.Error("completed run still listed active")
	}
}

func TestSubagentRegistryTimeouts(t *testing.T) {
	runs := newTestRunRegistry(t)
	runs.Register(RegisterSubagentParams{RunID: "run-1", Task: "hang", TimeoutMs: 1})
	if err := runs.Start("run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	runs.CheckTimeouts()

	got := runs.Get("run-1")
	if got.Outcome == nil || got.Outcome.Status != SubagentStatusTimeout {
		t.Fatalf("record = %+v, want timeout", got)
	}
}

func TestSubagentRegistryPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")

	first := NewSubagentRegistry(&SubagentRegistryConfig{PersistPath: path, DefaultTimeoutMs: 1000})
	first.Register(RegisterSubagentParams{RunID: "run-1", Task: "persisted"})
	if err := first.Complete("run-1", &SubagentOutcome{Status: SubagentStatusCompleted, Result: "ok"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	first.Stop()

	second := NewSubagentRegistry(&SubagentRegistryConfig{PersistPath: path, DefaultTimeoutMs: 1000})
	defer second.Stop()
	got := second.Get("run-1")
	if got == nil || got.Outcome == nil || got.Outcome.Result != "ok" {
		t.Fatalf("restored record = %+v", got)
	}
}

func TestSubagentRegistryCallbacks(t *testing.T) {
	started := make(chan string, 1)
	completed := make(chan string, 1)
	runs := NewSubagentRegistry(&SubagentRegistryConfig{
		DefaultTimeoutMs: 1000,
		OnRunStart: func(_ context.Context, r *SubagentRunRecord) {
			started <- r.RunID
		},
		OnRunComplete: func(_ context.Context, r *SubagentRunRecord) {
			completed <- r.RunID
		},
	})
	defer runs.Stop()

	runs.Register(RegisterSubagentParams{RunID: "run-1", Task: "t"})
	_ = runs.Start("run-1")
	_ = runs.Complete("run-1", &SubagentOutcome{Status: SubagentStatusCompleted})

	if got := <-started; got != "run-1" {
		t.Errorf("OnRunStart got %q", got)
	}
	if got := <-completed; got != "run-1" {
		t.Errorf("OnRunComplete got %q", got)
	}
}
