package agent

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-agent/corectl/pkg/models"
)

// mockYieldingTool implements YieldingTool for testing the executor's
// yield-draining behavior.
type mockYieldingTool struct {
	name     string
	schema   json.RawMessage
	yields   []ToolYield
	drained  atomic.Bool
	closedAt atomic.Int64
}

func (m *mockYieldingTool) Name() string            { return m.name }
func (m *mockYieldingTool) Description() string     { return "yields progress before a result" }
func (m *mockYieldingTool) Schema() json.RawMessage { return m.schema }

func (m *mockYieldingTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "fallback sync path should not run"}, nil
}

func (m *mockYieldingTool) Call(ctx context.Context, params json.RawMessage, rctx *ToolRuntimeContext) (<-chan ToolYield, error) {
	ch := make(chan ToolYield)
	go func() {
		defer close(ch)
		for _, y := range m.yields {
			ch <- y
		}
		// Simulate deferred cleanup completing after the terminal result
		// yield has already been sent; the executor must still observe
		// the channel closing only after this line runs.
		time.Sleep(5 * time.Millisecond)
		m.drained.Store(true)
		m.closedAt.Store(time.Now().UnixNano())
	}()
	return ch, nil
}

func TestExecutor_DrainsYieldSequenceAfterTerminalResult(t *testing.T) {
	tool := &mockYieldingTool{
		name: "streaming_tool",
		yields: []ToolYield{
			{Kind: ToolYieldProgress, Content: "starting"},
			{Kind: ToolYieldStreamingOutput, Stream: "stdout", Line: "line one"},
			{Kind: ToolYieldResult, Result: &ToolResult{Content: "done"}},
		},
	}
	registry := NewToolRegistry()
	registry.Register(tool)
	executor := NewExecutor(registry, DefaultExecutorConfig())

	var progressEvents []ToolYield
	ctx := WithYieldSink(context.Background(), func(call models.ToolCall, y ToolYield) {
		progressEvents = append(progressEvents, y)
	})

	result := executor.Execute(ctx, models.ToolCall{ID: "call-1", Name: "streaming_tool"})
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Result == nil || result.Result.Content != "done" {
		t.Fatalf("expected terminal result content %q, got %+v", "done", result.Result)
	}

	if !tool.drained.Load() {
		t.Fatal("executor returned before the tool's producer goroutine finished draining")
	}

	if len(progressEvents) != 2 {
		t.Fatalf("expected 2 forwarded progress/streaming_output yields, got %d: %+v", len(progressEvents), progressEvents)
	}
	if progressEvents[0].Kind != ToolYieldProgress || progressEvents[0].Content != "starting" {
		t.Fatalf("unexpected first yield: %+v", progressEvents[0])
	}
	if progressEvents[1].Kind != ToolYieldStreamingOutput || progressEvents[1].Line != "line one" {
		t.Fatalf("unexpected second yield: %+v", progressEvents[1])
	}
}

func TestExecutor_YieldingTool_NoSinkStillDrains(t *testing.T) {
	tool := &mockYieldingTool{
		name: "streaming_tool_2",
		yields: []ToolYield{
			{Kind: ToolYieldProgress, Content: "working"},
			{Kind: ToolYieldResult, Result: &ToolResult{Content: "ok"}},
		},
	}
	registry := NewToolRegistry()
	registry.Register(tool)
	executor := NewExecutor(registry, DefaultExecutorConfig())

	result := executor.Execute(context.Background(), models.ToolCall{ID: "call-2", Name: "streaming_tool_2"})
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Result.Content != "ok" {
		t.Fatalf("expected content %q, got %q", "ok", result.Result.Content)
	}
}

func TestToolRegistry_Dispatch_WrapsSyncToolAsSingleYield(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "sync_tool",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "sync result"}, nil
		},
	})

	yields, err := registry.Dispatch(context.Background(), "sync_tool", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var collected []ToolYield
	for y := range yields {
		collected = append(collected, y)
	}
	if len(collected) != 1 {
		t.Fatalf("expected exactly one yield wrapping the sync result, got %d", len(collected))
	}
	if collected[0].Kind != ToolYieldResult || collected[0].Result.Content != "sync result" {
		t.Fatalf("unexpected wrapped yield: %+v", collected[0])
	}
}

func TestToolRegistry_Dispatch_CallsYieldingToolDirectly(t *testing.T) {
	tool := &mockYieldingTool{
		name: "direct_call_tool",
		yields: []ToolYield{
			{Kind: ToolYieldResult, Result: &ToolResult{Content: "direct"}},
		},
	}
	registry := NewToolRegistry()
	registry.Register(tool)

	rctx := &ToolRuntimeContext{Cwd: "/work"}
	ctx := WithToolRuntime(context.Background(), rctx)

	yields, err := registry.Dispatch(ctx, "direct_call_tool", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last *ToolResult
	for y := range yields {
		if y.Kind == ToolYieldResult {
			last = y.Result
		}
	}
	if last == nil || last.Content != "direct" {
		t.Fatalf("expected direct yielding call to produce result %q, got %+v", "direct", last)
	}
}

func TestFileReadTimestamps_MarkAndGet(t *testing.T) {
	reads := NewFileReadTimestamps()
	if _, ok := reads.Get("/tmp/a.txt"); ok {
		t.Fatal("expected no recorded read for an untouched path")
	}

	now := time.Now()
	reads.Mark("/tmp/a.txt", now)

	got, ok := reads.Get("/tmp/a.txt")
	if !ok {
		t.Fatal("expected a recorded read after Mark")
	}
	if !got.Equal(now) {
		t.Fatalf("expected recorded time %v, got %v", now, got)
	}
}
