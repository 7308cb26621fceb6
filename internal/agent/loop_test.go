package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-agent/corectl/internal/sessions"
	"github.com/nexus-agent/corectl/pkg/models"
)

// scriptedProvider replays one canned chunk sequence per Complete call.
type scriptedProvider struct {
	turns [][]CompletionChunk
	calls int32
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	call := int(atomic.AddInt32(&p.calls, 1)) - 1
	ch := make(chan *CompletionChunk, 16)
	go func() {
		defer close(ch)
		if call >= len(p.turns) {
			ch <- &CompletionChunk{Done: true}
			return
		}
		for i := range p.turns[call] {
			select {
			case ch <- &p.turns[call][i]:
			case <-ctx.Done():
				ch <- &CompletionChunk{Error: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

// loopTool is a synchronous test tool that can fail on demand and records
// invocation counts.
type loopTool struct {
	name    string
	reply   string
	fail    bool
	safe    bool
	calls   atomic.Int32
	blockCh chan struct{}
}

func (l *loopTool) Name() string            { return l.name }
func (l *loopTool) Description() string     { return "test tool " + l.name }
func (l *loopTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (l *loopTool) IsReadOnly() bool        { return l.safe }
func (l *loopTool) IsConcurrencySafe() bool { return l.safe }
func (l *loopTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	l.calls.Add(1)
	if l.blockCh != nil {
		select {
		case <-l.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.fail {
		return nil, NewToolError(l.name, errors.New("boom")).WithType(ToolErrorExecution)
	}
	return &ToolResult{Content: l.reply}, nil
}

func newLoopFixture(t *testing.T, provider LLMProvider, tools ...Tool) (*AgenticLoop, *sessions.MemoryStore, *models.Session) {
	t.Helper()
	registry := NewToolRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	store := sessions.NewMemoryStore()
	session := &models.Session{ID: "sess-1", AgentID: "main", Channel: models.ChannelCLI, Key: "k1"}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	cfg := DefaultLoopConfig()
	cfg.ExecutorConfig = &ExecutorConfig{
		MaxConcurrency:  10,
		DefaultTimeout:  5 * time.Second,
		DefaultRetries:  0,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: time.Millisecond,
	}
	return NewAgenticLoop(provider, registry, store, cfg), store, session
}

func drain(t *testing.T, chunks <-chan *ResponseChunk) (text string, results []models.ToolResult, errs []error) {
	t.Helper()
	for chunk := range chunks {
		if chunk.Error != nil {
			errs = append(errs, chunk.Error)
		}
		text += chunk.Text
		if chunk.ToolResult != nil {
			results = append(results, *chunk.ToolResult)
		}
	}
	return text, results, errs
}

func userMsg(session *models.Session, content string) *models.Message {
	return &models.Message{SessionID: session.ID, Channel: session.Channel, Role: models.RoleUser, Content: content}
}

func TestLoopNoToolCallsTerminates(t *testing.T) {
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{{Text: "just an answer"}, {Done: true}},
	}}
	loop, _, session := newLoopFixture(t, provider)

	chunks, err := loop.Run(context.Background(), session, userMsg(session, "hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	text, results, errs := drain(t, chunks)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if text != "just an answer" {
		t.Errorf("text = %q", text)
	}
	if len(results) != 0 {
		t.Errorf("expected no tool results, got %d", len(results))
	}
	if got := atomic.LoadInt32(&provider.calls); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
}

func TestLoopSingleToolCallRecurses(t *testing.T) {
	read := &loopTool{name: "read", reply: "hello", safe: true}
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc-1", Name: "read", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		{{Text: "The file contains: hello"}, {Done: true}},
	}}
	loop, store, session := newLoopFixture(t, provider, read)

	chunks, err := loop.Run(context.Background(), session, userMsg(session, "read it"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	text, results, errs := drain(t, chunks)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if text != "The file contains: hello" {
		t.Errorf("text = %q", text)
	}
	if len(results) != 1 || results[0].ToolCallID != "tc-1" || results[0].Content != "hello" {
		t.Errorf("results = %+v", results)
	}
	if read.calls.Load() != 1 {
		t.Errorf("tool ran %d times", read.calls.Load())
	}

	// The conversation log holds user, assistant(tool_use), tool, assistant.
	history, err := store.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var roles []models.Role
	for _, m := range history {
		roles = append(roles, m.Role)
	}
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("history roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("history roles = %v, want %v", roles, want)
		}
	}
}

func TestLoopBatchResultsKeepInputOrder(t *testing.T) {
	slow := &loopTool{name: "slow", reply: "slow-result", safe: true, blockCh: make(chan struct{})}
	fast := &loopTool{name: "fast", reply: "fast-result", safe: true}
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc-slow", Name: "slow", Input: json.RawMessage(`{}`)}},
			{ToolCall: &models.ToolCall{ID: "tc-fast", Name: "fast", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		{{Text: "done"}, {Done: true}},
	}}
	loop, _, session := newLoopFixture(t, provider, slow, fast)

	// Release the slow tool shortly after dispatch so "fast" finishes first.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(slow.blockCh)
	}()

	chunks, err := loop.Run(context.Background(), session, userMsg(session, "go"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, results, errs := drain(t, chunks)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].ToolCallID != "tc-slow" || results[1].ToolCallID != "tc-fast" {
		t.Errorf("results out of input order: %q then %q", results[0].ToolCallID, results[1].ToolCallID)
	}
}

func TestLoopToolFailureSurfacesAsErrorResult(t *testing.T) {
	bad := &loopTool{name: "bad", fail: true}
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc-1", Name: "bad", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		{{Text: "recovered"}, {Done: true}},
	}}
	loop, _, session := newLoopFixture(t, provider, bad)

	chunks, err := loop.Run(context.Background(), session, userMsg(session, "try"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	text, results, errs := drain(t, chunks)
	if len(errs) != 0 {
		t.Fatalf("a tool failure must not abort the loop: %v", errs)
	}
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("expected one error result, got %+v", results)
	}
	if text != "recovered" {
		t.Errorf("text = %q", text)
	}
}

func TestLoopUnknownToolGetsErrorResult(t *testing.T) {
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc-1", Name: "missing", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		{{Text: "ok"}, {Done: true}},
	}}
	loop, _, session := newLoopFixture(t, provider)

	chunks, err := loop.Run(context.Background(), session, userMsg(session, "call it"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, results, _ := drain(t, chunks)
	if len(results) != 1 || !results[0].IsError || !strings.Contains(results[0].Content, "tool not found") {
		t.Fatalf("results = %+v", results)
	}
}

func TestLoopProviderStreamError(t *testing.T) {
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{{Text: "partial"}, {Error: errors.New("stream torn")}},
	}}
	loop, _, session := newLoopFixture(t, provider)

	chunks, err := loop.Run(context.Background(), session, userMsg(session, "hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, _, errs := drain(t, chunks)
	if len(errs) != 1 {
		t.Fatalf("expected a terminal error chunk, got %v", errs)
	}
	var loopErr *LoopError
	if !errors.As(errs[0], &loopErr) || loopErr.Phase != PhaseStream {
		t.Errorf("error = %v, want LoopError in stream phase", errs[0])
	}
}

func TestLoopCancellation(t *testing.T) {
	blocked := &loopTool{name: "hang", reply: "never", blockCh: make(chan struct{})}
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc-1", Name: "hang", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
	}}
	loop, _, session := newLoopFixture(t, provider, blocked)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := loop.Run(ctx, session, userMsg(session, "hang"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	var results []models.ToolResult
	go func() {
		defer close(done)
		_, results, _ = drain(t, chunks)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not unwind after cancellation")
	}
	// The hung tool's slot still resolves, as an error result.
	if len(results) == 1 && !results[0].IsError {
		t.Errorf("expected cancelled tool result to be an error: %+v", results[0])
	}
}

func TestLoopMaxIterations(t *testing.T) {
	echo := &loopTool{name: "echo", reply: "again", safe: true}
	// The model asks for a tool on every turn, forever.
	turns := make([][]CompletionChunk, 8)
	for i := range turns {
		turns[i] = []CompletionChunk{
			{ToolCall: &models.ToolCall{ID: "tc", Name: "echo", Input: json.RawMessage(`{}`)}},
			{Done: true},
		}
	}
	provider := &scriptedProvider{turns: turns}
	registry := NewToolRegistry()
	registry.Register(echo)
	store := sessions.NewMemoryStore()
	session := &models.Session{ID: "s", Channel: models.ChannelCLI, Key: "k"}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultLoopConfig()
	cfg.MaxIterations = 3
	loop := NewAgenticLoop(provider, registry, store, cfg)

	chunks, err := loop.Run(context.Background(), session, userMsg(session, "loop"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, _, errs := drain(t, chunks)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMaxIterations) {
		t.Fatalf("expected ErrMaxIterations, got %v", errs)
	}
	if got := echo.calls.Load(); got != 3 {
		t.Errorf("tool ran %d times, want 3", got)
	}
}

func TestLoopSteeringFollowUpContinues(t *testing.T) {
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{{Text: "first answer"}, {Done: true}},
		{{Text: "second answer"}, {Done: true}},
	}}
	loop, _, session := newLoopFixture(t, provider)

	queue := NewSteeringQueue()
	queue.FollowUpText("and then?")
	ctx := WithSteeringQueue(context.Background(), queue)

	chunks, err := loop.Run(ctx, session, userMsg(session, "hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	text, _, errs := drain(t, chunks)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if text != "first answersecond answer" {
		t.Errorf("text = %q", text)
	}
	if got := atomic.LoadInt32(&provider.calls); got != 2 {
		t.Errorf("provider called %d times, want 2 (follow-up consumed)", got)
	}
}

func TestLoopRecordsUsagePerSession(t *testing.T) {
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{{Text: "hi"}, {Done: true, InputTokens: 120, OutputTokens: 30, CacheReadTokens: 40}},
	}}
	loop, store, session := newLoopFixture(t, provider)
	loop.SetDefaultModel("claude-sonnet-4-20250514")

	chunks, err := loop.Run(context.Background(), session, userMsg(session, "hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	drain(t, chunks)

	totals := loop.UsageTotals(session.ID)
	if totals == nil || totals.InputTokens != 120 || totals.OutputTokens != 30 || totals.CacheReadTokens != 40 {
		t.Fatalf("usage totals = %+v", totals)
	}
	if loop.UsageCost(session.ID) <= 0 {
		t.Errorf("expected a positive cost estimate")
	}

	history, _ := store.GetHistory(context.Background(), session.ID, 0)
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant || last.InputTokens != 120 || last.OutputTokens != 30 {
		t.Errorf("assistant message usage not persisted: %+v", last)
	}
	if last.DurationMs < 0 || last.CostUSD <= 0 {
		t.Errorf("assistant message timing/cost not persisted: %+v", last)
	}
}

func TestLoopNilProviderRejected(t *testing.T) {
	store := sessions.NewMemoryStore()
	loop := NewAgenticLoop(nil, NewToolRegistry(), store, nil)
	_, err := loop.Run(context.Background(), &models.Session{ID: "s"}, &models.Message{Content: "x"})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestAgenticRuntimeWrapsLoop(t *testing.T) {
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{{Text: "wrapped"}, {Done: true}},
	}}
	store := sessions.NewMemoryStore()
	session := &models.Session{ID: "s", Channel: models.ChannelCLI, Key: "k"}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatal(err)
	}

	rt := NewAgenticRuntime(provider, store, nil)
	rt.SetDefaultModel("m")
	rt.SetMaxIterations(2)

	chunks, err := rt.Process(context.Background(), session, userMsg(session, "hi"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	text, _, errs := drain(t, chunks)
	if len(errs) != 0 || text != "wrapped" {
		t.Fatalf("text=%q errs=%v", text, errs)
	}
	if m := rt.ExecutorMetrics(); m == nil {
		t.Error("expected executor metrics snapshot")
	}
}
