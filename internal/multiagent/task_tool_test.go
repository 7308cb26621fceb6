package multiagent

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nexus-agent/corectl/internal/agent"
	"github.com/nexus-agent/corectl/pkg/models"
)

// taskTestProvider replays a scripted sequence of completion responses,
// one per Complete call.
type taskTestProvider struct {
	name      string
	responses [][]agent.CompletionChunk
	calls     int32
	lastModel atomic.Value
}

func (p *taskTestProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.lastModel.Store(req.Model)
	call := int(atomic.AddInt32(&p.calls, 1)) - 1
	ch := make(chan *agent.CompletionChunk, 10)
	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			ch <- &agent.CompletionChunk{Done: true}
			return
		}
		for i := range p.responses[call] {
			ch <- &p.responses[call][i]
		}
	}()
	return ch, nil
}

func (p *taskTestProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "task-test"
}
func (p *taskTestProvider) Models() []agent.Model { return nil }
func (p *taskTestProvider) SupportsTools() bool   { return true }

// recordingTool is a plain synchronous tool that records whether it ran.
type recordingTool struct {
	name     string
	readOnly bool
	invoked  atomic.Bool
	reply    string
}

func (r *recordingTool) Name() string        { return r.name }
func (r *recordingTool) Description() string { return "test tool " + r.name }
func (r *recordingTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (r *recordingTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	r.invoked.Store(true)
	return &agent.ToolResult{Content: r.reply}, nil
}
func (r *recordingTool) IsReadOnly() bool        { return r.readOnly }
func (r *recordingTool) IsConcurrencySafe() bool { return r.readOnly }

func newTestRunRegistry(t *testing.T) *SubagentRegistry {
	t.Helper()
	runs := NewSubagentRegistry(&SubagentRegistryConfig{
		DefaultTimeoutMs: 60_000,
		SweepInterval:    0,
	})
	t.Cleanup(runs.Stop)
	return runs
}

func TestTaskTool_RunsSubagentToCompletion(t *testing.T) {
	parent := agent.NewToolRegistry()
	echo := &recordingTool{name: "echo", readOnly: true, reply: "hello from echo"}
	parent.Register(echo)

	provider := &taskTestProvider{
		responses: [][]agent.CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "tc-1", Name: "echo", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "final answer"},
				{Done: true},
			},
		},
	}

	runs := newTestRunRegistry(t)
	tool := NewTaskTool(DefaultSubagentTypes(), parent, provider, runs, nil)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"subagent_type":"general-purpose","prompt":"say hi"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %s", result.Content)
	}
	if result.Content != "final answer" {
		t.Errorf("Content = %q, want %q", result.Content, "final answer")
	}
	if !echo.invoked.Load() {
		t.Error("expected the echo tool to run inside the subagent loop")
	}

	active := runs.ListActive()
	if len(active) != 0 {
		t.Errorf("expected run record completed, %d still active", len(active))
	}
}

func TestTaskTool_UnknownSubagentType(t *testing.T) {
	tool := NewTaskTool(DefaultSubagentTypes(), agent.NewToolRegistry(), &taskTestProvider{}, nil, nil)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"subagent_type":"nope","prompt":"x"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown subagent type")
	}
	if !strings.Contains(result.Content, "Explore") {
		t.Errorf("expected available types listed, got %q", result.Content)
	}
}

func TestTaskTool_DisallowedToolUnavailableInSubagent(t *testing.T) {
	parent := agent.NewToolRegistry()
	write := &recordingTool{name: "write", reply: "wrote"}
	parent.Register(write)

	// The model tries to call "write" inside an Explore subagent, which
	// disallows it; the nested loop must answer with a tool error and the
	// tool itself must never run.
	provider := &taskTestProvider{
		responses: [][]agent.CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "tc-1", Name: "write", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "could not write"},
				{Done: true},
			},
		},
	}

	tool := NewTaskTool(DefaultSubagentTypes(), parent, provider, nil, nil)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"subagent_type":"Explore","prompt":"write something"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("expected subagent to finish normally, got error: %s", result.Content)
	}
	if write.invoked.Load() {
		t.Error("write tool must not execute inside an Explore subagent")
	}
	if result.Content != "could not write" {
		t.Errorf("Content = %q, want %q", result.Content, "could not write")
	}
}

func TestTaskTool_InheritsModelFromRuntimeContext(t *testing.T) {
	inherited := &taskTestProvider{
		name: "inherited",
		responses: [][]agent.CompletionChunk{
			{{Text: "ok"}, {Done: true}},
		},
	}
	fallback := &taskTestProvider{name: "fallback"}

	tool := NewTaskTool(DefaultSubagentTypes(), agent.NewToolRegistry(), fallback, nil, nil)

	rctx := &agent.ToolRuntimeContext{
		LLMConfig: &agent.LLMConfig{Provider: inherited, Model: "model-x"},
	}
	yields, err := tool.Call(context.Background(), json.RawMessage(`{"subagent_type":"general-purpose","prompt":"x"}`), rctx)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var result *agent.ToolResult
	for y := range yields {
		if y.Kind == agent.ToolYieldResult {
			result = y.Result
		}
	}
	if result == nil || result.IsError {
		t.Fatalf("expected success result, got %+v", result)
	}
	if atomic.LoadInt32(&inherited.calls) == 0 {
		t.Fatal("expected the inherited provider to serve the nested loop")
	}
	if atomic.LoadInt32(&fallback.calls) != 0 {
		t.Error("fallback provider must not be used when the runtime context supplies one")
	}
	if got := inherited.lastModel.Load(); got != "model-x" {
		t.Errorf("model = %v, want model-x", got)
	}
}

func TestTaskTool_YieldSequenceShape(t *testing.T) {
	provider := &taskTestProvider{
		responses: [][]agent.CompletionChunk{
			{{Text: "answer"}, {Done: true}},
		},
	}
	tool := NewTaskTool(DefaultSubagentTypes(), agent.NewToolRegistry(), provider, nil, nil)

	yields, err := tool.Call(context.Background(), json.RawMessage(`{"subagent_type":"general-purpose","prompt":"x"}`), nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	var kinds []agent.ToolYieldKind
	for y := range yields {
		kinds = append(kinds, y.Kind)
	}
	if len(kinds) < 2 {
		t.Fatalf("expected at least progress + result yields, got %v", kinds)
	}
	if kinds[0] != agent.ToolYieldProgress {
		t.Errorf("first yield = %v, want progress", kinds[0])
	}
	if kinds[len(kinds)-1] != agent.ToolYieldResult {
		t.Errorf("last yield = %v, want result", kinds[len(kinds)-1])
	}
}

func TestFilterToolsForAgent(t *testing.T) {
	all := []string{"read", "write", "task", "task_output", "echo"}

	t.Run("wildcard subtracts disallowed", func(t *testing.T) {
		cfg := &SubagentTypeConfig{Name: "x", Tools: []string{"*"}, DisallowedTools: []string{"write"}}
		got := filterToolsForAgent(all, cfg)

		want := map[string]bool{"read": true, "echo": true}
		if len(got) != len(want) {
			t.Fatalf("filtered = %v, want keys %v", got, want)
		}
		for _, n := range got {
			if !want[n] {
				t.Errorf("unexpected tool %q in filtered set", n)
			}
		}
	})

	t.Run("explicit list is a restriction", func(t *testing.T) {
		cfg := &SubagentTypeConfig{Name: "x", Tools: []string{"read", "task", "missing"}}
		got := filterToolsForAgent(all, cfg)

		if len(got) != 1 || got[0] != "read" {
			t.Fatalf("filtered = %v, want [read]", got)
		}
	})

	t.Run("task is always excluded", func(t *testing.T) {
		cfg := &SubagentTypeConfig{Name: "x", Tools: []string{"*"}}
		for _, n := range filterToolsForAgent(all, cfg) {
			if n == "task" || n == "task_output" {
				t.Errorf("disallowed tool %q leaked into subagent tool set", n)
			}
		}
	})
}

func TestTaskOutputTool(t *testing.T) {
	runs := newTestRunRegistry(t)
	runs.Register(RegisterSubagentParams{RunID: "run-1", Task: "do a thing", Cleanup: "keep"})
	if err := runs.Start("run-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := runs.Complete("run-1", &SubagentOutcome{Status: SubagentStatusCompleted, Result: "done"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	tool := NewTaskOutputTool(runs)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"run_id":"run-1"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got %s", result.Content)
	}
	var decoded struct {
		RunID   string           `json:"run_id"`
		Status  string           `json:"status"`
		Outcome *SubagentOutcome `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(result.Content), &decoded); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if decoded.Status != string(SubagentStatusCompleted) {
		t.Errorf("status = %q, want completed", decoded.Status)
	}
	if decoded.Outcome == nil || decoded.Outcome.Result != "done" {
		t.Errorf("outcome = %+v, want result %q", decoded.Outcome, "done")
	}

	missing, err := tool.Execute(context.Background(), json.RawMessage(`{"run_id":"nope"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !missing.IsError {
		t.Error("expected error result for unknown run id")
	}
}
