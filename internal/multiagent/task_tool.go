package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/corectl/internal/agent"
	"github.com/nexus-agent/corectl/internal/sessions"
	"github.com/nexus-agent/corectl/pkg/models"
)

// TaskTool dispatches a delegated task to a subagent: an isolated nested
// agentic loop running against a filtered copy of the parent's tool
// registry, seeded with the subagent type's own system prompt and the
// caller-supplied prompt as the opening user message. The nested loop runs
// to completion; the last assistant message's text is returned as the tool
// result. Failures inside the nested loop (provider errors, cancellation)
// surface as an error tool result to the outer loop, never as a Go error.
//
// TaskTool deliberately implements neither ReadOnlyTool nor
// ConcurrencySafeTool, so the executor treats every task call as a barrier:
// a subagent may run write tools of its own, and its effects must be
// ordered against the rest of the outer batch.
type TaskTool struct {
	types    *SubagentTypeRegistry
	parent   *agent.ToolRegistry
	provider agent.LLMProvider
	runs     *SubagentRegistry
	loopCfg  *agent.LoopConfig
}

// NewTaskTool builds a task tool over the given subagent type registry and
// the parent loop's tool registry. provider is the default LLM backend for
// nested loops; a per-call ToolRuntimeContext carrying an LLMConfig
// overrides it so a subagent inherits whatever the outer loop is running
// on. runs may be nil to skip run-record bookkeeping; loopCfg may be nil
// for defaults.
func NewTaskTool(types *SubagentTypeRegistry, parent *agent.ToolRegistry, provider agent.LLMProvider, runs *SubagentRegistry, loopCfg *agent.LoopConfig) *TaskTool {
	return &TaskTool{
		types:    types,
		parent:   parent,
		provider: provider,
		runs:     runs,
		loopCfg:  loopCfg,
	}
}

// Name returns the tool name the LLM invokes.
func (t *TaskTool) Name() string { return "task" }

// Description enumerates the registered subagent types so the LLM can pick
// one, mirroring how each type's WhenToUse guidance is meant to be read.
func (t *TaskTool) Description() string {
	var b strings.Builder
	b.WriteString("Delegate a self-contained task to a subagent that runs in its own isolated conversation with a restricted tool set and reports back a single text result. Available subagent types:\n")
	for _, cfg := range t.types.List() {
		fmt.Fprintf(&b, "- %s: %s\n", cfg.Name, cfg.WhenToUse)
	}
	return b.String()
}

// Schema declares the task tool's parameters.
func (t *TaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"subagent_type": {
				"type": "string",
				"description": "Name of the registered subagent type to dispatch to"
			},
			"prompt": {
				"type": "string",
				"description": "The task for the subagent, phrased as a complete standalone request"
			},
			"description": {
				"type": "string",
				"description": "Optional short label for this task, used in run bookkeeping"
			}
		},
		"required": ["subagent_type", "prompt"]
	}`)
}

type taskParams struct {
	SubagentType string `json:"subagent_type"`
	Prompt       string `json:"prompt"`
	Description  string `json:"description,omitempty"`
}

// Execute runs the subagent synchronously and returns its terminal result.
// It is the plain-Tool view over Call for callers that don't consume the
// yield sequence.
func (t *TaskTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	yields, err := t.Call(ctx, params, nil)
	if err != nil {
		return nil, err
	}
	var result *agent.ToolResult
	for y := range yields {
		if y.Kind == agent.ToolYieldResult && y.Result != nil {
			result = y.Result
		}
	}
	if result == nil {
		result = &agent.ToolResult{Content: "subagent produced no result", IsError: true}
	}
	return result, nil
}

// Call runs the nested loop as a lazy yield sequence: a progress yield when
// the subagent starts, one streaming_output line per completed nested
// assistant turn, and a terminal result carrying the subagent's final text.
func (t *TaskTool) Call(ctx context.Context, params json.RawMessage, rctx *agent.ToolRuntimeContext) (<-chan agent.ToolYield, error) {
	out := make(chan agent.ToolYield, 8)

	var p taskParams
	if err := json.Unmarshal(params, &p); err != nil {
		out <- agent.ToolYield{Kind: agent.ToolYieldResult, Result: &agent.ToolResult{
			Content: fmt.Sprintf("invalid task parameters: %v", err),
			IsError: true,
		}}
		close(out)
		return out, nil
	}

	cfg, ok := t.types.Get(p.SubagentType)
	if !ok {
		out <- agent.ToolYield{Kind: agent.ToolYieldResult, Result: &agent.ToolResult{
			Content: fmt.Sprintf("unknown subagent type %q; available: %s", p.SubagentType, t.availableTypes()),
			IsError: true,
		}}
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)
		out <- agent.ToolYield{Kind: agent.ToolYieldProgress, Content: "running subagent: " + cfg.Name}
		result := t.runSubagent(ctx, cfg, p, rctx, out)
		out <- agent.ToolYield{Kind: agent.ToolYieldResult, Result: result, ResultForAssistant: result.Content}
	}()
	return out, nil
}

func (t *TaskTool) availableTypes() string {
	names := make([]string, 0)
	for _, cfg := range t.types.List() {
		names = append(names, cfg.Name)
	}
	if len(names) == 0 {
		return "(none registered)"
	}
	return strings.Join(names, ", ")
}

// runSubagent builds the isolated nested loop and drains it to completion.
func (t *TaskTool) runSubagent(ctx context.Context, cfg *SubagentTypeConfig, p taskParams, rctx *agent.ToolRuntimeContext, out chan<- agent.ToolYield) *agent.ToolResult {
	provider := t.provider
	inheritedModel := ""
	if rctx != nil && rctx.LLMConfig != nil {
		if rctx.LLMConfig.Provider != nil {
			provider = rctx.LLMConfig.Provider
		}
		inheritedModel = rctx.LLMConfig.Model
	}
	if provider == nil {
		return &agent.ToolResult{Content: "no LLM provider available for subagent", IsError: true}
	}

	model := cfg.Model
	if model == "" || model == "inherit" {
		model = inheritedModel
	}

	child := agent.NewToolRegistry()
	for _, name := range filterToolsForAgent(t.parentToolNames(), cfg) {
		if tool, ok := t.parent.Get(name); ok {
			child.Register(tool)
		}
	}

	store := sessions.NewMemoryStore()
	session := &models.Session{
		ID:      uuid.NewString(),
		AgentID: cfg.Name,
		Channel: models.ChannelSubagent,
		Key:     "subagent:" + cfg.Name + ":" + uuid.NewString(),
	}
	if err := store.Create(context.Background(), session); err != nil {
		return &agent.ToolResult{Content: "failed to create subagent session: " + err.Error(), IsError: true}
	}

	runID := t.registerRun(cfg, p, session)

	loop := agent.NewAgenticLoop(provider, child, store, t.loopCfg)
	loop.SetDefaultSystem(cfg.SystemPrompt)
	loop.SetDefaultModel(model)

	msg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   p.Prompt,
	}
	chunks, err := loop.Run(ctx, session, msg)
	if err != nil {
		t.completeRun(runID, &SubagentOutcome{Status: SubagentStatusError, Error: err.Error()})
		return &agent.ToolResult{Content: "subagent failed to start: " + err.Error(), IsError: true}
	}

	var turnText strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			t.completeRun(runID, &SubagentOutcome{Status: SubagentStatusError, Error: chunk.Error.Error()})
			return &agent.ToolResult{Content: "subagent failed: " + chunk.Error.Error(), IsError: true}
		}
		if chunk.Text != "" {
			turnText.WriteString(chunk.Text)
		}
		if chunk.ToolResult != nil && turnText.Len() > 0 {
			// A tool result marks the end of an intermediate assistant turn;
			// surface its text as one streamed line and reset for the next.
			out <- agent.ToolYield{
				Kind:   agent.ToolYieldStreamingOutput,
				Stream: "subagent",
				Line:   turnText.String(),
			}
			turnText.Reset()
		}
	}

	finalText := t.lastAssistantText(store, session.ID)
	if finalText == "" {
		finalText = turnText.String()
	}
	if finalText == "" {
		t.completeRun(runID, &SubagentOutcome{Status: SubagentStatusError, Error: "no output"})
		return &agent.ToolResult{Content: "subagent returned no output", IsError: true}
	}
	t.completeRun(runID, &SubagentOutcome{Status: SubagentStatusCompleted, Result: finalText})
	return &agent.ToolResult{Content: finalText}
}

func (t *TaskTool) parentToolNames() []string {
	tools := t.parent.AsLLMTools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name())
	}
	return names
}

// lastAssistantText reads the nested conversation back from its private
// store and returns the final assistant message's text.
func (t *TaskTool) lastAssistantText(store sessions.Store, sessionID string) string {
	history, err := store.GetHistory(context.Background(), sessionID, 0)
	if err != nil {
		return ""
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}

func (t *TaskTool) registerRun(cfg *SubagentTypeConfig, p taskParams, session *models.Session) string {
	if t.runs == nil {
		return ""
	}
	runID := uuid.NewString()
	t.runs.Register(RegisterSubagentParams{
		RunID:           runID,
		ChildSessionKey: session.Key,
		Task:            p.Prompt,
		Label:           p.Description,
		Cleanup:         "keep",
	})
	_ = t.runs.Start(runID)
	return runID
}

func (t *TaskTool) completeRun(runID string, outcome *SubagentOutcome) {
	if t.runs == nil || runID == "" {
		return
	}
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = time.Now()
	}
	_ = t.runs.Complete(runID, outcome)
}

// TaskOutputTool looks up the recorded outcome of a prior subagent run by
// its run id. It is part of the default subagent-disallowed set: only the
// outer loop may poll for results, a subagent never inspects its siblings.
type TaskOutputTool struct {
	runs *SubagentRegistry
}

// NewTaskOutputTool builds the run-outcome lookup tool over runs.
func NewTaskOutputTool(runs *SubagentRegistry) *TaskOutputTool {
	return &TaskOutputTool{runs: runs}
}

// Name returns the tool name the LLM invokes.
func (t *TaskOutputTool) Name() string { return "task_output" }

// Description describes the lookup.
func (t *TaskOutputTool) Description() string {
	return "Look up the status and final result of a previously dispatched subagent run by its run id."
}

// Schema declares the single run_id parameter.
func (t *TaskOutputTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"run_id": {"type": "string", "description": "Run id returned when the task was dispatched"}
		},
		"required": ["run_id"]
	}`)
}

// IsReadOnly reports that outcome lookup never mutates state.
func (t *TaskOutputTool) IsReadOnly() bool { return true }

// IsConcurrencySafe reports that concurrent lookups are safe.
func (t *TaskOutputTool) IsConcurrencySafe() bool { return true }

// Execute returns the run record's status and outcome as JSON.
func (t *TaskOutputTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	if t.runs == nil {
		return &agent.ToolResult{Content: "subagent run tracking is not enabled", IsError: true}, nil
	}
	record := t.runs.Get(p.RunID)
	if record == nil {
		return &agent.ToolResult{Content: "run not found: " + p.RunID, IsError: true}, nil
	}

	status := SubagentStatusRunning
	var outcome *SubagentOutcome
	if record.Outcome != nil {
		status = record.Outcome.Status
		outcome = record.Outcome
	} else if record.StartedAt.IsZero() {
		status = SubagentStatusPending
	}

	payload, err := json.Marshal(map[string]any{
		"run_id":  record.RunID,
		"task":    record.Task,
		"status":  status,
		"outcome": outcome,
	})
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("failed to encode run record: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
