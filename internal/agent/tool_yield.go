package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ToolYieldKind identifies which shape a ToolYield carries. A tool's call
// produces a lazy sequence of zero or more progress/streaming_output yields
// followed by at most one terminal result yield.
type ToolYieldKind string

const (
	// ToolYieldProgress carries a human-readable status update emitted
	// while the tool is still working (e.g. "cloning repository...").
	ToolYieldProgress ToolYieldKind = "progress"

	// ToolYieldStreamingOutput carries a line of incremental output from a
	// named stream (e.g. a subprocess's stdout/stderr) as it's produced.
	ToolYieldStreamingOutput ToolYieldKind = "streaming_output"

	// ToolYieldResult is the terminal yield. At most one may appear in a
	// sequence; the executor keeps draining the channel afterward so any
	// deferred cleanup in the tool's producer goroutine still runs.
	ToolYieldResult ToolYieldKind = "result"
)

// ToolYield is one element of a tool's lazy yield sequence.
type ToolYield struct {
	Kind ToolYieldKind

	// Content holds a progress yield's status text.
	Content string

	// Stream and Line hold a streaming_output yield's origin (e.g. "stdout")
	// and the output line it carries.
	Stream string
	Line   string

	// Result holds a result yield's tool output.
	Result *ToolResult

	// ResultForAssistant, when non-empty on a result yield, is the text
	// handed to the LLM in place of Result.Content; Result.Content still
	// reaches the human-facing transcript untouched.
	ResultForAssistant string
}

// FileReadTimestamps records, per absolute path, the last time a read tool
// observed that file's contents. Write tools consult it to detect a
// read-before-write violation: a write to a path that was never read, or
// was read before a later external modification.
type FileReadTimestamps struct {
	mu    sync.Mutex
	reads map[string]time.Time
}

// NewFileReadTimestamps returns an empty timestamp map.
func NewFileReadTimestamps() *FileReadTimestamps {
	return &FileReadTimestamps{reads: make(map[string]time.Time)}
}

// Mark records that path was read at the given time.
func (f *FileReadTimestamps) Mark(path string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[path] = at
}

// Get returns the last recorded read time for path, if any.
func (f *FileReadTimestamps) Get(path string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.reads[path]
	return t, ok
}

// LLMConfig is the handle a subagent's Task invocation uses to inherit (or
// override) the provider and model the outer Query Loop is running on.
type LLMConfig struct {
	Provider LLMProvider
	Model    string
}

// ToolRuntimeContext carries the ambient state a tool call needs beyond its
// decoded JSON params: the working directory relative paths resolve
// against, the file-read-timestamp map guarding writes, the LLM
// configuration a Task tool inherits when it spins up a subagent, and a
// sink for progress/streaming_output yields. Cancellation is carried
// natively by the call's context.Context and isn't duplicated here.
type ToolRuntimeContext struct {
	Cwd       string
	Reads     *FileReadTimestamps
	LLMConfig *LLMConfig
}

// YieldingTool is implemented by tools that stream incremental progress or
// output ahead of their terminal result instead of blocking until
// completion. The executor ranges over the returned channel to completion
// — including after the result yield arrives — so a producer's deferred
// cleanup always runs before the batch is considered done. Tools that only
// implement the plain Tool.Execute are wrapped by the registry into a
// single-element sequence automatically; implementing this interface is
// opt-in.
type YieldingTool interface {
	Call(ctx context.Context, params json.RawMessage, rctx *ToolRuntimeContext) (<-chan ToolYield, error)
}

// singleResultChan wraps a synchronous tool result as a closed, one-element
// yield sequence, letting the executor drain every tool call — yielding or
// not — through the same channel-based path.
func singleResultChan(result *ToolResult) <-chan ToolYield {
	ch := make(chan ToolYield, 1)
	ch <- ToolYield{Kind: ToolYieldResult, Result: result}
	close(ch)
	return ch
}
