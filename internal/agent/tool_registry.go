package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	policy "github.com/nexus-agent/corectl/internal/toolpolicy"
	"github.com/nexus-agent/corectl/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry by its name, compiling its declared
// Schema() up front so Execute can validate params against it without
// recompiling on every call. A tool whose schema fails to compile is still
// registered (its schema is malformed, not its availability) but Execute
// will skip param validation for it and log the compile failure once, here.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	delete(r.schemas, tool.Name())

	raw := tool.Schema()
	if len(raw) == 0 {
		return
	}
	compiled, err := compileToolSchema(tool.Name(), raw)
	if err != nil {
		slog.Warn("tool schema failed to compile, skipping param validation", "tool", tool.Name(), "error", err)
		return
	}
	r.schemas[tool.Name()] = compiled
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resource := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Execute runs a tool by name with the given JSON parameters and returns
// its terminal result, draining the tool's full yield sequence first (see
// Dispatch) so any deferred cleanup inside the tool completes before
// returning. This is the synchronous view most callers want; the executor
// uses Dispatch directly so it can forward progress/streaming_output
// yields as they arrive.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	yields, err := r.Dispatch(ctx, name, params)
	if err != nil {
		return nil, err
	}

	var result *ToolResult
	for y := range yields {
		if y.Kind == ToolYieldResult && y.Result != nil {
			result = y.Result
		}
	}
	if result == nil {
		result = &ToolResult{Content: "tool produced no result", IsError: true}
	}
	return result, nil
}

// Dispatch runs a tool by name and returns its lazy yield sequence. A
// tool implementing YieldingTool is called directly; any other
// tool's synchronous Execute is wrapped into a single-element, already-closed
// sequence so callers can drain every call through the same channel-based
// path regardless of which contract the tool implements.
func (r *ToolRegistry) Dispatch(ctx context.Context, name string, params json.RawMessage) (<-chan ToolYield, error) {
	// Validate tool name
	if len(name) > MaxToolNameLength {
		return singleResultChan(&ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}), nil
	}

	// Validate params size
	if len(params) > MaxToolParamsSize {
		return singleResultChan(&ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return singleResultChan(&ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}), nil
	}

	if schema != nil {
		if err := validateToolParams(schema, params); err != nil {
			return singleResultChan(&ToolResult{
				Content: fmt.Sprintf("invalid parameters for tool %q: %v", name, err),
				IsError: true,
			}), nil
		}
	}

	if yt, ok := tool.(YieldingTool); ok {
		rctx, _ := toolRuntimeFromContext(ctx)
		return yt.Call(ctx, params, rctx)
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	return singleResultChan(result), nil
}

// validateToolParams decodes params and validates it against the tool's
// compiled schema, so an input that fails validation never reaches the
// tool's Execute.
func validateToolParams(schema *jsonschema.Schema, params json.RawMessage) error {
	raw := params
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return schema.Validate(decoded)
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []Tool) []Tool {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name()) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

// toolDeclaresNeedsPermissions reports whether tc's tool implements
// PermissionedTool and returns true for tc's input, folding the Tool
// Contract's optional capability predicate into the approval gate
// alongside the config-driven RequireApproval patterns.
func toolDeclaresNeedsPermissions(exec *Executor, tc models.ToolCall) bool {
	if exec == nil {
		return false
	}
	tool, ok := exec.Registry().Get(tc.Name)
	if !ok {
		return false
	}
	return toolNeedsPermissions(tool, tc.Input)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	return guard.Apply(toolName, result, resolver)
}

func guardToolResults(guard ToolResultGuard, toolCalls []models.ToolCall, results []models.ToolResult, resolver *policy.Resolver) []models.ToolResult {
	if !guard.active() {
		return results
	}
	if len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID != "" {
			namesByID[tc.ID] = tc.Name
		}
	}

	guarded := make([]models.ToolResult, len(results))
	for i, res := range results {
		toolName := namesByID[res.ToolCallID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].Name
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}
