package agent

import (
	"context"
	"encoding/json"
	"testing"
)

func TestToolRegistry_Execute_RejectsParamsViolatingSchema(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name:   "typed_tool",
		schema: json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`),
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "should not run"}, nil
		},
	})

	result, err := registry.Execute(context.Background(), "typed_tool", json.RawMessage(`{"count":"not a number"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected IsError for schema-violating params, got %+v", result)
	}

	tool, _ := registry.Get("typed_tool")
	if tool.(*mockTool).execCount.Load() != 0 {
		t.Fatal("tool.Execute must not run when params fail schema validation")
	}
}

func TestToolRegistry_Execute_MissingRequiredField(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name:   "typed_tool",
		schema: json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`),
	})

	result, err := registry.Execute(context.Background(), "typed_tool", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected IsError for missing required field, got %+v", result)
	}
}

func TestToolRegistry_Execute_AcceptsValidParams(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name:   "typed_tool",
		schema: json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`),
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ran"}, nil
		},
	})

	result, err := registry.Execute(context.Background(), "typed_tool", json.RawMessage(`{"count":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %+v", result)
	}
	if result.Content != "ran" {
		t.Fatalf("expected underlying tool to run, got %q", result.Content)
	}
}

func TestToolRegistry_Execute_NoSchemaSkipsValidation(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "untyped_tool",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ran"}, nil
		},
	})

	result, err := registry.Execute(context.Background(), "untyped_tool", json.RawMessage(`{"anything":"goes"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success with no schema declared, got %+v", result)
	}
}

func TestToolRegistry_Register_MalformedSchemaStillRegisters(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name:   "broken_schema_tool",
		schema: json.RawMessage(`{not valid json`),
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ran"}, nil
		},
	})

	if _, ok := registry.Get("broken_schema_tool"); !ok {
		t.Fatal("expected tool to be registered despite malformed schema")
	}

	result, err := registry.Execute(context.Background(), "broken_schema_tool", json.RawMessage(`{"anything":"goes"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected execution to proceed when schema compile failed, got %+v", result)
	}
}
