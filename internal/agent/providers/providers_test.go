package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nexus-agent/corectl/internal/agent"
	"github.com/nexus-agent/corectl/pkg/models"
)

// schemaTool is a minimal agent.Tool for conversion tests.
type schemaTool struct {
	name string
}

func (s schemaTool) Name() string        { return s.name }
func (s schemaTool) Description() string { return "test tool " + s.name }
func (s schemaTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
}
func (s schemaTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func TestNewAnthropicProviderValidation(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.maxRetries <= 0 || p.retryDelay <= 0 || p.defaultModel == "" {
		t.Errorf("defaults not applied: retries=%d delay=%v model=%q", p.maxRetries, p.retryDelay, p.defaultModel)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name = %q", p.Name())
	}
	if !p.SupportsTools() {
		t.Error("anthropic provider must support tools")
	}
	if len(p.Models()) == 0 {
		t.Error("expected a non-empty model catalog")
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})

	msgs := []agent.CompletionMessage{
		{Role: "system", Content: "ignored here"},
		{Role: "user", Content: "read the file"},
		{Role: "assistant", Content: "on it", ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "read", Input: json.RawMessage(`{"path":"/tmp/a"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "tc-1", Content: "hello", IsError: false},
		}},
	}
	converted, err := p.convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	// System messages travel out of band, so three remain.
	if len(converted) != 3 {
		t.Fatalf("got %d messages, want 3", len(converted))
	}
	if converted[0].Role != "user" || converted[1].Role != "assistant" {
		t.Errorf("roles = %v, %v", converted[0].Role, converted[1].Role)
	}
	// Tool-result turns map to user messages on this API.
	if converted[2].Role != "user" {
		t.Errorf("tool turn role = %v, want user", converted[2].Role)
	}
	if len(converted[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want text + tool_use", len(converted[1].Content))
	}
}

func TestAnthropicConvertMessagesRejectsBadToolInput(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	_, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "read", Input: json.RawMessage(`{not json`)},
		}},
	})
	if err == nil {
		t.Fatal("expected error for malformed tool input")
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	converted, err := p.convertTools([]agent.Tool{schemaTool{name: "search"}})
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(converted) != 1 {
		t.Fatalf("got %d tools", len(converted))
	}
}

func TestAnthropicMaxTokensDefault(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if got := p.getMaxTokens(0); got != 4096 {
		t.Errorf("getMaxTokens(0) = %d, want 4096", got)
	}
	if got := p.getMaxTokens(-5); got != 4096 {
		t.Errorf("getMaxTokens(-5) = %d, want 4096", got)
	}
	if got := p.getMaxTokens(1024); got != 1024 {
		t.Errorf("getMaxTokens(1024) = %d", got)
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	p := NewOpenAIProvider("k")

	msgs := []agent.CompletionMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "calling", ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "read", Input: json.RawMessage(`{"path":"/tmp/a"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "tc-1", Content: "hello"},
			{ToolCallID: "tc-2", Content: "world"},
		}},
	}
	converted, err := p.convertToOpenAIMessages(msgs, "be brief")
	if err != nil {
		t.Fatalf("convertToOpenAIMessages: %v", err)
	}
	// system + user + assistant + one message per tool result.
	if len(converted) != 5 {
		t.Fatalf("got %d messages, want 5", len(converted))
	}
	if converted[0].Role != "system" || converted[0].Content != "be brief" {
		t.Errorf("system message = %+v", converted[0])
	}
	if len(converted[2].ToolCalls) != 1 || converted[2].ToolCalls[0].Function.Name != "read" {
		t.Errorf("assistant tool calls = %+v", converted[2].ToolCalls)
	}
	if converted[3].Role != "tool" || converted[3].ToolCallID != "tc-1" {
		t.Errorf("tool message = %+v", converted[3])
	}
	if converted[4].ToolCallID != "tc-2" {
		t.Errorf("second tool message = %+v", converted[4])
	}
}

func TestOpenAIConvertTools(t *testing.T) {
	p := NewOpenAIProvider("k")
	converted := p.convertToOpenAITools([]agent.Tool{schemaTool{name: "search"}})
	if len(converted) != 1 || converted[0].Function.Name != "search" {
		t.Fatalf("converted = %+v", converted)
	}
}

func TestOpenAIRetryableErrors(t *testing.T) {
	p := NewOpenAIProvider("k")
	retryable := []string{
		"rate limit exceeded",
		"status 429",
		"HTTP 503 service unavailable",
		"context deadline exceeded",
	}
	for _, msg := range retryable {
		if !p.isRetryableError(errors.New(msg)) {
			t.Errorf("%q should be retryable", msg)
		}
	}
	if p.isRetryableError(errors.New("invalid api key")) {
		t.Error("auth failures must not be retryable")
	}
	if p.isRetryableError(nil) {
		t.Error("nil error must not be retryable")
	}
}

func TestProviderErrorClassification(t *testing.T) {
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", errors.New("boom")).
		WithStatus(429)
	if err.Reason != FailoverRateLimit {
		t.Errorf("Reason = %v, want rate limit", err.Reason)
	}
	if !IsRetryable(err) {
		t.Error("rate-limited calls are retryable")
	}

	authErr := NewProviderError("openai", "gpt-4o", errors.New("denied")).WithStatus(401)
	if authErr.Reason != FailoverAuth {
		t.Errorf("Reason = %v, want auth", authErr.Reason)
	}
	if IsRetryable(authErr) {
		t.Error("auth failures are not retryable")
	}
	if !ShouldFailover(authErr) {
		t.Error("auth failures should fail over to another provider")
	}

	if IsProviderError(errors.New("plain")) {
		t.Error("plain errors are not provider errors")
	}
	got, ok := GetProviderError(authErr)
	if !ok || got.Provider != "openai" {
		t.Errorf("GetProviderError = %+v, %v", got, ok)
	}
}

func TestBaseProviderRetry(t *testing.T) {
	b := NewBaseProvider("test", 3, time.Millisecond)

	attempts := 0
	err := b.Retry(context.Background(), func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("Retry err=%v attempts=%d", err, attempts)
	}

	attempts = 0
	err = b.Retry(context.Background(), func(error) bool { return false }, func() error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("non-retryable should stop immediately: err=%v attempts=%d", err, attempts)
	}
}
