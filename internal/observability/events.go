package observability

import "sync"

// UsageDetails is the token breakdown of one model call.
type UsageDetails struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
	Total      int64 `json:"total,omitempty"`
}

// ModelUsageEvent reports one completed LLM call: which session and
// surface it served, the model that answered, and what it cost.
type ModelUsageEvent struct {
	SessionID  string       `json:"session_id,omitempty"`
	Channel    string       `json:"channel,omitempty"`
	Provider   string       `json:"provider,omitempty"`
	Model      string       `json:"model,omitempty"`
	Usage      UsageDetails `json:"usage"`
	CostUSD    float64      `json:"cost_usd,omitempty"`
	DurationMs int64        `json:"duration_ms,omitempty"`
}

// usageBus fans ModelUsageEvents out to registered subscribers. Emission
// never blocks the query loop: subscribers run inline and must be fast.
var usageBus = struct {
	mu   sync.RWMutex
	subs []func(*ModelUsageEvent)
}{}

// SubscribeModelUsage registers fn to receive every subsequent model usage
// event. There is no unsubscribe; subscribers live for the process.
func SubscribeModelUsage(fn func(*ModelUsageEvent)) {
	if fn == nil {
		return
	}
	usageBus.mu.Lock()
	defer usageBus.mu.Unlock()
	usageBus.subs = append(usageBus.subs, fn)
}

// EmitModelUsage publishes e to all subscribers and records the usage
// metrics. A nil event is ignored.
func EmitModelUsage(e *ModelUsageEvent) {
	if e == nil {
		return
	}
	RecordModelUsage(e.Provider, e.Model, e.Usage.Input, e.Usage.Output, e.CostUSD)

	usageBus.mu.RLock()
	subs := usageBus.subs
	usageBus.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
