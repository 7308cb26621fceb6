package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	policy "github.com/nexus-agent/corectl/internal/toolpolicy"
	"github.com/nexus-agent/corectl/pkg/models"
)

// ApprovalDecision is the outcome of checking one tool call against the
// approval policy.
type ApprovalDecision string

const (
	ApprovalAllowed ApprovalDecision = "allowed"
	ApprovalDenied  ApprovalDecision = "denied"
	ApprovalPending ApprovalDecision = "pending"
)

// ApprovalRequest is a tool call parked until the user decides on it.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name"`
	Input      []byte           `json:"input,omitempty"`
	AgentID    string           `json:"agent_id,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at,omitempty"`
	Decision   ApprovalDecision `json:"decision"`
	DecidedAt  time.Time        `json:"decided_at,omitempty"`
	DecidedBy  string           `json:"decided_by,omitempty"`
}

// ApprovalPolicy is the allow/deny/ask posture for tool execution. Rules
// are evaluated in a fixed order: denylist, allowlist, safe bins,
// require-approval, then the default decision.
type ApprovalPolicy struct {
	// Allowlist names tools that run without asking. Patterns support
	// "*", "prefix*", "*suffix", and "mcp:*".
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// Denylist names tools that never run. Same pattern syntax.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// RequireApproval names tools that always park for user assent.
	RequireApproval []string `yaml:"require_approval" json:"require_approval"`

	// SafeBins are read-only commands safe to auto-allow.
	SafeBins []string `yaml:"safe_bins" json:"safe_bins"`

	// DefaultDecision applies when no rule matches (default: pending).
	DefaultDecision ApprovalDecision `yaml:"default_decision" json:"default_decision"`

	// RequestTTL bounds how long a parked request stays answerable.
	RequestTTL time.Duration `yaml:"request_ttl" json:"request_ttl"`
}

// DefaultApprovalPolicy allows common read-only shell filters and parks
// everything else.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{
		SafeBins:        []string{"cat", "head", "tail", "wc", "sort", "uniq", "grep"},
		DefaultDecision: ApprovalPending,
		RequestTTL:      5 * time.Minute,
	}
}

// ApprovalStore persists parked approval requests.
type ApprovalStore interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	Update(ctx context.Context, req *ApprovalRequest) error
	ListPending(ctx context.Context, agentID string) ([]*ApprovalRequest, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ApprovalChecker decides, per tool call, whether to run, refuse, or ask.
// Policies can be overridden per agent; the zero default parks unknown
// tools rather than running them.
type ApprovalChecker struct {
	mu            sync.RWMutex
	defaultPolicy *ApprovalPolicy
	agentPolicies map[string]*ApprovalPolicy
	store         ApprovalStore
}

// NewApprovalChecker builds a checker over defaultPolicy (nil for the
// package default).
func NewApprovalChecker(defaultPolicy *ApprovalPolicy) *ApprovalChecker {
	return &ApprovalChecker{
		defaultPolicy: normalizeApprovalPolicy(defaultPolicy),
		agentPolicies: make(map[string]*ApprovalPolicy),
	}
}

// SetStore installs the persistence backend for parked requests.
func (c *ApprovalChecker) SetStore(store ApprovalStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
}

// SetAgentPolicy overrides the policy for one agent id.
func (c *ApprovalChecker) SetAgentPolicy(agentID string, p *ApprovalPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentPolicies[agentID] = normalizeApprovalPolicy(p)
}

// PolicyFor returns the effective policy for agentID. Treat as read-only.
func (c *ApprovalChecker) PolicyFor(agentID string) *ApprovalPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.agentPolicies[agentID]; ok && p != nil {
		return p
	}
	return c.defaultPolicy
}

// Check evaluates one tool call and explains the decision.
func (c *ApprovalChecker) Check(ctx context.Context, agentID string, toolCall models.ToolCall) (ApprovalDecision, string) {
	p := c.PolicyFor(agentID)

	switch {
	case matchesPattern(p.Denylist, toolCall.Name):
		return ApprovalDenied, "tool in denylist"
	case matchesPattern(p.Allowlist, toolCall.Name):
		return ApprovalAllowed, "tool in allowlist"
	case matchesPattern(p.SafeBins, toolCall.Name):
		return ApprovalAllowed, "tool is safe bin"
	case matchesPattern(p.RequireApproval, toolCall.Name):
		return ApprovalPending, "tool requires approval"
	}

	if p.DefaultDecision == "" {
		return ApprovalPending, "default policy"
	}
	return p.DefaultDecision, "default policy"
}

// CreateApprovalRequest parks a tool call for user assent, persisting it
// when a store is configured.
func (c *ApprovalChecker) CreateApprovalRequest(ctx context.Context, agentID, sessionID string, toolCall models.ToolCall, reason string) (*ApprovalRequest, error) {
	p := c.PolicyFor(agentID)
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()

	ttl := p.RequestTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	req := &ApprovalRequest{
		ID:         toolCall.ID + "-approval",
		ToolCallID: toolCall.ID,
		ToolName:   toolCall.Name,
		Input:      toolCall.Input,
		AgentID:    agentID,
		SessionID:  sessionID,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Decision:   ApprovalPending,
	}
	if store != nil {
		if err := store.Create(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Approve resolves a parked request as allowed.
func (c *ApprovalChecker) Approve(ctx context.Context, requestID, decidedBy string) error {
	return c.decide(ctx, requestID, decidedBy, ApprovalAllowed)
}

// Deny resolves a parked request as denied.
func (c *ApprovalChecker) Deny(ctx context.Context, requestID, decidedBy string) error {
	return c.decide(ctx, requestID, decidedBy, ApprovalDenied)
}

func (c *ApprovalChecker) decide(ctx context.Context, requestID, decidedBy string, decision ApprovalDecision) error {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil {
		return nil
	}
	req, err := store.Get(ctx, requestID)
	if err != nil || req == nil {
		return err
	}
	req.Decision = decision
	req.DecidedAt = time.Now()
	req.DecidedBy = decidedBy
	return store.Update(ctx, req)
}

// GetPendingRequests lists unresolved, unexpired requests for an agent.
func (c *ApprovalChecker) GetPendingRequests(ctx context.Context, agentID string) ([]*ApprovalRequest, error) {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil {
		return nil, nil
	}
	return store.ListPending(ctx, agentID)
}

// matchesPattern reports whether toolName matches any pattern: exact,
// "*", "prefix*", "*suffix", or "mcp:*".
func matchesPattern(patterns []string, toolName string) bool {
	name := policy.NormalizeTool(toolName)
	for _, raw := range patterns {
		if raw == "" {
			continue
		}
		pattern := policy.NormalizeTool(raw)
		switch {
		case pattern == "*":
			return true
		case pattern == name:
			return true
		case pattern == "mcp:*" && strings.HasPrefix(name, "mcp:"):
			return true
		case len(pattern) > 1 && strings.HasSuffix(pattern, "*") &&
			strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")):
			return true
		case len(pattern) > 1 && strings.HasPrefix(pattern, "*") &&
			strings.HasSuffix(name, strings.TrimPrefix(pattern, "*")):
			return true
		}
	}
	return false
}

// normalizeApprovalPolicy overlays p on the package defaults, cloning the
// list fields so callers can't mutate the checker's copy.
func normalizeApprovalPolicy(p *ApprovalPolicy) *ApprovalPolicy {
	merged := *DefaultApprovalPolicy()
	if p == nil {
		return &merged
	}
	if len(p.Allowlist) > 0 {
		merged.Allowlist = append([]string(nil), p.Allowlist...)
	}
	if len(p.Denylist) > 0 {
		merged.Denylist = append([]string(nil), p.Denylist...)
	}
	if len(p.RequireApproval) > 0 {
		merged.RequireApproval = append([]string(nil), p.RequireApproval...)
	}
	if len(p.SafeBins) > 0 {
		merged.SafeBins = append([]string(nil), p.SafeBins...)
	}
	if p.DefaultDecision != "" {
		merged.DefaultDecision = p.DefaultDecision
	}
	if p.RequestTTL > 0 {
		merged.RequestTTL = p.RequestTTL
	}
	return &merged
}

// MemoryApprovalStore keeps parked requests in memory; suitable for a
// single-process CLI session.
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest
}

// NewMemoryApprovalStore returns an empty store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{requests: make(map[string]*ApprovalRequest)}
}

// Create stores req.
func (s *MemoryApprovalStore) Create(ctx context.Context, req *ApprovalRequest) error {
	if req == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

// Get returns a request by id, nil when absent.
func (s *MemoryApprovalStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests[id], nil
}

// Update replaces a stored request.
func (s *MemoryApprovalStore) Update(ctx context.Context, req *ApprovalRequest) error {
	return s.Create(ctx, req)
}

// ListPending returns unresolved, unexpired requests, optionally filtered
// by agent id.
func (s *MemoryApprovalStore) ListPending(ctx context.Context, agentID string) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*ApprovalRequest
	for _, req := range s.requests {
		if req.Decision != ApprovalPending {
			continue
		}
		if !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(now) {
			continue
		}
		if agentID != "" && req.AgentID != agentID {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Prune drops requests created before the cutoff and reports how many.
func (s *MemoryApprovalStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	for id, req := range s.requests {
		if req.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			pruned++
		}
	}
	return pruned, nil
}
