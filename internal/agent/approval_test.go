package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-agent/corectl/pkg/models"
)

func call(name string) models.ToolCall {
	return models.ToolCall{ID: "tc-" + name, Name: name}
}

func TestApprovalCheckRuleOrder(t *testing.T) {
	checker := NewApprovalChecker(&ApprovalPolicy{
		Allowlist:       []string{"read", "mcp:*"},
		Denylist:        []string{"rm_rf", "read"}, // deny wins over allow
		RequireApproval: []string{"exec"},
		DefaultDecision: ApprovalPending,
	})

	tests := []struct {
		tool   string
		want   ApprovalDecision
		reason string
	}{
		{"rm_rf", ApprovalDenied, "tool in denylist"},
		{"read", ApprovalDenied, "tool in denylist"},
		{"mcp:github.send", ApprovalAllowed, "tool in allowlist"},
		{"grep", ApprovalAllowed, "tool is safe bin"},
		{"exec", ApprovalPending, "tool requires approval"},
		{"web_fetch", ApprovalPending, "default policy"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			decision, reason := checker.Check(context.Background(), "main", call(tt.tool))
			if decision != tt.want || reason != tt.reason {
				t.Errorf("Check(%q) = %v %q, want %v %q", tt.tool, decision, reason, tt.want, tt.reason)
			}
		})
	}
}

func TestApprovalPatternShapes(t *testing.T) {
	tests := []struct {
		pattern string
		tool    string
		want    bool
	}{
		{"*", "anything", true},
		{"read", "read", true},
		{"read", "write", false},
		{"read_*", "read_file", true},
		{"*_file", "write_file", true},
		{"mcp:*", "mcp:github.send", true},
		{"mcp:*", "github", false},
		{"BASH", "exec", true}, // alias-normalized both sides
		{"", "read", false},
	}
	for _, tt := range tests {
		if got := matchesPattern([]string{tt.pattern}, tt.tool); got != tt.want {
			t.Errorf("matchesPattern(%q, %q) = %v, want %v", tt.pattern, tt.tool, got, tt.want)
		}
	}
}

func TestApprovalDefaultDecisionOverride(t *testing.T) {
	allowAll := NewApprovalChecker(&ApprovalPolicy{DefaultDecision: ApprovalAllowed})
	if decision, _ := allowAll.Check(context.Background(), "main", call("anything")); decision != ApprovalAllowed {
		t.Errorf("decision = %v, want allowed", decision)
	}

	// Nil policy falls back to the package default: park unknown tools.
	strict := NewApprovalChecker(nil)
	if decision, _ := strict.Check(context.Background(), "main", call("unknown_tool")); decision != ApprovalPending {
		t.Errorf("decision = %v, want pending", decision)
	}
}

func TestApprovalPerAgentPolicy(t *testing.T) {
	checker := NewApprovalChecker(&ApprovalPolicy{DefaultDecision: ApprovalPending})
	checker.SetAgentPolicy("Explore", &ApprovalPolicy{
		Denylist:        []string{"write"},
		DefaultDecision: ApprovalAllowed,
	})

	if decision, _ := checker.Check(context.Background(), "Explore", call("write")); decision != ApprovalDenied {
		t.Errorf("Explore write = %v, want denied", decision)
	}
	if decision, _ := checker.Check(context.Background(), "Explore", call("search")); decision != ApprovalAllowed {
		t.Errorf("Explore search = %v, want allowed", decision)
	}
	if decision, _ := checker.Check(context.Background(), "main", call("search")); decision != ApprovalPending {
		t.Errorf("main search = %v, want pending", decision)
	}
}

func TestApprovalRequestLifecycle(t *testing.T) {
	checker := NewApprovalChecker(nil)
	store := NewMemoryApprovalStore()
	checker.SetStore(store)
	ctx := context.Background()

	req, err := checker.CreateApprovalRequest(ctx, "main", "sess-1", call("exec"), "needs assent")
	if err != nil {
		t.Fatalf("CreateApprovalRequest: %v", err)
	}
	if req.Decision != ApprovalPending || req.ExpiresAt.Before(req.CreatedAt) {
		t.Fatalf("request = %+v", req)
	}

	pending, err := checker.GetPendingRequests(ctx, "main")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}

	if err := checker.Approve(ctx, req.ID, "operator"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	stored, _ := store.Get(ctx, req.ID)
	if stored.Decision != ApprovalAllowed || stored.DecidedBy != "operator" {
		t.Errorf("stored = %+v", stored)
	}

	pending, _ = checker.GetPendingRequests(ctx, "main")
	if len(pending) != 0 {
		t.Errorf("approved request still pending: %v", pending)
	}
}

func TestApprovalDenyAndPrune(t *testing.T) {
	store := NewMemoryApprovalStore()
	checker := NewApprovalChecker(nil)
	checker.SetStore(store)
	ctx := context.Background()

	req, _ := checker.CreateApprovalRequest(ctx, "main", "sess-1", call("exec"), "")
	if err := checker.Deny(ctx, req.ID, "operator"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	stored, _ := store.Get(ctx, req.ID)
	if stored.Decision != ApprovalDenied {
		t.Errorf("decision = %v", stored.Decision)
	}

	// Backdate and prune.
	stored.CreatedAt = time.Now().Add(-2 * time.Hour)
	_ = store.Update(ctx, stored)
	pruned, err := store.Prune(ctx, time.Hour)
	if err != nil || pruned != 1 {
		t.Errorf("Prune = %d, %v", pruned, err)
	}
}

func TestMemoryStoreExpiredRequestsHidden(t *testing.T) {
	store := NewMemoryApprovalStore()
	ctx := context.Background()
	_ = store.Create(ctx, &ApprovalRequest{
		ID:        "r1",
		AgentID:   "main",
		Decision:  ApprovalPending,
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-30 * time.Minute),
	})
	pending, err := store.ListPending(ctx, "main")
	if err != nil || len(pending) != 0 {
		t.Errorf("expired request listed: %v, %v", pending, err)
	}
}
