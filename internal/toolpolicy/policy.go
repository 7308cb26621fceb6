// Package toolpolicy resolves which tools a given agent turn is allowed to
// call: a named profile sets the default posture, explicit allow/deny
// patterns override it, and MCP tools are matched by server and tool name.
package toolpolicy

import (
	"fmt"
	"strings"
)

// Profile is a named default allow/deny posture.
type Profile string

const (
	// ProfileFull allows every registered tool unless explicitly denied.
	ProfileFull Profile = "full"

	// ProfileReadOnly allows only tools the caller has marked read-only via
	// the ReadOnlyTools allowlist; everything else is denied.
	ProfileReadOnly Profile = "read_only"

	// ProfileNone denies every tool unless explicitly allowed.
	ProfileNone Profile = "none"

	// ProfileCoding allows the file/exec/search tool set a coding session
	// needs and nothing else.
	ProfileCoding Profile = "coding"

	// ProfileMessaging allows only outbound messaging and status tools.
	ProfileMessaging Profile = "messaging"

	// ProfileMinimal allows only the status tool.
	ProfileMinimal Profile = "minimal"
)

// profileTools lists, per allowlist-shaped profile, the canonical tool
// names that profile admits by default.
var profileTools = map[Profile]map[string]bool{
	ProfileCoding: {
		"read":          true,
		"write":         true,
		"edit":          true,
		"exec":          true,
		"web_search":    true,
		"web_fetch":     true,
		"memory_search": true,
		"status":        true,
	},
	ProfileMessaging: {
		"send_message": true,
		"status":       true,
	},
	ProfileMinimal: {
		"status": true,
	},
}

// Policy describes the allow/deny rules in effect for a request.
type Policy struct {
	// Profile is the default posture applied before Allow/Deny overrides.
	Profile Profile

	// Allow lists tool name patterns explicitly allowed (takes precedence
	// over the profile default, but not over Deny).
	Allow []string

	// Deny lists tool name patterns explicitly denied (takes precedence
	// over everything else).
	Deny []string

	// ReadOnlyTools lists tool names considered read-only, consulted only
	// under ProfileReadOnly.
	ReadOnlyTools []string
}

// Decision is the outcome of evaluating a Policy against one tool name.
type Decision struct {
	Allowed bool
	Reason  string
}

// Resolver evaluates a Policy against tool names. It exists as a type
// (rather than free functions) so call sites can swap in a caching or
// MCP-aware resolver without changing the Policy shape.
type Resolver struct {
	// aliases maps a non-canonical tool name to its canonical form, e.g.
	// the editor-facing "bash" to the registered "exec" tool. Applied on
	// top of the built-in alias table.
	aliases map[string]string

	// mcpServers maps a registered MCP server id to the set of tool names
	// it exposes. A server with a registered tool list rejects calls to
	// tools outside it even when a wildcard allow matches.
	mcpServers map[string]map[string]bool
}

// NewResolver returns a Resolver with no extra name aliases configured.
func NewResolver() *Resolver {
	return &Resolver{
		aliases:    map[string]string{},
		mcpServers: map[string]map[string]bool{},
	}
}

// WithAlias registers a non-canonical name that should resolve to canonical
// before policy matching (e.g. MCP tool names routed through a prefix).
func (r *Resolver) WithAlias(from, to string) *Resolver {
	if r.aliases == nil {
		r.aliases = map[string]string{}
	}
	r.aliases[from] = to
	return r
}

// RegisterMCPServer records the tools an MCP server exposes, letting the
// resolver expand "allow the whole server" rules without admitting tool
// names the server never declared.
func (r *Resolver) RegisterMCPServer(serverID string, tools []string) {
	if r.mcpServers == nil {
		r.mcpServers = map[string]map[string]bool{}
	}
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[NormalizeTool(t)] = true
	}
	r.mcpServers[NormalizeTool(serverID)] = set
}

// CanonicalName resolves a tool name to its canonical form.
func (r *Resolver) CanonicalName(name string) string {
	if r == nil {
		return NormalizeTool(name)
	}
	if canon, ok := r.aliases[name]; ok {
		return NormalizeTool(canon)
	}
	return NormalizeTool(name)
}

// builtinAliases maps common editor/agent-facing tool names onto the
// canonical names this repo registers.
var builtinAliases = map[string]string{
	"bash":        "exec",
	"shell":       "exec",
	"apply-patch": "edit",
	"apply_patch": "edit",
	"websearch":   "web_search",
	"webfetch":    "web_fetch",
}

// NormalizeTool lowercases, trims, and alias-resolves a tool name for
// pattern comparison. It is the resolver-free fallback used when no
// Resolver is configured.
func NormalizeTool(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canon, ok := builtinAliases[n]; ok {
		return canon
	}
	return n
}

// ParseMCPToolName splits an MCP-routed tool name into its server id and
// tool name. Both "mcp:server.tool" and "mcp.server.tool" forms are
// accepted; a name without an MCP prefix returns ("", "").
func ParseMCPToolName(name string) (serverID, tool string) {
	var rest string
	switch {
	case strings.HasPrefix(name, "mcp:"):
		rest = strings.TrimPrefix(name, "mcp:")
	case strings.HasPrefix(name, "mcp."):
		rest = strings.TrimPrefix(name, "mcp.")
	default:
		return "", ""
	}
	idx := strings.Index(rest, ".")
	if idx <= 0 || idx == len(rest)-1 {
		return "", ""
	}
	return rest[:idx], rest[idx+1:]
}

// IsAllowed reports whether toolName may be invoked under pol.
func (r *Resolver) IsAllowed(pol *Policy, toolName string) bool {
	return r.Decide(pol, toolName).Allowed
}

// Decide evaluates pol against toolName and returns the decision with a
// human-readable reason suitable for surfacing in a denial tool result.
func (r *Resolver) Decide(pol *Policy, toolName string) Decision {
	if pol == nil {
		return Decision{Allowed: true, Reason: "no tool policy configured"}
	}
	name := r.CanonicalName(toolName)

	if matchAny(pol.Deny, name, r) {
		return Decision{Allowed: false, Reason: fmt.Sprintf("tool %q is explicitly denied by policy", name)}
	}
	if matchAny(pol.Allow, name, r) {
		if reason, ok := r.mcpToolUndeclared(name); ok {
			return Decision{Allowed: false, Reason: reason}
		}
		return Decision{Allowed: true, Reason: fmt.Sprintf("tool %q is explicitly allowed by policy", name)}
	}

	switch Profile(strings.ToLower(strings.TrimSpace(string(pol.Profile)))) {
	case ProfileNone:
		return Decision{Allowed: false, Reason: fmt.Sprintf("tool %q is denied: profile %q allows no tools by default", name, pol.Profile)}
	case ProfileReadOnly, "readonly":
		if matchAny(pol.ReadOnlyTools, name, r) {
			return Decision{Allowed: true, Reason: fmt.Sprintf("tool %q is in the read-only allowlist", name)}
		}
		return Decision{Allowed: false, Reason: fmt.Sprintf("tool %q is not in the read-only allowlist", name)}
	case ProfileCoding, ProfileMessaging, ProfileMinimal:
		prof := Profile(strings.ToLower(strings.TrimSpace(string(pol.Profile))))
		if profileTools[prof][name] {
			return Decision{Allowed: true, Reason: fmt.Sprintf("tool %q is allowed by the %q profile", name, prof)}
		}
		return Decision{Allowed: false, Reason: fmt.Sprintf("tool %q is not part of the %q profile", name, prof)}
	case ProfileFull, "":
		return Decision{Allowed: true, Reason: "full profile allows all tools unless denied"}
	default:
		return Decision{Allowed: true, Reason: fmt.Sprintf("unknown profile %q defaults to allow", pol.Profile)}
	}
}

// mcpToolUndeclared reports whether name addresses a registered MCP server
// but a tool that server never declared.
func (r *Resolver) mcpToolUndeclared(name string) (string, bool) {
	serverID, tool := ParseMCPToolName(name)
	if serverID == "" {
		return "", false
	}
	declared, registered := r.mcpServers[NormalizeTool(serverID)]
	if !registered {
		return "", false
	}
	if !declared[NormalizeTool(tool)] {
		return fmt.Sprintf("MCP server %q does not declare tool %q", serverID, tool), true
	}
	return "", false
}

func matchAny(patterns []string, name string, r *Resolver) bool {
	for _, pattern := range patterns {
		if matchPattern(r.CanonicalName(pattern), name) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(name, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// UnifiedPolicyBuilder assembles a Policy from native-tool and MCP rules
// through a fluent interface.
type UnifiedPolicyBuilder struct {
	policy Policy
}

// NewUnifiedPolicy starts a policy builder with no profile or rules.
func NewUnifiedPolicy() *UnifiedPolicyBuilder {
	return &UnifiedPolicyBuilder{}
}

// WithProfile sets the default posture.
func (b *UnifiedPolicyBuilder) WithProfile(p Profile) *UnifiedPolicyBuilder {
	b.policy.Profile = p
	return b
}

// AllowMCPServer allows every tool a given MCP server exposes.
func (b *UnifiedPolicyBuilder) AllowMCPServer(serverID string) *UnifiedPolicyBuilder {
	b.policy.Allow = append(b.policy.Allow, "mcp:"+serverID+".*")
	return b
}

// DenyMCPTool denies a single tool on a given MCP server.
func (b *UnifiedPolicyBuilder) DenyMCPTool(serverID, tool string) *UnifiedPolicyBuilder {
	b.policy.Deny = append(b.policy.Deny, "mcp:"+serverID+"."+tool)
	return b
}

// AllowNative explicitly allows a native (non-MCP) tool.
func (b *UnifiedPolicyBuilder) AllowNative(tool string) *UnifiedPolicyBuilder {
	b.policy.Allow = append(b.policy.Allow, tool)
	return b
}

// DenyNative explicitly denies a native (non-MCP) tool.
func (b *UnifiedPolicyBuilder) DenyNative(tool string) *UnifiedPolicyBuilder {
	b.policy.Deny = append(b.policy.Deny, tool)
	return b
}

// Build returns the assembled Policy.
func (b *UnifiedPolicyBuilder) Build() *Policy {
	pol := b.policy
	return &pol
}
