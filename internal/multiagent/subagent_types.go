package multiagent

import (
	"fmt"
	"os"
	"sort"
	"sync"

	policy "github.com/nexus-agent/corectl/internal/toolpolicy"
	"gopkg.in/yaml.v3"
)

// SubagentTypeConfig describes one entry in the subagent registry: an agent
// type the Task tool can dispatch to. Tools is either ["*"] (all tools the
// parent has registered) or an explicit allow-list; DisallowedTools is
// subtracted afterward regardless of which form Tools takes.
type SubagentTypeConfig struct {
	Name            string   `yaml:"name" json:"name"`
	WhenToUse       string   `yaml:"whenToUse" json:"whenToUse"`
	Tools           []string `yaml:"tools" json:"tools"`
	DisallowedTools []string `yaml:"disallowedTools,omitempty" json:"disallowedTools,omitempty"`
	Model           string   `yaml:"model,omitempty" json:"model,omitempty"`
	SystemPrompt    string   `yaml:"systemPrompt" json:"systemPrompt"`
}

// allowsAllTools reports whether the config's Tools list is the "*" wildcard.
func (c *SubagentTypeConfig) allowsAllTools() bool {
	return len(c.Tools) == 1 && c.Tools[0] == "*"
}

// SubagentDisallowedTools is SUBAGENT_DISALLOWED_TOOLS: the tool names never
// available inside a subagent's filtered tool set regardless of its own
// config, read at startup alongside the registry itself. Task is excluded so
// a subagent cannot recursively dispatch further subagents unless an agent
// config explicitly re-adds it via a narrower disallow list that omits it
// (subagent recursion stays configuration-gated and off by default, per the
// registry's own design note).
var SubagentDisallowedTools = []string{"task", "task_output", "enter_plan_mode", "exit_plan_mode"}

// SubagentTypeRegistry is the read-at-startup mapping from agent type name to
// its configuration. Mutation after load is not required by the registry's
// contract, but Register is exposed for tests and for embedding fixed agent
// types at process startup.
type SubagentTypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*SubagentTypeConfig
}

// NewSubagentTypeRegistry returns an empty registry.
func NewSubagentTypeRegistry() *SubagentTypeRegistry {
	return &SubagentTypeRegistry{types: make(map[string]*SubagentTypeConfig)}
}

// Register adds or replaces a subagent type configuration.
func (r *SubagentTypeRegistry) Register(cfg *SubagentTypeConfig) error {
	if cfg == nil || cfg.Name == "" {
		return fmt.Errorf("subagent type config must have a name")
	}
	if len(cfg.Tools) == 0 {
		return fmt.Errorf("subagent type %q must specify tools (\"*\" or an explicit list)", cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[cfg.Name] = cfg
	return nil
}

// Get returns the configuration for a subagent type by name.
func (r *SubagentTypeRegistry) Get(name string) (*SubagentTypeConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.types[name]
	return cfg, ok
}

// List returns every registered subagent type, sorted by name for stable
// output (used when building the Task tool's description/schema).
func (r *SubagentTypeRegistry) List() []*SubagentTypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SubagentTypeConfig, 0, len(r.types))
	for _, cfg := range r.types {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadSubagentTypesFile loads a registry from a YAML file shaped as a list of
// SubagentTypeConfig entries under a top-level `subagents:` key, mirroring
// the shape the main config loader uses for its own sections.
func LoadSubagentTypesFile(path string) (*SubagentTypeRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subagent types file: %w", err)
	}

	var doc struct {
		Subagents []SubagentTypeConfig `yaml:"subagents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse subagent types YAML: %w", err)
	}

	registry := NewSubagentTypeRegistry()
	for i := range doc.Subagents {
		if err := registry.Register(&doc.Subagents[i]); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// DefaultSubagentTypes returns the built-in registry entries this repo ships
// when no custom subagents file is configured: a read-only explorer and a
// general-purpose worker, both excluded from editing tools.
func DefaultSubagentTypes() *SubagentTypeRegistry {
	registry := NewSubagentTypeRegistry()
	_ = registry.Register(&SubagentTypeConfig{
		Name:            "Explore",
		WhenToUse:       "Searching and reading through the codebase or filesystem to answer a question, without making any changes.",
		Tools:           []string{"*"},
		DisallowedTools: []string{"edit", "write", "exec"},
		SystemPrompt:    "You are a read-only research subagent. Investigate the request thoroughly and report findings as plain text; you cannot edit files or run commands.",
	})
	_ = registry.Register(&SubagentTypeConfig{
		Name:         "general-purpose",
		WhenToUse:    "Open-ended multi-step work that benefits from its own isolated tool-use loop, such as a self-contained subtask delegated out of the main conversation.",
		Tools:        []string{"*"},
		SystemPrompt: "You are a general-purpose subagent. Complete the delegated task and report your final result as plain text.",
	})
	return registry
}

// filterToolsForAgent computes a subagent's tool set as
// (allToolsOrListed) \ (SUBAGENT_DISALLOWED ∪ cfg.DisallowedTools), applied
// by normalized tool name. The result is a subset of names and never
// contains a name SUBAGENT_DISALLOWED or cfg.DisallowedTools names.
func filterToolsForAgent(allNames []string, cfg *SubagentTypeConfig) []string {
	denied := make(map[string]bool, len(SubagentDisallowedTools)+len(cfg.DisallowedTools))
	for _, n := range SubagentDisallowedTools {
		denied[policy.NormalizeTool(n)] = true
	}
	for _, n := range cfg.DisallowedTools {
		denied[policy.NormalizeTool(n)] = true
	}

	var base []string
	if cfg.allowsAllTools() {
		base = allNames
	} else {
		allowed := make(map[string]bool, len(cfg.Tools))
		for _, n := range cfg.Tools {
			allowed[policy.NormalizeTool(n)] = true
		}
		for _, n := range allNames {
			if allowed[policy.NormalizeTool(n)] {
				base = append(base, n)
			}
		}
	}

	out := make([]string, 0, len(base))
	for _, n := range base {
		if !denied[policy.NormalizeTool(n)] {
			out = append(out, n)
		}
	}
	return out
}
