package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	ManifestFilename       = "corectl.plugin.json"
	LegacyManifestFilename = "corectl-agent.plugin.json"
)

// Manifest describes a plugin: what it registers (tools, channels,
// commands, services, hooks), the capabilities it needs, its configuration
// schema, and UI hints for setup flows.
type Manifest struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind,omitempty"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Version      string          `json:"version,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	Channels     []string        `json:"channels,omitempty"`
	Providers    []string        `json:"providers,omitempty"`
	Commands     []string        `json:"commands,omitempty"`
	Services     []string        `json:"services,omitempty"`
	Hooks        []string        `json:"hooks,omitempty"`
	Capabilities *Capabilities   `json:"capabilities,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	UIHints      *UIHints        `json:"uiHints,omitempty"`
}

// Capabilities declares the host capabilities a plugin requires or can
// optionally use, as "<kind>:<name>" strings (e.g. "tool:echo", "cli:*").
type Capabilities struct {
	Required []string `json:"required,omitempty"`
	Optional []string `json:"optional,omitempty"`
}

// UIHints carries presentation metadata for configuration and setup UIs.
type UIHints struct {
	ConfigFields map[string]*FieldHint `json:"configFields,omitempty"`
	SetupSteps   []*SetupStep          `json:"setupSteps,omitempty"`
	Requirements []*Requirement        `json:"requirements,omitempty"`
	Links        map[string]string     `json:"links,omitempty"`
}

// FieldHint describes how a single configuration field should be rendered
// and validated.
type FieldHint struct {
	Label       string           `json:"label,omitempty"`
	Description string           `json:"description,omitempty"`
	Placeholder string           `json:"placeholder,omitempty"`
	HelpURL     string           `json:"helpUrl,omitempty"`
	InputType   string           `json:"inputType,omitempty"`
	Options     []FieldOption    `json:"options,omitempty"`
	Required    bool             `json:"required,omitempty"`
	Sensitive   bool             `json:"sensitive,omitempty"`
	EnvVar      string           `json:"envVar,omitempty"`
	Default     any              `json:"default,omitempty"`
	Validation  *FieldValidation `json:"validation,omitempty"`
}

// FieldOption is one selectable value for an enum-like field.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// FieldValidation constrains a field's value.
type FieldValidation struct {
	Pattern   string   `json:"pattern,omitempty"`
	MinLength int      `json:"minLength,omitempty"`
	MaxLength int      `json:"maxLength,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
}

// SetupStep is one step in a plugin's guided setup flow.
type SetupStep struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Commands     []string `json:"commands,omitempty"`
	ConfigFields []string `json:"configFields,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// Requirement is something the operator must obtain before the plugin works.
type Requirement struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

// DecodeManifest parses a manifest from raw JSON.
func DecodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// DecodeManifestFile parses a manifest from a file on disk.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks the manifest's required fields.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	if len(m.ConfigSchema) == 0 {
		return fmt.Errorf("manifest configSchema is required")
	}
	return nil
}

// DeclaredCapabilities returns the union of required and optional
// capabilities, blank entries dropped, order preserved.
func (m *Manifest) DeclaredCapabilities() []string {
	if m == nil || m.Capabilities == nil {
		return nil
	}
	var out []string
	for _, c := range append(append([]string{}, m.Capabilities.Required...), m.Capabilities.Optional...) {
		if strings.TrimSpace(c) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// HasCapability reports whether the manifest declares a capability that
// matches the requested one (exact or wildcard).
func (m *Manifest) HasCapability(requested string) bool {
	for _, allowed := range m.DeclaredCapabilities() {
		if CapabilityMatches(allowed, requested) {
			return true
		}
	}
	return false
}

// CapabilityMatches reports whether an allowed capability pattern admits a
// requested capability. "*" matches anything; "kind:*" matches any
// capability of that kind; otherwise the match is exact.
func CapabilityMatches(allowed, requested string) bool {
	if allowed == "" {
		return false
	}
	if allowed == "*" {
		return true
	}
	if strings.HasSuffix(allowed, ":*") {
		return strings.HasPrefix(requested, strings.TrimSuffix(allowed, "*"))
	}
	return allowed == requested
}

// GetFieldHint returns the UI hint for a configuration field path, or nil.
func (m *Manifest) GetFieldHint(path string) *FieldHint {
	if m == nil || m.UIHints == nil || m.UIHints.ConfigFields == nil {
		return nil
	}
	return m.UIHints.ConfigFields[path]
}

// GetSetupSteps returns the manifest's guided setup steps, or nil.
func (m *Manifest) GetSetupSteps() []*SetupStep {
	if m == nil || m.UIHints == nil {
		return nil
	}
	return m.UIHints.SetupSteps
}

// GetRequirements returns the manifest's operator requirements, or nil.
func (m *Manifest) GetRequirements() []*Requirement {
	if m == nil || m.UIHints == nil {
		return nil
	}
	return m.UIHints.Requirements
}

// GetRequiredFields returns the config field paths marked required.
func (m *Manifest) GetRequiredFields() []string {
	if m == nil || m.UIHints == nil || m.UIHints.ConfigFields == nil {
		return nil
	}
	var out []string
	for path, hint := range m.UIHints.ConfigFields {
		if hint != nil && hint.Required {
			out = append(out, path)
		}
	}
	return out
}

// GetSensitiveFields returns the config field paths marked sensitive, for
// redaction in logs and display.
func (m *Manifest) GetSensitiveFields() []string {
	if m == nil || m.UIHints == nil || m.UIHints.ConfigFields == nil {
		return nil
	}
	var out []string
	for path, hint := range m.UIHints.ConfigFields {
		if hint != nil && hint.Sensitive {
			out = append(out, path)
		}
	}
	return out
}
