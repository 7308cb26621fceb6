package agent

import (
	"regexp"
	"strings"

	policy "github.com/nexus-agent/corectl/internal/toolpolicy"
	"github.com/nexus-agent/corectl/pkg/models"
)

// DefaultMaxToolResultSize caps a tool result before persistence (64KB).
const DefaultMaxToolResultSize = 64 * 1024

// secretPattern pairs a detection regex with a stable name surfaced by
// DetectSecrets.
type secretPattern struct {
	name string
	re   *regexp.Regexp
}

// secretPatterns covers the credential shapes most likely to appear in
// tool output: key/value assignments, bearer headers, cloud keys, and
// PEM blocks.
var secretPatterns = []secretPattern{
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[\w-\.]+`)},
	{"aws_key", regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`)},
	{"generic_secret", regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
}

// ToolResultGuard redacts and truncates tool results before they are
// persisted or replayed into provider requests. The zero value is a
// no-op.
type ToolResultGuard struct {
	Enabled         bool
	MaxChars        int
	Denylist        []string
	RedactPatterns  []string
	RedactionText   string
	TruncateSuffix  string
	SanitizeSecrets bool
}

func (g ToolResultGuard) active() bool {
	return g.Enabled || g.MaxChars > 0 || len(g.Denylist) > 0 ||
		len(g.RedactPatterns) > 0 || g.RedactionText != "" ||
		g.TruncateSuffix != "" || g.SanitizeSecrets
}

// Apply returns result with the guard's rules applied: denylisted tools
// are blanked entirely, secret and custom patterns are masked, and
// oversized content is truncated.
func (g ToolResultGuard) Apply(toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	if !g.active() {
		return result
	}

	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[REDACTED]"
	}
	suffix := strings.TrimSpace(g.TruncateSuffix)
	if suffix == "" {
		suffix = "...[truncated]"
	}

	if len(g.Denylist) > 0 && matchesToolPatterns(g.Denylist, toolName, resolver) {
		result.Content = redaction
		return result
	}

	content := result.Content
	if g.SanitizeSecrets && content != "" {
		for _, p := range secretPatterns {
			content = p.re.ReplaceAllString(content, redaction)
		}
	}
	for _, pattern := range g.RedactPatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || content == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		content = re.ReplaceAllString(content, redaction)
	}
	result.Content = content

	if g.MaxChars > 0 && len(result.Content) > g.MaxChars {
		result.Content = result.Content[:g.MaxChars] + suffix
	}
	return result
}

// DetectSecrets reports which secret patterns match content, for alerting
// on exposure without mutating anything.
func DetectSecrets(content string) []string {
	if content == "" {
		return nil
	}
	var matches []string
	for _, p := range secretPatterns {
		if p.re.MatchString(content) {
			matches = append(matches, p.name)
		}
	}
	return matches
}

// SanitizeToolResult applies the default guardrails — the 64KB cap and
// builtin secret masking — for callers without a configured guard.
func SanitizeToolResult(result string) string {
	if len(result) > DefaultMaxToolResultSize {
		result = result[:DefaultMaxToolResultSize] + "\n...[truncated]"
	}
	for _, p := range secretPatterns {
		result = p.re.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}
