package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the loop and executor.
var (
	ErrMaxIterations    = errors.New("max iterations exceeded")
	ErrContextCancelled = errors.New("context cancelled")
	ErrNoProvider       = errors.New("no provider configured")
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolTimeout      = errors.New("tool execution timed out")
	ErrToolPanic        = errors.New("tool panicked")
	ErrBackpressure     = errors.New("backpressure: system overloaded")
)

// ToolErrorType categorizes a tool failure. The executor's retry policy
// keys off the category, not the message.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// retryableTypes holds the categories worth retrying: transient transport
// and throttling failures. Everything else fails the same way twice.
var retryableTypes = map[ToolErrorType]bool{
	ToolErrorTimeout:   true,
	ToolErrorNetwork:   true,
	ToolErrorRateLimit: true,
}

// IsRetryable reports whether another attempt could plausibly succeed.
func (t ToolErrorType) IsRetryable() bool {
	return retryableTypes[t]
}

// ToolError is the structured failure of one tool call.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
	Retryable  bool
	Attempts   int
}

// Error renders "[tool:<type>] <name> <message> (attempts=N)".
func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the cause to errors.Is/As.
func (e *ToolError) Unwrap() error { return e.Cause }

// withClassification fills the category and retryability from cause.
func (e *ToolError) withClassification(cause error) *ToolError {
	if cause != nil {
		e.Message = cause.Error()
		e.Type = classifyToolError(cause)
		e.Retryable = e.Type.IsRetryable()
	}
	return e
}

// NewToolError creates a ToolError for toolName, classifying cause.
func NewToolError(toolName string, cause error) *ToolError {
	e := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorUnknown,
		Attempts: 1,
	}
	return e.withClassification(cause)
}

// WithType overrides the inferred category.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

// WithToolCallID attaches the originating tool call id.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage replaces the rendered message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// WithAttempts records how many attempts were made before giving up.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

// classificationPatterns maps message substrings to categories; earlier
// entries win. Crude, but providers and tools rarely expose typed errors.
var classificationPatterns = []struct {
	typ       ToolErrorType
	fragments []string
}{
	{ToolErrorTimeout, []string{"timeout", "deadline exceeded", "context deadline"}},
	{ToolErrorNetwork, []string{"connection", "network", "dns", "refused", "unreachable"}},
	{ToolErrorRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{ToolErrorPermission, []string{"permission", "forbidden", "unauthorized", "access denied"}},
	{ToolErrorInvalidInput, []string{"invalid", "validation", "required", "missing"}},
}

func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	switch {
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range classificationPatterns {
		for _, fragment := range entry.fragments {
			if strings.Contains(msg, fragment) {
				return entry.typ
			}
		}
	}
	return ToolErrorExecution
}

// IsToolError reports whether err is or wraps a ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable reports whether err's category is worth retrying.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}

// LoopError wraps a failure with the loop phase and iteration it hit.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

func (e *LoopError) Error() string {
	detail := e.Message
	if detail == "" && e.Cause != nil {
		detail = e.Cause.Error()
	}
	if detail == "" {
		return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
	}
	return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, detail)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *LoopError) Unwrap() error { return e.Cause }

// LoopPhase names a stage of the query loop, for error attribution.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseContinue     LoopPhase = "continue"
	PhaseComplete     LoopPhase = "complete"
)
