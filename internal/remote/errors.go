package remote

import (
	"errors"
	"fmt"
)

// ErrorType categorizes remote-execution errors for retry logic, mirroring
// the agent package's ToolError taxonomy so bootstrap and daemon-protocol
// failures are reported the same way a tool failure would be.
type ErrorType string

const (
	// ErrorAuth indicates SSH authentication or daemon bearer-token
	// verification failed.
	ErrorAuth ErrorType = "permission"

	// ErrorInstall indicates the remote daemon binary could not be probed
	// for or uploaded to the remote host.
	ErrorInstall ErrorType = "not_found"

	// ErrorSpawn indicates the daemon process failed to start or its
	// startup marker could not be parsed.
	ErrorSpawn ErrorType = "execution"

	// ErrorNetwork indicates an SSH or HTTP transport failure.
	ErrorNetwork ErrorType = "network"

	// ErrorProtocol indicates the daemon returned a non-2xx response or a
	// malformed body.
	ErrorProtocol ErrorType = "execution"

	// ErrorNotReady indicates an operation was attempted against a
	// connection entry that is not in the ready state.
	ErrorNotReady ErrorType = "invalid_input"

	// ErrorTimeout indicates an operation exceeded its deadline.
	ErrorTimeout ErrorType = "timeout"

	// ErrorUnknown is the fallback category.
	ErrorUnknown ErrorType = "unknown"
)

// IsRetryable reports whether errors of this type are generally worth
// retrying (network and timeout only; auth/install/spawn failures need
// operator intervention, not a blind retry).
func (t ErrorType) IsRetryable() bool {
	switch t {
	case ErrorNetwork, ErrorTimeout:
		return true
	default:
		return false
	}
}

// Error is a structured, categorized error for bootstrap, daemon-protocol,
// and connection-pool failures.
type Error struct {
	Type       ErrorType
	ConnID     string
	Op         string
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[remote:%s]", e.Type)}
	if e.ConnID != "" {
		parts = append(parts, e.ConnID)
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ": " + p
	}
	return out
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a categorized Error wrapping cause for operation op
// against connection id connID (connID may be empty before an entry
// exists, e.g. during the first connect attempt).
func NewError(op, connID string, errType ErrorType, cause error) *Error {
	return &Error{Type: errType, ConnID: connID, Op: op, Cause: cause}
}

// WithMessage attaches a human-readable message, used when there is no
// underlying cause (e.g. a malformed startup marker).
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// AsRemoteError unwraps err looking for an *Error, mirroring the agent
// package's GetToolError helper.
func AsRemoteError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Sentinel errors for conditions that don't carry extra context.
var (
	// ErrConnectionNotFound is returned by any pool operation addressing
	// an unknown connectionId, including after a prior disconnect.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrNotReady is returned when execute/readFile/writeFile is called
	// against an entry whose status is not "ready".
	ErrNotReady = errors.New("connection not ready")
)
