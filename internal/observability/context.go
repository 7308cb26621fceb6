// Package observability provides the ambient instrumentation layer:
// structured logging with secret redaction, Prometheus metrics for tool
// and model activity, OpenTelemetry tracing, and a small in-process event
// bus for model usage reporting.
package observability

import "context"

type sessionIDKey struct{}
type channelKey struct{}
type edgeIDKey struct{}
type toolCallIDKey struct{}

// AddSessionID stores the session id for downstream log/trace correlation.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// GetSessionID returns the session id stored in ctx, or "".
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey{}).(string)
	return v
}

// AddChannel stores the surface name (cli, api, subagent) in ctx.
func AddChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

// GetChannel returns the surface name stored in ctx, or "".
func GetChannel(ctx context.Context) string {
	v, _ := ctx.Value(channelKey{}).(string)
	return v
}

// AddEdgeID stores the remote connection id a request is executing against.
func AddEdgeID(ctx context.Context, edgeID string) context.Context {
	return context.WithValue(ctx, edgeIDKey{}, edgeID)
}

// GetEdgeID returns the remote connection id stored in ctx, or "".
func GetEdgeID(ctx context.Context) string {
	v, _ := ctx.Value(edgeIDKey{}).(string)
	return v
}

// AddToolCallID stores the tool call id currently executing.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, toolCallIDKey{}, toolCallID)
}

// GetToolCallID returns the tool call id stored in ctx, or "".
func GetToolCallID(ctx context.Context) string {
	v, _ := ctx.Value(toolCallIDKey{}).(string)
	return v
}
