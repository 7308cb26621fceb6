package agent

import (
	"context"
	"sync"

	"github.com/nexus-agent/corectl/pkg/models"
)

// SteeringMessage is a user interjection delivered while a run is already
// executing tools: it lands in the conversation between iterations so the
// next model turn sees it.
type SteeringMessage struct {
	Role        string
	Content     string
	Attachments []models.Attachment

	// SkipRemainingTools asks the loop to jump straight to the next model
	// turn instead of finishing the current batch's follow-up work.
	SkipRemainingTools bool
}

// FollowUpMessage is queued input consumed when a run would otherwise
// complete: instead of stopping after the final assistant turn, the loop
// appends it and keeps going.
type FollowUpMessage struct {
	Role        string
	Content     string
	Attachments []models.Attachment
}

// SteeringQueue buffers steering and follow-up messages for one running
// turn. The REPL writes while the loop drains; both sides can touch it
// concurrently.
type SteeringQueue struct {
	mu        sync.Mutex
	steering  []*SteeringMessage
	followUps []*FollowUpMessage
}

// NewSteeringQueue returns an empty queue.
func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{}
}

// Steer enqueues a steering message for the next iteration boundary.
func (q *SteeringQueue) Steer(msg *SteeringMessage) {
	if msg == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = append(q.steering, msg)
}

// SteerText enqueues plain user text as a steering message.
func (q *SteeringQueue) SteerText(content string) {
	q.Steer(&SteeringMessage{Role: "user", Content: content})
}

// FollowUp enqueues a message to run after the current turn completes.
func (q *SteeringQueue) FollowUp(msg *FollowUpMessage) {
	if msg == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUps = append(q.followUps, msg)
}

// FollowUpText enqueues plain user text as a follow-up.
func (q *SteeringQueue) FollowUpText(content string) {
	q.FollowUp(&FollowUpMessage{Role: "user", Content: content})
}

// GetSteeringMessages drains and returns all queued steering messages.
func (q *SteeringQueue) GetSteeringMessages() []*SteeringMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.steering
	q.steering = nil
	return out
}

// GetFollowUpMessages drains and returns all queued follow-ups.
func (q *SteeringQueue) GetFollowUpMessages() []*FollowUpMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.followUps
	q.followUps = nil
	return out
}

// HasSteering reports whether steering input is waiting.
func (q *SteeringQueue) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// HasFollowUp reports whether follow-up input is waiting.
func (q *SteeringQueue) HasFollowUp() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.followUps) > 0
}

// Clear drops everything queued.
func (q *SteeringQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUps = nil
}

type steeringQueueKey struct{}

// WithSteeringQueue stores the turn's steering queue in ctx.
func WithSteeringQueue(ctx context.Context, queue *SteeringQueue) context.Context {
	if queue == nil {
		return ctx
	}
	return context.WithValue(ctx, steeringQueueKey{}, queue)
}

// SteeringQueueFromContext returns the turn's steering queue, or nil.
func SteeringQueueFromContext(ctx context.Context) *SteeringQueue {
	queue, _ := ctx.Value(steeringQueueKey{}).(*SteeringQueue)
	return queue
}

// APIKeyResolver resolves a provider's API key at request time, letting
// hosts rotate or scope credentials without rebuilding the provider.
type APIKeyResolver func(ctx context.Context, providerName string) (string, error)

type apiKeyResolverKey struct{}
type resolvedAPIKeyKey struct{}

// WithAPIKeyResolver stores a per-request key resolver in ctx.
func WithAPIKeyResolver(ctx context.Context, resolver APIKeyResolver) context.Context {
	if resolver == nil {
		return ctx
	}
	return context.WithValue(ctx, apiKeyResolverKey{}, resolver)
}

// APIKeyResolverFromContext returns the request's key resolver, or nil.
func APIKeyResolverFromContext(ctx context.Context) APIKeyResolver {
	resolver, _ := ctx.Value(apiKeyResolverKey{}).(APIKeyResolver)
	return resolver
}

// WithResolvedAPIKey stores an already-resolved key for the provider call.
func WithResolvedAPIKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, resolvedAPIKeyKey{}, key)
}

// ResolvedAPIKeyFromContext returns the request-scoped API key, or "".
func ResolvedAPIKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(resolvedAPIKeyKey{}).(string)
	return key
}

// ThinkingLevel selects how much extended-thinking budget a request gets.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// thinkingBudgets maps each level to its token budget.
var thinkingBudgets = map[ThinkingLevel]int{
	ThinkingOff:    0,
	ThinkingLow:    2048,
	ThinkingMedium: 8192,
	ThinkingHigh:   32768,
}

// GetThinkingBudget returns the token budget for level (0 when off or
// unknown).
func GetThinkingBudget(level ThinkingLevel) int {
	return thinkingBudgets[level]
}

type thinkingLevelKey struct{}

// WithThinkingLevel stores a request-scoped thinking level in ctx.
func WithThinkingLevel(ctx context.Context, level ThinkingLevel) context.Context {
	return context.WithValue(ctx, thinkingLevelKey{}, level)
}

// ThinkingLevelFromContext returns the request's thinking level
// (ThinkingOff when unset).
func ThinkingLevelFromContext(ctx context.Context) ThinkingLevel {
	level, ok := ctx.Value(thinkingLevelKey{}).(ThinkingLevel)
	if !ok {
		return ThinkingOff
	}
	return level
}
