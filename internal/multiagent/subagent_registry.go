package multiagent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SubagentRunStatus is the lifecycle state of one dispatched subagent run.
type SubagentRunStatus string

const (
	SubagentStatusPending   SubagentRunStatus = "pending"
	SubagentStatusRunning   SubagentRunStatus = "running"
	SubagentStatusCompleted SubagentRunStatus = "completed"
	SubagentStatusError     SubagentRunStatus = "error"
	SubagentStatusTimeout   SubagentRunStatus = "timeout"
)

// SubagentOutcome records how a run ended.
type SubagentOutcome struct {
	Status  SubagentRunStatus `json:"status"`
	Error   string            `json:"error,omitempty"`
	Result  string            `json:"result,omitempty"`
	EndedAt time.Time         `json:"ended_at,omitempty"`
}

// SubagentRunRecord tracks one subagent dispatch from registration to
// outcome, including the child session it ran in.
type SubagentRunRecord struct {
	RunID           string           `json:"run_id"`
	ChildSessionKey string           `json:"child_session_key,omitempty"`
	Task            string           `json:"task"`
	Label           string           `json:"label,omitempty"`
	Cleanup         string           `json:"cleanup,omitempty"` // "delete" or "keep"
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       time.Time        `json:"started_at,omitempty"`
	TimeoutMs       int64            `json:"timeout_ms,omitempty"`
	Outcome         *SubagentOutcome `json:"outcome,omitempty"`
}

// IsComplete reports whether the run reached a terminal status.
func (r *SubagentRunRecord) IsComplete() bool {
	if r.Outcome == nil {
		return false
	}
	switch r.Outcome.Status {
	case SubagentStatusCompleted, SubagentStatusError, SubagentStatusTimeout:
		return true
	}
	return false
}

// Duration is the run's wall-clock time once finished, zero otherwise.
func (r *SubagentRunRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.Outcome == nil || r.Outcome.EndedAt.IsZero() {
		return 0
	}
	return r.Outcome.EndedAt.Sub(r.StartedAt)
}

// RegisterSubagentParams is the input to Register.
type RegisterSubagentParams struct {
	RunID           string
	ChildSessionKey string
	Task            string
	Label           string
	Cleanup         string
	TimeoutMs       int64
}

// SubagentRegistryConfig configures run tracking.
type SubagentRegistryConfig struct {
	// PersistPath, when set, mirrors the run table to disk so outcomes
	// survive process restarts. Empty disables persistence.
	PersistPath string

	// DefaultTimeoutMs bounds runs that don't set their own timeout.
	DefaultTimeoutMs int64

	// SweepInterval is how often completed runs past their timeout are
	// checked and stale running ones marked timed out. Zero disables the
	// background sweeper.
	SweepInterval time.Duration

	// OnRunStart and OnRunComplete, when set, observe lifecycle edges.
	OnRunStart    func(ctx context.Context, record *SubagentRunRecord)
	OnRunComplete func(ctx context.Context, record *SubagentRunRecord)
}

// SubagentRegistry is the process-wide table of subagent runs: the task
// tool registers and completes runs, the task_output tool reads them.
type SubagentRegistry struct {
	mu      sync.RWMutex
	config  *SubagentRegistryConfig
	runs    map[string]*SubagentRunRecord
	stopCh  chan struct{}
	stopped bool
}

// NewSubagentRegistry builds a registry, restoring persisted runs and
// starting the sweeper when configured.
func NewSubagentRegistry(config *SubagentRegistryConfig) *SubagentRegistry {
	if config == nil {
		config = &SubagentRegistryConfig{DefaultTimeoutMs: 10 * 60 * 1000}
	}
	r := &SubagentRegistry{
		config: config,
		runs:   make(map[string]*SubagentRunRecord),
		stopCh: make(chan struct{}),
	}
	r.restore()
	if config.SweepInterval > 0 {
		go r.sweepLoop(config.SweepInterval)
	}
	return r
}

// Register creates a pending run record.
func (r *SubagentRegistry) Register(params RegisterSubagentParams) *SubagentRunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeoutMs := params.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = r.config.DefaultTimeoutMs
	}
	record := &SubagentRunRecord{
		RunID:           params.RunID,
		ChildSessionKey: params.ChildSessionKey,
		Task:            params.Task,
		Label:           params.Label,
		Cleanup:         params.Cleanup,
		CreatedAt:       time.Now(),
		TimeoutMs:       timeoutMs,
	}
	r.runs[params.RunID] = record
	r.persistLocked()
	return record
}

// Start marks a registered run as executing.
func (r *SubagentRegistry) Start(runID string) error {
	r.mu.Lock()
	record := r.runs[runID]
	if record == nil {
		r.mu.Unlock()
		return errors.New("run not found")
	}
	record.StartedAt = time.Now()
	r.persistLocked()
	onStart := r.config.OnRunStart
	r.mu.Unlock()

	if onStart != nil {
		onStart(context.Background(), record)
	}
	return nil
}

// Complete records a run's terminal outcome.
func (r *SubagentRegistry) Complete(runID string, outcome *SubagentOutcome) error {
	r.mu.Lock()
	record := r.runs[runID]
	if record == nil {
		r.mu.Unlock()
		return errors.New("run not found")
	}
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = time.Now()
	}
	record.Outcome = outcome
	r.persistLocked()
	onComplete := r.config.OnRunComplete
	r.mu.Unlock()

	if onComplete != nil {
		onComplete(context.Background(), record)
	}
	return nil
}

// Get returns the record for runID, or nil.
func (r *SubagentRegistry) Get(runID string) *SubagentRunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs[runID]
}

// ListActive returns every run that hasn't reached a terminal status.
func (r *SubagentRegistry) ListActive() []*SubagentRunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SubagentRunRecord
	for _, record := range r.runs {
		if !record.IsComplete() {
			out = append(out, record)
		}
	}
	return out
}

// CheckTimeouts marks running records past their timeout as timed out.
func (r *SubagentRegistry) CheckTimeouts() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, record := range r.runs {
		if record.IsComplete() || record.StartedAt.IsZero() || record.TimeoutMs <= 0 {
			continue
		}
		if now.Sub(record.StartedAt) > time.Duration(record.TimeoutMs)*time.Millisecond {
			record.Outcome = &SubagentOutcome{
				Status:  SubagentStatusTimeout,
				Error:   "subagent run exceeded its timeout",
				EndedAt: now,
			}
			changed = true
		}
	}
	if changed {
		r.persistLocked()
	}
}

// Stop halts the sweeper. Safe to call more than once.
func (r *SubagentRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
}

func (r *SubagentRegistry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.CheckTimeouts()
		}
	}
}

// persistLocked mirrors the run table to PersistPath. Callers hold r.mu.
func (r *SubagentRegistry) persistLocked() {
	if r.config.PersistPath == "" {
		return
	}
	data, err := json.MarshalIndent(r.runs, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.config.PersistPath), 0o755); err != nil {
		return
	}
	tmp := r.config.PersistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.config.PersistPath)
}

// restore loads previously persisted runs, keeping in-memory state
// authoritative on conflicts.
func (r *SubagentRegistry) restore() {
	if r.config.PersistPath == "" {
		return
	}
	data, err := os.ReadFile(r.config.PersistPath)
	if err != nil {
		return
	}
	var runs map[string]*SubagentRunRecord
	if err := json.Unmarshal(data, &runs); err != nil {
		return
	}
	for runID, record := range runs {
		if r.runs[runID] == nil {
			r.runs[runID] = record
		}
	}
}
