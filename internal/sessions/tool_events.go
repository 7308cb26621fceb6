package sessions

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/corectl/pkg/models"
)

// ToolEvent is one audit-log row: a tool call the model emitted, and,
// once it resolved, the result it produced. Kept separately from message
// history so operators can query tool activity without replaying
// conversations.
type ToolEvent struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id,omitempty"`
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	IsError    bool      `json:"is_error"`
	Resolved   bool      `json:"resolved"`
	CreatedAt  time.Time `json:"created_at"`
}

// SQLToolEventStore persists tool events in the session database. It
// satisfies the query loop's ToolEventStore dependency.
type SQLToolEventStore struct {
	db *sql.DB
}

// ToolEvents returns a tool-event store sharing this session store's
// database, creating its table on first use.
func (s *SQLiteStore) ToolEvents() (*SQLToolEventStore, error) {
	stmt := `CREATE TABLE IF NOT EXISTS tool_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT,
		tool_call_id TEXT NOT NULL,
		tool_name TEXT,
		input TEXT,
		output TEXT,
		is_error INTEGER NOT NULL DEFAULT 0,
		resolved INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME
	)`
	if _, err := s.db.Exec(stmt); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tool_events_session ON tool_events(session_id, created_at)`); err != nil {
		return nil, err
	}
	return &SQLToolEventStore{db: s.db}, nil
}

// AddToolCall records a tool call the moment the model requests it.
func (s *SQLToolEventStore) AddToolCall(ctx context.Context, sessionID, messageID string, call *models.ToolCall) error {
	if call == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_events (id, session_id, message_id, tool_call_id, tool_name, input, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		uuid.NewString(), sessionID, messageID, call.ID, call.Name, string(call.Input), time.Now())
	return err
}

// AddToolResult marks the call's event resolved with its output. A result
// arriving for a call that was never recorded inserts a standalone row so
// the audit log stays complete.
func (s *SQLToolEventStore) AddToolResult(ctx context.Context, sessionID, messageID string, call *models.ToolCall, result *models.ToolResult) error {
	if result == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_events SET output = ?, is_error = ?, resolved = 1
		WHERE tool_call_id = ? AND session_id = ?`,
		result.Content, boolToInt(result.IsError), result.ToolCallID, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	name := ""
	input := ""
	if call != nil {
		name = call.Name
		input = string(call.Input)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_events (id, session_id, message_id, tool_call_id, tool_name, input, output, is_error, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		uuid.NewString(), sessionID, messageID, result.ToolCallID, name, input,
		result.Content, boolToInt(result.IsError), time.Now())
	return err
}

// ListToolEvents returns a session's tool events, oldest first.
func (s *SQLToolEventStore) ListToolEvents(ctx context.Context, sessionID string, limit int) ([]ToolEvent, error) {
	query := `SELECT id, session_id, message_id, tool_call_id, tool_name, input, output, is_error, resolved, created_at
		FROM tool_events WHERE session_id = ? ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolEvent
	for rows.Next() {
		var ev ToolEvent
		var messageID, name, input, output sql.NullString
		var isError, resolved int
		if err := rows.Scan(&ev.ID, &ev.SessionID, &messageID, &ev.ToolCallID, &name,
			&input, &output, &isError, &resolved, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.MessageID = messageID.String
		ev.ToolName = name.String
		ev.Input = input.String
		ev.Output = output.String
		ev.IsError = isError != 0
		ev.Resolved = resolved != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MemoryToolEventStore is the in-process ToolEventStore used by tests and
// by ephemeral subagent loops.
type MemoryToolEventStore struct {
	mu     sync.Mutex
	events []ToolEvent
}

// NewMemoryToolEventStore returns an empty in-memory store.
func NewMemoryToolEventStore() *MemoryToolEventStore {
	return &MemoryToolEventStore{}
}

// AddToolCall appends an unresolved event for the call.
func (m *MemoryToolEventStore) AddToolCall(ctx context.Context, sessionID, messageID string, call *models.ToolCall) error {
	if call == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ToolEvent{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		MessageID:  messageID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      string(call.Input),
		CreatedAt:  time.Now(),
	})
	return nil
}

// AddToolResult resolves the matching event, or appends a standalone
// resolved one when the call was never recorded.
func (m *MemoryToolEventStore) AddToolResult(ctx context.Context, sessionID, messageID string, call *models.ToolCall, result *models.ToolResult) error {
	if result == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ToolCallID == result.ToolCallID && m.events[i].SessionID == sessionID {
			m.events[i].Output = result.Content
			m.events[i].IsError = result.IsError
			m.events[i].Resolved = true
			return nil
		}
	}
	name := ""
	if call != nil {
		name = call.Name
	}
	m.events = append(m.events, ToolEvent{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		MessageID:  messageID,
		ToolCallID: result.ToolCallID,
		ToolName:   name,
		Output:     result.Content,
		IsError:    result.IsError,
		Resolved:   true,
		CreatedAt:  time.Now(),
	})
	return nil
}

// ListToolEvents returns a session's tool events, oldest first.
func (m *MemoryToolEventStore) ListToolEvents(ctx context.Context, sessionID string, limit int) ([]ToolEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ToolEvent
	for _, ev := range m.events {
		if ev.SessionID != sessionID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
