// Package eventlog is the append-only record of phase-lifecycle facts.
//
// The mutable task aggregate can be overwritten by concurrent notification
// writers while a multi-minute agent call is in flight, so consumers that
// need authoritative planning state replay the log instead of trusting the
// aggregate blindly. Events are never mutated; later events of the same type
// supersede fields during replay but history is retained.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/db"
	"github.com/mfinley/taskmill/internal/task"
)

// Well-known event types.
const (
	TypeTaskCreated       = "TaskCreated"
	TypePhaseStarted      = "PhaseStarted"
	TypePhaseCompleted    = "PhaseCompleted"
	TypePhaseFailed       = "PhaseFailed"
	TypePhaseSkipped      = "PhaseSkipped"
	TypePlanningCompleted = "PlanningCompleted"
	TypeStoriesCreated    = "StoriesCreated"
	TypeStoryUpdated      = "StoryUpdated"
	TypeBranchAssigned    = "BranchAssigned"
	TypeJudgeVerdict      = "JudgeVerdict"
	TypeFixAttempted      = "FixAttempted"
	TypeTaskCompleted     = "TaskCompleted"
	TypeTaskFailed        = "TaskFailed"
)

// Metadata carries optional cost/duration facts on an event.
type Metadata struct {
	CostUSD    float64 `json:"cost,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
}

// Event is one immutable fact about a task.
type Event struct {
	ID        int64                  `json:"id,omitempty"`
	TaskID    string                 `json:"task_id"`
	Type      string                 `json:"event_type"`
	AgentName string                 `json:"agent_name,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  *Metadata              `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DerivedState is the fold of a task's events: the authoritative view of
// planning artifacts.
type DerivedState struct {
	Epics             []task.Epic
	Stories           []task.Story
	BranchAssignments map[string]string // epic id -> branch name
}

// Log appends to and replays the events table. Appends from concurrent
// writers are safe; SQLite serializes them.
type Log struct {
	db     *db.DB
	logger *zap.Logger
}

// New creates a Log. A nil logger disables SafeAppend warnings.
func New(d *db.DB, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: d, logger: logger}
}

// Append records an immutable fact. The event timestamp is stamped here if
// unset.
func (l *Log) Append(e Event) error {
	if e.TaskID == "" || e.Type == "" {
		return fmt.Errorf("event requires task_id and event_type")
	}
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var metadata interface{}
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = l.db.Conn().Exec(
		`INSERT INTO events (task_id, event_type, agent_name, payload, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Type, nullable(e.AgentName), string(payload), metadata,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

// SafeAppend records a telemetry-only fact, swallowing failures so an append
// never aborts the phase that emitted it.
func (l *Log) SafeAppend(e Event) {
	if err := l.Append(e); err != nil {
		l.logger.Warn("event append failed",
			zap.String("task_id", e.TaskID),
			zap.String("event_type", e.Type),
			zap.Error(err))
	}
}

// List returns all events for a task in append order.
func (l *Log) List(taskID string) ([]Event, error) {
	rows, err := l.db.Conn().Query(
		`SELECT id, task_id, event_type, agent_name, payload, metadata, timestamp
		 FROM events WHERE task_id = ? ORDER BY id`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var agent, metadata sql.NullString
		var payload, ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Type, &agent, &payload, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.AgentName = agent.String
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			e.Payload = map[string]interface{}{}
		}
		if metadata.Valid && metadata.String != "" {
			var m Metadata
			if err := json.Unmarshal([]byte(metadata.String), &m); err == nil {
				e.Metadata = &m
			}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetCurrentState replays all events for a task in order, folding them into
// the derived epics/stories/branch view. Later events of the same type
// supersede earlier fields.
func (l *Log) GetCurrentState(taskID string) (*DerivedState, error) {
	events, err := l.List(taskID)
	if err != nil {
		return nil, err
	}

	state := &DerivedState{BranchAssignments: make(map[string]string)}
	for _, e := range events {
		switch e.Type {
		case TypePlanningCompleted:
			var epics []task.Epic
			if decodePayload(e.Payload, "epics", &epics) && len(epics) > 0 {
				state.Epics = epics
			}
		case TypeStoriesCreated:
			var stories []task.Story
			if decodePayload(e.Payload, "stories", &stories) && len(stories) > 0 {
				state.Stories = stories
			}
		case TypeStoryUpdated:
			var story task.Story
			if decodePayload(e.Payload, "story", &story) && story.ID != "" {
				replaced := false
				for i := range state.Stories {
					if state.Stories[i].ID == story.ID {
						state.Stories[i] = story
						replaced = true
						break
					}
				}
				if !replaced {
					state.Stories = append(state.Stories, story)
				}
			}
		case TypeBranchAssigned:
			epicID, _ := e.Payload["epic_id"].(string)
			branch, _ := e.Payload["branch"].(string)
			if epicID != "" && branch != "" {
				state.BranchAssignments[epicID] = branch
			}
		}
	}
	return state, nil
}

// decodePayload re-marshals a payload field into a typed destination.
func decodePayload(payload map[string]interface{}, key string, dest interface{}) bool {
	raw, ok := payload[key]
	if !ok {
		return false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, dest) == nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
