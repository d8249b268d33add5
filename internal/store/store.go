// Package store implements the task aggregate store: the durable home of the
// Task entity and its embedded Orchestration record.
//
// ModifyOrchestration and the log appenders are read-modify-write sequences,
// not storage-level transactions. A process-level mutex serializes them so
// concurrent phase workers never lose each other's writes; cross-process
// writers remain out of scope.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfinley/taskmill/internal/db"
	"github.com/mfinley/taskmill/internal/task"
)

const (
	// maxLogs bounds the task log feed; older entries are dropped.
	maxLogs = 200
	// maxActivity bounds the activity feed.
	maxActivity = 50
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = fmt.Errorf("task not found")

// Store persists Task aggregates in SQLite.
type Store struct {
	db *db.DB
	mu sync.Mutex // serializes read-modify-write sequences
}

// New creates a Store over an open database.
func New(d *db.DB) *Store {
	return &Store{db: d}
}

// Filters narrows FindAll results. Zero values match everything.
type Filters struct {
	Status       task.TaskStatus
	RepositoryID string
}

// Create inserts a new task. Missing id, status and timestamps are filled in.
func (s *Store) Create(t *task.Task) (*task.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Orchestration.EnsureDefaults()

	repos, orch, logs, activity, err := marshalColumns(t)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Conn().Exec(
		`INSERT INTO tasks (id, title, description, status, priority, repository_ids, orchestration, logs, activity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Priority,
		repos, orch, logs, activity,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// FindByID loads one task. Missing optional sub-fields are defaulted.
func (s *Store) FindByID(id string) (*task.Task, error) {
	row := s.db.Conn().QueryRow(
		`SELECT id, title, description, status, priority, repository_ids, orchestration, logs, activity, created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", id, err)
	}
	return t, nil
}

// FindAll returns tasks matching the filters, oldest first.
func (s *Store) FindAll(f Filters) ([]*task.Task, error) {
	query := `SELECT id, title, description, status, priority, repository_ids, orchestration, logs, activity, created_at, updated_at
	          FROM tasks`
	var args []interface{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if f.RepositoryID != "" && !contains(t.RepositoryIDs, f.RepositoryID) {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Update replaces the full aggregate.
func (s *Store) Update(t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()
	t.Orchestration.EnsureDefaults()

	repos, orch, logs, activity, err := marshalColumns(t)
	if err != nil {
		return err
	}

	res, err := s.db.Conn().Exec(
		`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?,
		 repository_ids = ?, orchestration = ?, logs = ?, activity = ?, updated_at = ?
		 WHERE id = ?`,
		t.Title, t.Description, string(t.Status), t.Priority,
		repos, orch, logs, activity, t.UpdatedAt.Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return checkAffected(res, t.ID)
}

// UpdateStatus sets just the task status.
func (s *Store) UpdateStatus(id string, status task.TaskStatus) error {
	res, err := s.db.Conn().Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id,
	)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// UpdateOrchestration replaces the whole embedded orchestration record.
func (s *Store) UpdateOrchestration(id string, o task.Orchestration) error {
	o.EnsureDefaults()
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal orchestration: %w", err)
	}
	res, err := s.db.Conn().Exec(
		`UPDATE tasks SET orchestration = ?, updated_at = ? WHERE id = ?`,
		string(data), now(), id,
	)
	if err != nil {
		return fmt.Errorf("update orchestration for %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// ModifyOrchestration performs a read-modify-write of the embedded record,
// serialized against other in-process writers. Parallel build workers update
// disjoint parts of the same record; without the lock the last writer wins
// and earlier updates vanish.
func (s *Store) ModifyOrchestration(id string, fn func(*task.Orchestration)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.FindByID(id)
	if err != nil {
		return err
	}
	fn(&t.Orchestration)
	return s.UpdateOrchestration(id, t.Orchestration)
}

// UpdatePhaseStatus sets one phase step's status and error message, stamping
// started/completed timestamps as the status demands.
func (s *Store) UpdatePhaseStatus(id, phase string, status task.StepStatus, errMsg string) error {
	return s.ModifyOrchestration(id, func(o *task.Orchestration) {
		step := o.Step(phase)
		step.Status = status
		step.Error = errMsg
		t := time.Now().UTC()
		switch status {
		case task.StepInProgress:
			step.StartedAt = &t
			step.CompletedAt = nil
		case task.StepCompleted, task.StepFailed, task.StepSkipped:
			step.CompletedAt = &t
		}
	})
}

// SetPaused flags or unflags the task as paused.
func (s *Store) SetPaused(id string, paused bool) error {
	return s.ModifyOrchestration(id, func(o *task.Orchestration) {
		o.Paused = paused
	})
}

// SetCancelRequested flags the task for cancellation at the next safe point.
func (s *Store) SetCancelRequested(id string, cancel bool) error {
	return s.ModifyOrchestration(id, func(o *task.Orchestration) {
		o.CancelRequested = cancel
	})
}

// AddDirective queues a user directive for a target phase.
func (s *Store) AddDirective(id, targetPhase, text string) error {
	return s.ModifyOrchestration(id, func(o *task.Orchestration) {
		o.Directives = append(o.Directives, task.Directive{
			ID:          uuid.NewString(),
			TargetPhase: targetPhase,
			Text:        text,
			CreatedAt:   time.Now().UTC(),
		})
	})
}

// AppendLog appends to the task log, keeping the last maxLogs entries.
func (s *Store) AppendLog(id, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.FindByID(id)
	if err != nil {
		return err
	}
	t.Logs = appendBounded(t.Logs, task.LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
	}, maxLogs)
	return s.Update(t)
}

// AppendActivity appends to the activity feed, keeping the last maxActivity
// entries.
func (s *Store) AppendActivity(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.FindByID(id)
	if err != nil {
		return err
	}
	t.Activity = appendBounded(t.Activity, task.LogEntry{
		Time:    time.Now().UTC(),
		Message: message,
	}, maxActivity)
	return s.Update(t)
}

// --- helpers ---

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func appendBounded(entries []task.LogEntry, e task.LogEntry, max int) []task.LogEntry {
	entries = append(entries, e)
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	return entries
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func marshalColumns(t *task.Task) (repos, orch, logs, activity string, err error) {
	b, err := json.Marshal(t.RepositoryIDs)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal repository_ids: %w", err)
	}
	repos = string(b)
	b, err = json.Marshal(t.Orchestration)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal orchestration: %w", err)
	}
	orch = string(b)
	b, err = json.Marshal(t.Logs)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal logs: %w", err)
	}
	logs = string(b)
	b, err = json.Marshal(t.Activity)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal activity: %w", err)
	}
	activity = string(b)
	return repos, orch, logs, activity, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*task.Task, error) {
	var t task.Task
	var status, repos, orch, logs, activity, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Priority,
		&repos, &orch, &logs, &activity, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = task.TaskStatus(status)

	// Tolerate malformed or empty JSON columns: default, never fail the read.
	if err := json.Unmarshal([]byte(repos), &t.RepositoryIDs); err != nil {
		t.RepositoryIDs = nil
	}
	if err := json.Unmarshal([]byte(orch), &t.Orchestration); err != nil {
		t.Orchestration = task.Orchestration{}
	}
	if err := json.Unmarshal([]byte(logs), &t.Logs); err != nil {
		t.Logs = nil
	}
	if err := json.Unmarshal([]byte(activity), &t.Activity); err != nil {
		t.Activity = nil
	}
	t.Orchestration.EnsureDefaults()

	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
