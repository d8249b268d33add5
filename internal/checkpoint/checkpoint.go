// Package checkpoint persists durable session handles so a long external
// invocation can resume after a process restart instead of restarting and
// re-paying for completed work. At most one active checkpoint exists per
// (task, phase); terminal checkpoints are never resumed.
package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/db"
)

// Status is the lifecycle of a checkpoint.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// DefaultFreshness bounds how stale an active checkpoint may be and still be
// offered for recovery. A restarted orchestrator should not resume sessions
// that are almost certainly dead.
const DefaultFreshness = time.Hour

// timeLayout is RFC 3339 with a fixed-width fraction. last_checkpoint_at is
// compared as TEXT in range predicates; RFC3339Nano drops trailing zeros and
// misorders timestamps within the same second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Checkpoint is one resumable external session.
type Checkpoint struct {
	ID                int64
	TaskID            string
	Phase             string
	Status            Status
	ExternalSessionID string
	LastMessageID     string
	TurnsCompleted    int
	WorkspacePath     string
	CreatedAt         time.Time
	LastCheckpointAt  time.Time
}

// Store persists checkpoints keyed by (task, phase).
type Store struct {
	db        *db.DB
	freshness time.Duration
}

// New creates a Store. freshness <= 0 uses DefaultFreshness.
func New(d *db.DB, freshness time.Duration) *Store {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Store{db: d, freshness: freshness}
}

// SaveOpts carries the incremental fields of a checkpoint update.
type SaveOpts struct {
	Turns         int
	LastMessageID string
	WorkspacePath string
}

// Save upserts the checkpoint for (taskID, phase), marking it active and
// bumping the heartbeat. Saving over a terminal checkpoint reactivates it,
// which is what a fresh invocation of the same phase wants.
func (s *Store) Save(taskID, phase, externalSessionID string, opts SaveOpts) error {
	now := timestamp()
	_, err := s.db.Conn().Exec(
		`INSERT INTO checkpoints (task_id, phase, status, external_session_id, last_message_id, turns_completed, workspace_path, created_at, last_checkpoint_at)
		 VALUES (?, ?, 'active', ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, phase) DO UPDATE SET
		   status = 'active',
		   external_session_id = excluded.external_session_id,
		   last_message_id = excluded.last_message_id,
		   turns_completed = excluded.turns_completed,
		   workspace_path = CASE WHEN excluded.workspace_path != '' THEN excluded.workspace_path ELSE checkpoints.workspace_path END,
		   last_checkpoint_at = excluded.last_checkpoint_at`,
		taskID, phase, externalSessionID, opts.LastMessageID, opts.Turns,
		opts.WorkspacePath, now, now,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", taskID, phase, err)
	}
	return nil
}

// Load returns the checkpoint for (taskID, phase), or nil if none exists.
func (s *Store) Load(taskID, phase string) (*Checkpoint, error) {
	row := s.db.Conn().QueryRow(
		`SELECT id, task_id, phase, status, external_session_id, last_message_id, turns_completed, workspace_path, created_at, last_checkpoint_at
		 FROM checkpoints WHERE task_id = ? AND phase = ?`, taskID, phase,
	)
	cp, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", taskID, phase, err)
	}
	return cp, nil
}

// BuildResumeOptions converts a checkpoint into agent resume options. Terminal
// or empty checkpoints yield nil: there is nothing to resume.
func BuildResumeOptions(cp *Checkpoint) *agent.ResumeOptions {
	if cp == nil || cp.Status != StatusActive || cp.ExternalSessionID == "" {
		return nil
	}
	return &agent.ResumeOptions{
		ExternalSessionID: cp.ExternalSessionID,
		LastMessageID:     cp.LastMessageID,
		TurnsCompleted:    cp.TurnsCompleted,
	}
}

// MarkCompleted transitions the checkpoint to completed.
func (s *Store) MarkCompleted(taskID, phase string) error {
	return s.setStatus(taskID, phase, StatusCompleted)
}

// MarkFailed transitions the checkpoint to failed.
func (s *Store) MarkFailed(taskID, phase string) error {
	return s.setStatus(taskID, phase, StatusFailed)
}

// MarkAbandoned transitions the checkpoint to abandoned.
func (s *Store) MarkAbandoned(taskID, phase string) error {
	return s.setStatus(taskID, phase, StatusAbandoned)
}

func (s *Store) setStatus(taskID, phase string, status Status) error {
	_, err := s.db.Conn().Exec(
		`UPDATE checkpoints SET status = ?, last_checkpoint_at = ? WHERE task_id = ? AND phase = ?`,
		string(status), timestamp(), taskID, phase,
	)
	if err != nil {
		return fmt.Errorf("mark checkpoint %s/%s %s: %w", taskID, phase, status, err)
	}
	return nil
}

// FindActiveForRecovery returns active checkpoints whose heartbeat falls
// within the freshness window. Stale actives are excluded even though their
// status never transitioned.
func (s *Store) FindActiveForRecovery() ([]Checkpoint, error) {
	cutoff := time.Now().UTC().Add(-s.freshness).Format(timeLayout)
	rows, err := s.db.Conn().Query(
		`SELECT id, task_id, phase, status, external_session_id, last_message_id, turns_completed, workspace_path, created_at, last_checkpoint_at
		 FROM checkpoints WHERE status = 'active' AND last_checkpoint_at >= ? ORDER BY id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query recoverable checkpoints: %w", err)
	}
	defer rows.Close()

	var result []Checkpoint
	for rows.Next() {
		cp, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		result = append(result, *cp)
	}
	return result, rows.Err()
}

// Cleanup deletes terminal checkpoints older than the given age and returns
// how many were removed. Active checkpoints are never cleaned up.
func (s *Store) Cleanup(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := s.db.Conn().Exec(
		`DELETE FROM checkpoints WHERE status != 'active' AND last_checkpoint_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scan(row scannable) (*Checkpoint, error) {
	var cp Checkpoint
	var status, createdAt, lastAt string
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Phase, &status, &cp.ExternalSessionID,
		&cp.LastMessageID, &cp.TurnsCompleted, &cp.WorkspacePath, &createdAt, &lastAt)
	if err != nil {
		return nil, err
	}
	cp.Status = Status(status)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		cp.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, lastAt); err == nil {
		cp.LastCheckpointAt = ts
	}
	return &cp, nil
}

func timestamp() string {
	return time.Now().UTC().Format(timeLayout)
}
