// Package fixer is the bounded, last-resort automated repair component. It is
// invoked only after a phase's own retries exhaust, keeps a durable counter
// per (task, phase), and refuses to run repair logic past the cap — across
// process restarts, not just within one.
package fixer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/db"
	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/extract"
)

// MaxAttempts caps repair attempts per (task, phase). The cap survives
// restarts; the call after the cap always returns Fixed=false.
const MaxAttempts = 2

// timeLayout is RFC 3339 with a fixed-width fraction so the updated_at TEXT
// column compares chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Error classifications selecting the repair strategy.
const (
	ErrJSONParsing = "json_parsing"
	ErrValidation  = "validation"
	ErrTimeout     = "timeout"
)

// Request describes a failed phase asking for repair.
type Request struct {
	TaskID       string
	Phase        string
	ErrorType    string
	ErrorMessage string
	RawOutput    string   // the raw agent output the phase could not use
	RequiredKeys []string // fields the phase needs in the repaired data
}

// Outcome is the repair result.
type Outcome struct {
	Fixed        bool
	AttemptsMade int
	Data         map[string]interface{}
	Raw          string
	Strategy     string
	Reason       string // set when not fixed
}

// Fixer repairs failed phase output.
type Fixer struct {
	db     *db.DB
	exec   agent.Executor
	events *eventlog.Log
	logger *zap.Logger
}

// New creates a Fixer. events and logger may be nil.
func New(d *db.DB, exec agent.Executor, events *eventlog.Log, logger *zap.Logger) *Fixer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fixer{db: d, exec: exec, events: events, logger: logger}
}

// Fix attempts a repair. The attempt is recorded durably before any repair
// logic runs, so a crash mid-repair still consumes an attempt.
func (f *Fixer) Fix(ctx context.Context, req Request) (*Outcome, error) {
	// Timeouts are owned by a separate retry mechanism; they never consume a
	// repair attempt.
	if req.ErrorType == ErrTimeout {
		return &Outcome{Fixed: false, Reason: "timeout recovery is out of scope for the fixer"}, nil
	}

	attempts, err := f.recordAttempt(req.TaskID, req.Phase, req.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if f.events != nil {
		f.events.SafeAppend(eventlog.Event{
			TaskID: req.TaskID,
			Type:   eventlog.TypeFixAttempted,
			Payload: map[string]interface{}{
				"phase":      req.Phase,
				"error_type": req.ErrorType,
				"attempt":    attempts,
			},
		})
	}
	if attempts > MaxAttempts {
		f.logger.Warn("fix attempt cap reached",
			zap.String("task_id", req.TaskID),
			zap.String("phase", req.Phase),
			zap.Int("attempts", attempts))
		return &Outcome{
			Fixed:        false,
			AttemptsMade: attempts,
			Reason:       fmt.Sprintf("attempt cap (%d) reached", MaxAttempts),
		}, nil
	}

	outcome := f.repair(ctx, req)
	outcome.AttemptsMade = attempts
	return outcome, nil
}

// repair dispatches on the error classification.
func (f *Fixer) repair(ctx context.Context, req Request) *Outcome {
	switch req.ErrorType {
	case ErrJSONParsing:
		return f.repairJSON(ctx, req)
	case ErrValidation:
		return f.repairValidation(ctx, req)
	default:
		return f.salvage(req)
	}
}

// repairJSON re-runs the extractor with relaxed required-field constraints,
// then falls back to an independent high-capability pass asked to re-emit
// corrected JSON from the raw text.
func (f *Fixer) repairJSON(ctx context.Context, req Request) *Outcome {
	if res, err := extract.JSON(req.RawOutput); err == nil {
		return &Outcome{Fixed: true, Data: res.Value, Raw: res.Raw, Strategy: "relaxed_extract"}
	}

	prompt := fmt.Sprintf(
		"The following output was supposed to contain a JSON object with the keys %s "+
			"but could not be parsed. Re-emit ONLY the corrected JSON object, nothing else.\n\n%s",
		strings.Join(req.RequiredKeys, ", "), req.RawOutput)
	res, err := f.exec.Execute(ctx, agent.Request{
		Role:   "fixer",
		Prompt: prompt,
		TaskID: req.TaskID,
		Label:  fmt.Sprintf("fix-%s-json", req.Phase),
	})
	if err != nil {
		return &Outcome{Fixed: false, Reason: fmt.Sprintf("repair pass failed: %v", err)}
	}
	extracted, err := extract.JSON(res.Output, req.RequiredKeys...)
	if err != nil {
		return &Outcome{Fixed: false, Reason: "repair pass output not extractable"}
	}
	return &Outcome{Fixed: true, Data: extracted.Value, Raw: extracted.Raw, Strategy: "agent_reemit"}
}

// repairValidation asks the high-capability pass to fill only the missing
// required fields while preserving existing data.
func (f *Fixer) repairValidation(ctx context.Context, req Request) *Outcome {
	prompt := fmt.Sprintf(
		"The JSON below is valid but fails validation: %s.\n"+
			"Fill in ONLY the missing required fields (%s), preserving all existing data, "+
			"and re-emit the complete JSON object.\n\n%s",
		req.ErrorMessage, strings.Join(req.RequiredKeys, ", "), req.RawOutput)
	res, err := f.exec.Execute(ctx, agent.Request{
		Role:   "fixer",
		Prompt: prompt,
		TaskID: req.TaskID,
		Label:  fmt.Sprintf("fix-%s-validation", req.Phase),
	})
	if err != nil {
		return &Outcome{Fixed: false, Reason: fmt.Sprintf("repair pass failed: %v", err)}
	}
	extracted, err := extract.JSON(res.Output, req.RequiredKeys...)
	if err != nil {
		return &Outcome{Fixed: false, Reason: "repair pass output not extractable"}
	}
	return &Outcome{Fixed: true, Data: extracted.Value, Raw: extracted.Raw, Strategy: "agent_fill"}
}

// salvage handles unrecognized errors: only partial recovery of whatever
// structured data can be extracted, no agent pass.
func (f *Fixer) salvage(req Request) *Outcome {
	res, err := extract.JSON(req.RawOutput)
	if err != nil {
		return &Outcome{Fixed: false, Reason: fmt.Sprintf("unrecognized error %q and no salvageable data", req.ErrorType)}
	}
	return &Outcome{Fixed: true, Data: res.Value, Raw: res.Raw, Strategy: "salvage"}
}

// recordAttempt upsert-increments the durable counter and returns the new
// count. This runs before repair so the cap holds even through crashes.
func (f *Fixer) recordAttempt(taskID, phase, lastError string) (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := f.db.Conn().Exec(
		`INSERT INTO fix_attempts (task_id, phase, attempt_count, last_error, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(task_id, phase) DO UPDATE SET
		   attempt_count = fix_attempts.attempt_count + 1,
		   last_error = excluded.last_error,
		   updated_at = excluded.updated_at`,
		taskID, phase, lastError, now,
	)
	if err != nil {
		return 0, fmt.Errorf("record fix attempt %s/%s: %w", taskID, phase, err)
	}
	var count int
	err = f.db.Conn().QueryRow(
		`SELECT attempt_count FROM fix_attempts WHERE task_id = ? AND phase = ?`,
		taskID, phase,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read fix attempt count: %w", err)
	}
	return count, nil
}

// Attempts returns the recorded attempt count for (taskID, phase).
func (f *Fixer) Attempts(taskID, phase string) (int, error) {
	var count int
	err := f.db.Conn().QueryRow(
		`SELECT attempt_count FROM fix_attempts WHERE task_id = ? AND phase = ?`,
		taskID, phase,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read fix attempts: %w", err)
	}
	return count, nil
}
