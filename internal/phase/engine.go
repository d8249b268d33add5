package phase

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
)

// Engine drives the registered phases for one task in order. Every phase
// transition is persisted to the task aggregate and appended to the event
// log before the next phase starts, so a crash between phases loses nothing.
type Engine struct {
	store    *store.Store
	events   *eventlog.Log
	phases   []Phase
	logger   *zap.Logger
	progress io.Writer
}

// NewEngine creates an engine over an ordered phase list.
func NewEngine(st *store.Store, events *eventlog.Log, phases []Phase, logger *zap.Logger) *Engine {
	return &Engine{store: st, events: events, phases: phases, logger: logger, progress: io.Discard}
}

// SetProgress directs human-readable phase progress to w.
func (e *Engine) SetProgress(w io.Writer) {
	if w != nil {
		e.progress = w
	}
}

// Run executes the pipeline for one task. The returned error is the halting
// failure, if any; pause and cancel exits return nil.
func (e *Engine) Run(ctx context.Context, taskID string, mode task.RunMode, workspaceRoot string, repos []task.Repository) error {
	t, err := e.store.FindByID(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	if t.Status.Terminal() && mode != task.RunContinuation {
		return fmt.Errorf("task %s is %s; use a continuation to run again", taskID, t.Status)
	}

	if mode == task.RunContinuation {
		if err := e.beginContinuation(taskID); err != nil {
			return err
		}
	}

	if err := e.store.UpdateStatus(taskID, task.StatusInProgress); err != nil {
		return fmt.Errorf("marking task in progress: %w", err)
	}

	pc := NewContext(t, mode, workspaceRoot, repos)

	for _, p := range e.phases {
		// Re-read the aggregate at each safe point so external pause and
		// cancel requests take effect between phases.
		fresh, err := e.store.FindByID(taskID)
		if err != nil {
			return fmt.Errorf("refreshing task before %s: %w", p.Name(), err)
		}
		pc.Task = fresh

		if fresh.Orchestration.CancelRequested {
			return e.cancel(taskID, p.Name())
		}
		if fresh.Orchestration.Paused {
			e.logger.Info("task paused, stopping before phase",
				zap.String("task_id", taskID), zap.String("phase", p.Name()))
			_ = e.store.AppendActivity(taskID, fmt.Sprintf("Paused before %s phase", p.Name()))
			return nil
		}

		skip, err := p.ShouldSkip(pc)
		if err != nil {
			return fmt.Errorf("skip check for %s: %w", p.Name(), err)
		}
		if skip {
			if err := e.skipPhase(pc, p); err != nil {
				return err
			}
			continue
		}

		if err := e.runPhase(ctx, pc, p); err != nil {
			return err
		}
	}

	if err := e.store.UpdateStatus(taskID, task.StatusCompleted); err != nil {
		return fmt.Errorf("marking task completed: %w", err)
	}
	e.events.SafeAppend(eventlog.Event{
		TaskID: taskID,
		Type:   eventlog.TypeTaskCompleted,
	})
	_ = e.store.AppendActivity(taskID, "Task completed")
	return nil
}

// beginContinuation flags the run and demotes previously completed steps to
// superseded so the skip policy cannot fire on stale results.
func (e *Engine) beginContinuation(taskID string) error {
	err := e.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		o.Continuation = true
		o.PendingApproval = ""
		for _, step := range o.Phases {
			if step.Status == task.StepCompleted {
				step.Status = task.StepSuperseded
			}
		}
	})
	if err != nil {
		return fmt.Errorf("preparing continuation: %w", err)
	}
	return nil
}

func (e *Engine) skipPhase(pc *Context, p Phase) error {
	taskID := pc.Task.ID
	e.logger.Info("skipping completed phase",
		zap.String("task_id", taskID), zap.String("phase", p.Name()))

	if r, ok := p.(Restorer); ok {
		if err := r.Restore(pc); err != nil {
			return fmt.Errorf("restoring %s data: %w", p.Name(), err)
		}
	}
	e.events.SafeAppend(eventlog.Event{
		TaskID: taskID,
		Type:   eventlog.TypePhaseSkipped,
		Payload: map[string]interface{}{
			"phase":  p.Name(),
			"reason": "already completed in prior run",
		},
	})
	return nil
}

func (e *Engine) runPhase(ctx context.Context, pc *Context, p Phase) (err error) {
	taskID := pc.Task.ID
	name := p.Name()

	if err := e.store.UpdatePhaseStatus(taskID, name, task.StepInProgress, ""); err != nil {
		return fmt.Errorf("marking %s in progress: %w", name, err)
	}
	// The in-aggregate snapshot names the phase a restart should land in.
	_ = e.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		o.Checkpoint = &task.RecoverySnapshot{
			Phase:         name,
			WorkspacePath: pc.WorkspaceRoot,
			SavedAt:       time.Now().UTC(),
		}
	})
	e.events.SafeAppend(eventlog.Event{
		TaskID:  taskID,
		Type:    eventlog.TypePhaseStarted,
		Payload: map[string]interface{}{"phase": name},
	})
	e.logger.Info("phase started", zap.String("task_id", taskID), zap.String("phase", name))
	fmt.Fprintf(e.progress, "▶ %s\n", name)

	start := time.Now()
	var res *Result

	// A panicking phase must still leave a failed step record behind, never
	// a dangling in_progress one.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s phase panicked: %v", name, r)
			}
		}()
		res, err = p.Execute(ctx, pc)
	}()

	elapsed := time.Since(start)
	if err != nil {
		return e.failPhase(pc, name, err.Error(), nil, elapsed)
	}
	if res == nil {
		return e.failPhase(pc, name, "phase returned no result", nil, elapsed)
	}
	res.Metrics.DurationMs = elapsed.Milliseconds()
	if !res.Success {
		return e.failPhase(pc, name, res.Error, res, elapsed)
	}

	consumed := pc.ConsumedDirectives()
	uErr := e.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		step := o.Step(name)
		step.Status = task.StepCompleted
		step.CompletedAt = timePtr(time.Now().UTC())
		step.Error = ""
		step.Output = res.Summary
		o.Checkpoint = nil
		step.CostUSD += res.Metrics.CostUSD
		o.CostUSD += res.Metrics.CostUSD
		o.InputTokens += res.Metrics.InputTokens
		o.OutputTokens += res.Metrics.OutputTokens
		markConsumed(o, consumed)
	})
	if uErr != nil {
		return fmt.Errorf("recording %s completion: %w", name, uErr)
	}

	e.events.SafeAppend(eventlog.Event{
		TaskID: taskID,
		Type:   eventlog.TypePhaseCompleted,
		Payload: map[string]interface{}{
			"phase":   name,
			"summary": res.Summary,
		},
		Metadata: &eventlog.Metadata{
			CostUSD:    res.Metrics.CostUSD,
			DurationMs: res.Metrics.DurationMs,
		},
	})
	for _, w := range res.Warnings {
		_ = e.store.AppendLog(taskID, "warn", w)
	}
	e.logger.Info("phase completed",
		zap.String("task_id", taskID),
		zap.String("phase", name),
		zap.Duration("elapsed", elapsed),
		zap.Float64("cost_usd", res.Metrics.CostUSD))
	fmt.Fprintf(e.progress, "✓ %s: %s\n", name, res.Summary)
	return nil
}

// failPhase persists the failed step record and halts the pipeline. Cost
// accrued before the failure stays committed.
func (e *Engine) failPhase(pc *Context, name, msg string, res *Result, elapsed time.Duration) error {
	taskID := pc.Task.ID
	consumed := pc.ConsumedDirectives()

	uErr := e.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		step := o.Step(name)
		step.Status = task.StepFailed
		step.CompletedAt = timePtr(time.Now().UTC())
		step.Error = msg
		if res != nil {
			step.CostUSD += res.Metrics.CostUSD
			o.CostUSD += res.Metrics.CostUSD
			o.InputTokens += res.Metrics.InputTokens
			o.OutputTokens += res.Metrics.OutputTokens
		}
		markConsumed(o, consumed)
	})
	if uErr != nil {
		e.logger.Error("failed to persist phase failure",
			zap.String("task_id", taskID), zap.String("phase", name), zap.Error(uErr))
	}
	if err := e.store.UpdateStatus(taskID, task.StatusFailed); err != nil {
		e.logger.Error("failed to mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}

	payload := map[string]interface{}{
		"phase": name,
		"error": msg,
	}
	var meta *eventlog.Metadata
	if res != nil {
		meta = &eventlog.Metadata{CostUSD: res.Metrics.CostUSD, DurationMs: elapsed.Milliseconds()}
	}
	e.events.SafeAppend(eventlog.Event{
		TaskID:   taskID,
		Type:     eventlog.TypePhaseFailed,
		Payload:  payload,
		Metadata: meta,
	})
	e.events.SafeAppend(eventlog.Event{
		TaskID:  taskID,
		Type:    eventlog.TypeTaskFailed,
		Payload: map[string]interface{}{"phase": name, "error": msg},
	})
	e.logger.Error("phase failed",
		zap.String("task_id", taskID), zap.String("phase", name), zap.String("error", msg))
	fmt.Fprintf(e.progress, "✗ %s: %s\n", name, msg)
	return fmt.Errorf("%s phase failed: %s", name, msg)
}

func (e *Engine) cancel(taskID, beforePhase string) error {
	e.logger.Info("cancel requested, stopping",
		zap.String("task_id", taskID), zap.String("phase", beforePhase))
	if err := e.store.UpdateStatus(taskID, task.StatusCancelled); err != nil {
		return fmt.Errorf("marking task cancelled: %w", err)
	}
	_ = e.store.AppendActivity(taskID, fmt.Sprintf("Cancelled before %s phase", beforePhase))
	return nil
}

func markConsumed(o *task.Orchestration, ids []string) {
	for _, id := range ids {
		for i := range o.Directives {
			if o.Directives[i].ID == id {
				o.Directives[i].Consumed = true
			}
		}
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
