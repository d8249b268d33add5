// Package integrate implements the final pipeline phase: merge each epic's
// branch into its repository's default branch in dependency order. Merge
// conflicts halt the pipeline and are surfaced verbatim; the overlap
// resolution done at planning time makes them the exception, not the rule.
package integrate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/judge"
	"github.com/mfinley/taskmill/internal/phase"
	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
	"github.com/mfinley/taskmill/internal/workspace"
)

// Name is the phase identifier.
const Name = "integrate"

// Phase merges built branches.
type Phase struct {
	workspaces workspace.Manager
	judge      *judge.Judge
	store      *store.Store
	events     *eventlog.Log
	logger     *zap.Logger
}

// New creates the integrate phase.
func New(ws workspace.Manager, j *judge.Judge, st *store.Store, events *eventlog.Log, logger *zap.Logger) *Phase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Phase{workspaces: ws, judge: j, store: st, events: events, logger: logger}
}

func (p *Phase) Name() string { return Name }

func (p *Phase) ShouldSkip(pc *phase.Context) (bool, error) {
	return phase.DefaultShouldSkip(pc, Name), nil
}

func (p *Phase) Execute(ctx context.Context, pc *phase.Context) (*phase.Result, error) {
	taskID := pc.Task.ID
	epics := append([]task.Epic(nil), pc.Task.Orchestration.Epics...)
	if len(epics) == 0 {
		return &phase.Result{Success: false, Error: "nothing to integrate; no epics on task"}, nil
	}

	// The aggregate is a convenience view; branch assignments are facts in
	// the event log and a missing BranchName is resolved from there before
	// the epic is written off as never built.
	state, err := p.events.GetCurrentState(taskID)
	if err != nil {
		return nil, fmt.Errorf("replaying branch assignments: %w", err)
	}
	for i := range epics {
		if epics[i].BranchName == "" {
			epics[i].BranchName = state.BranchAssignments[epics[i].ID]
		}
	}

	// Dependency order: an epic merges strictly after everything it depends
	// on. Execution order already encodes that.
	sort.SliceStable(epics, func(i, j int) bool {
		return epics[i].ExecutionOrder < epics[j].ExecutionOrder
	})

	var report []string
	var warnings []string

	for _, e := range epics {
		if e.BranchName == "" {
			warnings = append(warnings, fmt.Sprintf("epic %q has no branch, skipping merge", e.Title))
			continue
		}
		repo, ok := pc.RepositoryByID(e.RepositoryID)
		if !ok {
			return &phase.Result{
				Success: false,
				Error:   fmt.Sprintf("epic %q references unknown repository %q", e.Title, e.RepositoryID),
			}, nil
		}

		path, err := p.workspaces.Prepare(taskID, repo)
		if err != nil {
			return nil, fmt.Errorf("preparing workspace for %s: %w", repo.ID, err)
		}

		mr, err := p.workspaces.Merge(path, repo.DefaultBranch, e.BranchName)
		if err != nil {
			return nil, fmt.Errorf("merging %s: %w", e.BranchName, err)
		}
		if !mr.Success {
			_ = p.store.AppendLog(taskID, "error",
				fmt.Sprintf("merge conflict on %s: %s", e.BranchName, strings.Join(mr.Conflicts, ", ")))
			return &phase.Result{
				Success: false,
				Error: fmt.Sprintf("merge conflict integrating %s: %s",
					e.BranchName, strings.Join(mr.Conflicts, ", ")),
				Warnings: warnings,
			}, nil
		}

		if err := p.workspaces.Push(path, repo.DefaultBranch); err != nil {
			return nil, fmt.Errorf("pushing %s after merge: %w", repo.DefaultBranch, err)
		}
		report = append(report, fmt.Sprintf("merged %s into %s/%s", e.BranchName, repo.ID, repo.DefaultBranch))
		p.logger.Info("branch merged",
			zap.String("task_id", taskID),
			zap.String("branch", e.BranchName),
			zap.String("repository", repo.ID))
	}

	if len(report) == 0 {
		return &phase.Result{
			Success:  false,
			Error:    "no branches were merged",
			Warnings: warnings,
		}, nil
	}

	summary := strings.Join(report, "\n")
	verdict, err := p.judge.Evaluate(ctx, judge.Submission{
		Type:            judge.TypeIntegration,
		TaskID:          taskID,
		TaskDescription: pc.Task.Description,
		Summary:         summary,
	})
	if err != nil {
		return nil, fmt.Errorf("judging integration: %w", err)
	}
	metrics := phase.Metrics{
		CostUSD:      verdict.CostUSD,
		InputTokens:  verdict.Usage.InputTokens,
		OutputTokens: verdict.Usage.OutputTokens,
	}
	p.events.SafeAppend(eventlog.Event{
		TaskID: taskID,
		Type:   eventlog.TypeJudgeVerdict,
		Payload: map[string]interface{}{
			"phase":    Name,
			"approved": verdict.Approved,
			"score":    verdict.Score,
			"tier":     verdict.Tier,
		},
	})
	if !verdict.Approved {
		return &phase.Result{
			Success:  false,
			Error:    fmt.Sprintf("integration rejected (score %d): %s", verdict.Score, verdict.Feedback),
			Metrics:  metrics,
			Warnings: warnings,
		}, nil
	}

	return &phase.Result{
		Success:  true,
		Summary:  fmt.Sprintf("merged %d branch(es)", len(report)),
		Metrics:  metrics,
		Warnings: warnings,
	}, nil
}
