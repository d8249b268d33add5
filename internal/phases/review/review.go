// Package review implements the third pipeline phase: the built work is
// scored by the judge against the task description. Rejection halts the
// pipeline before anything merges.
package review

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/judge"
	"github.com/mfinley/taskmill/internal/phase"
	"github.com/mfinley/taskmill/internal/phases/build"
	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
)

// Name is the phase identifier.
const Name = "review"

// Phase reviews built work.
type Phase struct {
	judge  *judge.Judge
	store  *store.Store
	events *eventlog.Log
	logger *zap.Logger
}

// New creates the review phase.
func New(j *judge.Judge, st *store.Store, events *eventlog.Log, logger *zap.Logger) *Phase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Phase{judge: j, store: st, events: events, logger: logger}
}

func (p *Phase) Name() string { return Name }

func (p *Phase) ShouldSkip(pc *phase.Context) (bool, error) {
	return phase.DefaultShouldSkip(pc, Name), nil
}

func (p *Phase) Execute(ctx context.Context, pc *phase.Context) (*phase.Result, error) {
	taskID := pc.Task.ID
	summary := p.workSummary(pc)

	verdict, err := p.judge.Evaluate(ctx, judge.Submission{
		Type:            judge.TypeReview,
		TaskID:          taskID,
		TaskDescription: pc.Task.Description,
		Summary:         summary,
		WorkspacePath:   pc.WorkspaceRoot,
	})
	if err != nil {
		return nil, fmt.Errorf("judging built work: %w", err)
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
			"feedback": verdict.Feedback,
		},
	})
	p.recordScores(taskID, verdict)

	if !verdict.Approved {
		// Surface the feedback on the aggregate so the operator can queue
		// directives and continue.
		_ = p.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
			o.PendingApproval = Name
		})
		return &phase.Result{
			Success: false,
			Error:   fmt.Sprintf("review rejected (score %d): %s", verdict.Score, verdict.Feedback),
			Metrics: metrics,
		}, nil
	}

	return &phase.Result{
		Success: true,
		Summary: fmt.Sprintf("review approved with score %d", verdict.Score),
		Metrics: metrics,
	}, nil
}

// workSummary assembles the per-epic build summaries in a stable order,
// preferring the run context over the persisted story list.
func (p *Phase) workSummary(pc *phase.Context) string {
	titles := map[string]string{}
	for _, e := range pc.Task.Orchestration.Epics {
		titles[e.ID] = e.Title
	}

	if v, ok := pc.GetData(build.DataSummaries); ok {
		if summaries, ok := v.(map[string]string); ok && len(summaries) > 0 {
			ids := make([]string, 0, len(summaries))
			for id := range summaries {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			var b strings.Builder
			for _, id := range ids {
				fmt.Fprintf(&b, "## %s\n%s\n\n", titles[id], summaries[id])
			}
			return strings.TrimSpace(b.String())
		}
	}

	var lines []string
	for _, s := range pc.Task.Orchestration.Stories {
		if s.Status == "completed" {
			lines = append(lines, fmt.Sprintf("- %s: completed", s.Title))
		}
	}
	return strings.Join(lines, "\n")
}

// recordScores writes the verdict onto every completed story.
func (p *Phase) recordScores(taskID string, v *judge.Verdict) {
	_ = p.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		for i := range o.Stories {
			if o.Stories[i].Status != "completed" {
				continue
			}
			o.Stories[i].ReviewScore = v.Score
			o.Stories[i].ReviewFeedback = v.Feedback
		}
	})
}
