// Package planning implements the first pipeline phase: decompose the task
// into repository-bound epics with explicit file footprints, resolve write
// overlaps into dependencies, and pass the plan through the judge gate.
package planning

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/artifact"
	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/extract"
	"github.com/mfinley/taskmill/internal/fixer"
	"github.com/mfinley/taskmill/internal/judge"
	"github.com/mfinley/taskmill/internal/phase"
	"github.com/mfinley/taskmill/internal/prompt"
	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
)

// Name is the phase identifier used for step records and checkpoints.
const Name = "planning"

// DataEpics is the run-context key under which the approved epics are shared
// with later phases.
const DataEpics = "epics"

// DefaultMaxAttempts bounds the plan/judge loop.
const DefaultMaxAttempts = 3

// Phase plans a task.
type Phase struct {
	exec        agent.Executor
	judge       *judge.Judge
	fixer       *fixer.Fixer
	store       *store.Store
	events      *eventlog.Log
	artifacts   *artifact.Store
	logger      *zap.Logger
	maxAttempts int
}

// New creates the planning phase. maxAttempts <= 0 uses DefaultMaxAttempts.
func New(exec agent.Executor, j *judge.Judge, f *fixer.Fixer, st *store.Store, events *eventlog.Log, artifacts *artifact.Store, maxAttempts int, logger *zap.Logger) *Phase {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Phase{
		exec:        exec,
		judge:       j,
		fixer:       f,
		store:       st,
		events:      events,
		artifacts:   artifacts,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

func (p *Phase) Name() string { return Name }

func (p *Phase) ShouldSkip(pc *phase.Context) (bool, error) {
	return phase.DefaultShouldSkip(pc, Name), nil
}

// Restore reloads the approved plan into the run context when the phase is
// skipped on recovery. The aggregate is the primary source; the event log is
// the fallback when the aggregate predates the epics column.
func (p *Phase) Restore(pc *phase.Context) error {
	if len(pc.Task.Orchestration.Epics) > 0 {
		pc.SetData(DataEpics, pc.Task.Orchestration.Epics)
		return nil
	}
	state, err := p.events.GetCurrentState(pc.Task.ID)
	if err != nil {
		return fmt.Errorf("replaying plan from event log: %w", err)
	}
	if len(state.Epics) == 0 {
		return fmt.Errorf("planning marked completed but no epics found for task %s", pc.Task.ID)
	}
	pc.SetData(DataEpics, state.Epics)
	return nil
}

// plan is the shape extracted from planner output.
type plan struct {
	Analysis string     `json:"analysis"`
	Epics    []planEpic `json:"epics"`
}

type planEpic struct {
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Repository           string   `json:"repository"`
	AffectedRepositories []string `json:"affected_repositories"`
	FilesToModify        []string `json:"files_to_modify"`
	FilesToCreate        []string `json:"files_to_create"`
	FilesToRead          []string `json:"files_to_read"`
}

// Execute runs the plan/judge loop: up to maxAttempts planner invocations,
// each judged; rejection feedback is injected verbatim into the next prompt.
func (p *Phase) Execute(ctx context.Context, pc *phase.Context) (*phase.Result, error) {
	taskID := pc.Task.ID
	var metrics phase.Metrics

	discovery := p.discover(ctx, pc, &metrics)
	directives := pc.GetDirectivesBlock(Name)
	feedback := ""

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		promptText, err := p.buildPrompt(pc, discovery, directives, feedback)
		if err != nil {
			return nil, fmt.Errorf("building planning prompt: %w", err)
		}
		_ = p.artifacts.SavePrompt(taskID, Name, attempt, promptText)

		res, err := p.exec.Execute(ctx, agent.Request{
			Role:          "planner",
			Prompt:        promptText,
			TaskID:        taskID,
			Label:         fmt.Sprintf("planning attempt %d", attempt),
			WorkspacePath: pc.WorkspaceRoot,
		})
		if err != nil {
			// Invocation failures (including timeouts) are not repairable
			// output; they never reach the fixer. A later run retries.
			return &phase.Result{
				Success: false,
				Error:   fmt.Sprintf("planner invocation failed: %v", err),
				Metrics: metrics,
			}, nil
		}
		metrics.Add(phase.Metrics{
			CostUSD:      res.CostUSD,
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
		})
		// Raw output is saved before any parsing so a later repair can
		// still reach it.
		_ = p.artifacts.SaveRawOutput(taskID, Name, attempt, res.Output)

		pl, failure := p.parsePlan(ctx, taskID, res.Output, &metrics)
		if failure != nil {
			failure.Metrics = metrics
			return failure, nil
		}

		epics, warnings := p.materialize(pc, pl)
		ResolveOverlaps(epics)

		verdict, err := p.judge.Evaluate(ctx, judge.Submission{
			Type:            judge.TypePlanning,
			TaskID:          taskID,
			TaskDescription: pc.Task.Description,
			Epics:           epics,
		})
		if err != nil {
			return nil, fmt.Errorf("judging plan: %w", err)
		}
		metrics.Add(phase.Metrics{
			CostUSD:      verdict.CostUSD,
			InputTokens:  verdict.Usage.InputTokens,
			OutputTokens: verdict.Usage.OutputTokens,
		})
		p.events.SafeAppend(eventlog.Event{
			TaskID: taskID,
			Type:   eventlog.TypeJudgeVerdict,
			Payload: map[string]interface{}{
				"phase":    Name,
				"attempt":  attempt,
				"approved": verdict.Approved,
				"score":    verdict.Score,
				"tier":     verdict.Tier,
				"feedback": verdict.Feedback,
			},
		})

		if verdict.Approved {
			if err := p.commit(pc, epics, pl.Analysis); err != nil {
				return nil, err
			}
			return &phase.Result{
				Success:  true,
				Summary:  fmt.Sprintf("%d epics planned (judge score %d, attempt %d)", len(epics), verdict.Score, attempt),
				Data:     map[string]interface{}{DataEpics: epics},
				Metrics:  metrics,
				Warnings: warnings,
			}, nil
		}

		feedback = rejectionFeedback(verdict)
		p.logger.Info("plan rejected",
			zap.String("task_id", taskID),
			zap.Int("attempt", attempt),
			zap.Int("score", verdict.Score),
			zap.Int("tier", verdict.Tier))
	}

	// Out of attempts. Leave the task awaiting human input: a directive plus
	// a continuation run gets a fresh set of attempts.
	_ = p.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		o.PendingApproval = Name
	})
	return &phase.Result{
		Success: false,
		Error:   fmt.Sprintf("plan rejected %d times; last feedback: %s", p.maxAttempts, firstLine(feedback)),
		Metrics: metrics,
	}, nil
}

// parsePlan extracts the plan JSON, routing structural failures through the
// global fixer before giving up.
func (p *Phase) parsePlan(ctx context.Context, taskID, output string, metrics *phase.Metrics) (*plan, *phase.Result) {
	ext, err := extract.JSON(output, "epics")
	if err == nil {
		var pl plan
		decodeErr := ext.Decode(&pl)
		if decodeErr == nil {
			return &pl, nil
		}
		err = decodeErr
	}

	outcome, fixErr := p.fixer.Fix(ctx, fixer.Request{
		TaskID:       taskID,
		Phase:        Name,
		ErrorType:    fixer.ErrJSONParsing,
		ErrorMessage: err.Error(),
		RawOutput:    output,
		RequiredKeys: []string{"epics"},
	})
	if fixErr == nil && outcome.Fixed {
		repaired, reErr := extract.JSON(outcome.Raw, "epics")
		if reErr == nil {
			var pl plan
			if decodeErr := repaired.Decode(&pl); decodeErr == nil {
				p.logger.Info("plan recovered by fixer",
					zap.String("task_id", taskID),
					zap.String("strategy", outcome.Strategy))
				return &pl, nil
			}
		}
	}

	return nil, &phase.Result{
		Success: false,
		Error:   fmt.Sprintf("planner output had no usable plan JSON: %v", err),
	}
}

// materialize turns extracted epics into domain epics: ids assigned,
// repository names resolved (with inference for missing or unknown names),
// empty titles dropped with a warning.
func (p *Phase) materialize(pc *phase.Context, pl *plan) ([]task.Epic, []string) {
	var epics []task.Epic
	var warnings []string

	for _, pe := range pl.Epics {
		if strings.TrimSpace(pe.Title) == "" {
			warnings = append(warnings, "dropped epic with empty title")
			continue
		}
		repo, inferred := resolveRepository(pe, pc.Repositories)
		if inferred {
			warnings = append(warnings, fmt.Sprintf("epic %q: repository %q not recognized, inferred %q", pe.Title, pe.Repository, repo.ID))
		}
		epics = append(epics, task.Epic{
			ID:            uuid.NewString(),
			Title:         pe.Title,
			Description:   pe.Description,
			RepositoryID:  repo.ID,
			FilesToModify: pe.FilesToModify,
			FilesToCreate: pe.FilesToCreate,
			FilesToRead:   pe.FilesToRead,
		})
	}
	return epics, warnings
}

// commit persists the approved plan to the aggregate, shares it with later
// phases, and appends the planning event. A later PlanningCompleted event
// supersedes any earlier one on replay.
func (p *Phase) commit(pc *phase.Context, epics []task.Epic, analysis string) error {
	err := p.store.ModifyOrchestration(pc.Task.ID, func(o *task.Orchestration) {
		o.Epics = epics
		o.PendingApproval = ""
	})
	if err != nil {
		return fmt.Errorf("persisting plan: %w", err)
	}
	pc.SetData(DataEpics, epics)

	if appendErr := p.events.Append(eventlog.Event{
		TaskID: pc.Task.ID,
		Type:   eventlog.TypePlanningCompleted,
		Payload: map[string]interface{}{
			"epics":    epics,
			"analysis": analysis,
		},
	}); appendErr != nil {
		return fmt.Errorf("recording plan: %w", appendErr)
	}
	return nil
}

func (p *Phase) buildPrompt(pc *phase.Context, discovery, directives, feedback string) (string, error) {
	tmpl, err := prompt.Load("plan.md")
	if err != nil {
		return "", err
	}
	return prompt.Render(tmpl, prompt.Vars{
		"task_title":         pc.Task.Title,
		"task_description":   pc.Task.Description,
		"repositories":       repositoriesBlock(pc.Repositories),
		"discovery":          discovery,
		"directives":         directives,
		"rejection_feedback": feedback,
	})
}

// discoveryAnalysis is the cached codebase survey. Discovery runs at most
// once per task; reruns and continuations reuse the cache.
type discoveryAnalysis struct {
	Summary string `json:"summary"`
}

func (p *Phase) discover(ctx context.Context, pc *phase.Context, metrics *phase.Metrics) string {
	taskID := pc.Task.ID
	var cached discoveryAnalysis
	if err := p.artifacts.GetAnalysis(taskID, "discovery", &cached); err == nil && cached.Summary != "" {
		return cached.Summary
	}

	var b strings.Builder
	b.WriteString("Survey the repositories below and summarize the architecture, key entry points, and conventions relevant to this task. Be concise.\n\n")
	b.WriteString("## Task\n")
	b.WriteString(pc.Task.Description)
	b.WriteString("\n\n## Repositories\n")
	b.WriteString(repositoriesBlock(pc.Repositories))

	res, err := p.exec.Execute(ctx, agent.Request{
		Role:           "planner",
		Prompt:         b.String(),
		TaskID:         taskID,
		Label:          "discovery",
		WorkspacePath:  pc.WorkspaceRoot,
		PermissionMode: "read_only",
	})
	if err != nil {
		// Discovery is best effort: a plan without codebase context is
		// worse, not impossible.
		p.logger.Warn("discovery failed", zap.String("task_id", taskID), zap.Error(err))
		return ""
	}
	metrics.Add(phase.Metrics{
		CostUSD:      res.CostUSD,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
	})
	_ = p.artifacts.SaveAnalysis(taskID, "discovery", discoveryAnalysis{Summary: res.Output})
	return res.Output
}

func repositoriesBlock(repos []task.Repository) string {
	var lines []string
	for _, r := range repos {
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", r.Name, r.Category, r.URL))
	}
	return strings.Join(lines, "\n")
}

func rejectionFeedback(v *judge.Verdict) string {
	parts := []string{v.Feedback}
	for _, issue := range v.Issues {
		parts = append(parts, "- "+issue)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
