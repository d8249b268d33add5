// Package build implements the second pipeline phase: execute the approved
// epics wave by wave. Epics sharing an execution order have disjoint file
// footprints and run in parallel; each epic gets its own branch and a
// resumable external session.
package build

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/artifact"
	"github.com/mfinley/taskmill/internal/checkpoint"
	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/phase"
	"github.com/mfinley/taskmill/internal/phases/planning"
	"github.com/mfinley/taskmill/internal/prompt"
	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
	"github.com/mfinley/taskmill/internal/workspace"
)

// Name is the phase identifier.
const Name = "build"

// DataSummaries is the run-context key holding per-epic work summaries for
// the review phase.
const DataSummaries = "build_summaries"

// DefaultMaxParallel bounds concurrent epic workers within one wave.
const DefaultMaxParallel = 4

// Phase builds the planned epics.
type Phase struct {
	exec        agent.Executor
	store       *store.Store
	events      *eventlog.Log
	checkpoints *checkpoint.Store
	workspaces  workspace.Manager
	artifacts   *artifact.Store
	logger      *zap.Logger
	maxParallel int
}

// New creates the build phase. maxParallel <= 0 uses DefaultMaxParallel.
func New(exec agent.Executor, st *store.Store, events *eventlog.Log, cps *checkpoint.Store, ws workspace.Manager, artifacts *artifact.Store, maxParallel int, logger *zap.Logger) *Phase {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Phase{
		exec:        exec,
		store:       st,
		events:      events,
		checkpoints: cps,
		workspaces:  ws,
		artifacts:   artifacts,
		logger:      logger,
		maxParallel: maxParallel,
	}
}

func (p *Phase) Name() string { return Name }

func (p *Phase) ShouldSkip(pc *phase.Context) (bool, error) {
	return phase.DefaultShouldSkip(pc, Name), nil
}

// Restore reloads the per-epic summaries saved at completion so a skipped
// build still feeds the review phase.
func (p *Phase) Restore(pc *phase.Context) error {
	summaries := map[string]string{}
	if err := p.artifacts.GetAnalysis(pc.Task.ID, Name, &summaries); err != nil {
		return fmt.Errorf("restoring build summaries: %w", err)
	}
	pc.SetData(DataSummaries, summaries)
	return nil
}

// epicOutcome is one worker's report.
type epicOutcome struct {
	epic    task.Epic
	summary string
	metrics phase.Metrics
	err     error
}

func (p *Phase) Execute(ctx context.Context, pc *phase.Context) (*phase.Result, error) {
	taskID := pc.Task.ID
	epics := p.plannedEpics(pc)
	if len(epics) == 0 {
		return &phase.Result{Success: false, Error: "no epics to build; planning produced nothing"}, nil
	}

	directives := pc.GetDirectivesBlock(Name)

	if err := p.createStories(pc, epics); err != nil {
		return nil, err
	}

	var metrics phase.Metrics
	summaries := map[string]string{}
	var failures []string

	for _, wave := range waves(epics) {
		outcomes := p.runWave(ctx, pc, wave, directives)
		for _, out := range outcomes {
			metrics.Add(out.metrics)
			if out.err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", out.epic.Title, out.err))
				p.updateStory(taskID, out.epic.ID, "failed")
				continue
			}
			summaries[out.epic.ID] = out.summary
			p.updateStory(taskID, out.epic.ID, "completed")
		}
		// A failed wave halts the pipeline: later waves may depend on files
		// this wave was supposed to produce.
		if len(failures) > 0 {
			return &phase.Result{
				Success: false,
				Error:   fmt.Sprintf("%d epic(s) failed: %s", len(failures), strings.Join(failures, "; ")),
				Metrics: metrics,
			}, nil
		}
	}

	pc.SetData(DataSummaries, summaries)
	_ = p.artifacts.SaveAnalysis(taskID, Name, summaries)

	return &phase.Result{
		Success: true,
		Summary: fmt.Sprintf("built %d epics in %d wave(s)", len(epics), len(waves(epics))),
		Data:    map[string]interface{}{DataSummaries: summaries},
		Metrics: metrics,
	}, nil
}

// plannedEpics prefers the run context (same-process handoff from planning)
// and falls back to the persisted aggregate.
func (p *Phase) plannedEpics(pc *phase.Context) []task.Epic {
	if v, ok := pc.GetData(planning.DataEpics); ok {
		if epics, ok := v.([]task.Epic); ok {
			return epics
		}
	}
	return pc.Task.Orchestration.Epics
}

// createStories materializes one story per epic, skipping epics that already
// have one (recovery re-entry must not duplicate).
func (p *Phase) createStories(pc *phase.Context, epics []task.Epic) error {
	taskID := pc.Task.ID
	var created []task.Story

	err := p.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		existing := map[string]bool{}
		for _, s := range o.Stories {
			existing[s.EpicID] = true
		}
		for i, e := range epics {
			if existing[e.ID] {
				continue
			}
			s := task.Story{
				ID:         uuid.NewString(),
				EpicID:     e.ID,
				Title:      e.Title,
				AssignedTo: fmt.Sprintf("worker-%d", i+1),
				Status:     "pending",
			}
			o.Stories = append(o.Stories, s)
			o.Team = appendMissing(o.Team, s.AssignedTo)
			created = append(created, s)
		}
	})
	if err != nil {
		return fmt.Errorf("creating stories: %w", err)
	}
	if len(created) > 0 {
		p.events.SafeAppend(eventlog.Event{
			TaskID:  taskID,
			Type:    eventlog.TypeStoriesCreated,
			Payload: map[string]interface{}{"stories": created},
		})
	}
	return nil
}

// waves groups epics by execution order, ascending.
func waves(epics []task.Epic) [][]task.Epic {
	grouped := map[int][]task.Epic{}
	for _, e := range epics {
		grouped[e.ExecutionOrder] = append(grouped[e.ExecutionOrder], e)
	}
	orders := make([]int, 0, len(grouped))
	for o := range grouped {
		orders = append(orders, o)
	}
	sort.Ints(orders)

	out := make([][]task.Epic, 0, len(orders))
	for _, o := range orders {
		out = append(out, grouped[o])
	}
	return out
}

// runWave executes one wave's epics concurrently, bounded by maxParallel.
func (p *Phase) runWave(ctx context.Context, pc *phase.Context, wave []task.Epic, directives string) []epicOutcome {
	outcomes := make([]epicOutcome, len(wave))
	sem := make(chan struct{}, p.maxParallel)
	var wg sync.WaitGroup

	for i, e := range wave {
		wg.Add(1)
		go func(i int, e task.Epic) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = p.runEpic(ctx, pc, e, directives)
		}(i, e)
	}
	wg.Wait()
	return outcomes
}

// runEpic builds one epic: isolated checkout, dedicated branch, resumable
// session, pushed result.
func (p *Phase) runEpic(ctx context.Context, pc *phase.Context, e task.Epic, directives string) epicOutcome {
	out := epicOutcome{epic: e}
	taskID := pc.Task.ID

	repo, ok := pc.RepositoryByID(e.RepositoryID)
	if !ok {
		out.err = fmt.Errorf("unknown repository %q", e.RepositoryID)
		return out
	}

	wsPath, err := p.workspaces.Prepare(taskID, repo)
	if err != nil {
		out.err = fmt.Errorf("preparing workspace: %w", err)
		return out
	}

	branch := BranchName(taskID, e)
	if err := p.workspaces.CreateBranch(wsPath, branch); err != nil {
		out.err = fmt.Errorf("creating branch %s: %w", branch, err)
		return out
	}
	p.assignBranch(taskID, e.ID, branch)

	cpKey := checkpointKey(e.ID)
	var resume *agent.ResumeOptions
	if pc.RunMode == task.RunRecovery {
		if cp, err := p.checkpoints.Load(taskID, cpKey); err == nil {
			resume = checkpoint.BuildResumeOptions(cp)
		}
	}

	p.updateStory(taskID, e.ID, "in_progress")

	promptText, err := p.buildPrompt(pc, e, wsPath, branch, directives)
	if err != nil {
		out.err = err
		return out
	}
	_ = p.artifacts.SavePrompt(taskID, Name+"-"+e.ID, 1, promptText)

	res, err := p.exec.Execute(ctx, agent.Request{
		Role:          "builder",
		Prompt:        promptText,
		TaskID:        taskID,
		Label:         fmt.Sprintf("build %s", e.Title),
		WorkspacePath: wsPath,
		Resume:        resume,
	})
	if err != nil {
		_ = p.checkpoints.MarkFailed(taskID, cpKey)
		out.err = fmt.Errorf("builder invocation: %w", err)
		return out
	}
	out.metrics = phase.Metrics{
		CostUSD:      res.CostUSD,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
	}
	_ = p.artifacts.SaveRawOutput(taskID, Name+"-"+e.ID, 1, res.Output)

	// Checkpoint the finished session before the push: a crash here resumes
	// into a completed session instead of rebuilding.
	if res.ExternalSessionID != "" {
		_ = p.checkpoints.Save(taskID, cpKey, res.ExternalSessionID, checkpoint.SaveOpts{
			Turns:         res.Turns,
			LastMessageID: res.LastMessageID,
			WorkspacePath: wsPath,
		})
	}

	if err := p.workspaces.Push(wsPath, branch); err != nil {
		out.err = fmt.Errorf("pushing %s: %w", branch, err)
		return out
	}
	_ = p.checkpoints.MarkCompleted(taskID, cpKey)

	out.summary = res.Output
	p.logger.Info("epic built",
		zap.String("task_id", taskID),
		zap.String("epic", e.Title),
		zap.String("branch", branch),
		zap.Float64("cost_usd", res.CostUSD))
	return out
}

func (p *Phase) buildPrompt(pc *phase.Context, e task.Epic, wsPath, branch, directives string) (string, error) {
	tmpl, err := prompt.Load("build-epic.md")
	if err != nil {
		return "", err
	}
	return prompt.Render(tmpl, prompt.Vars{
		"epic_title":       e.Title,
		"epic_description": e.Description,
		"task_description": pc.Task.Description,
		"workspace_path":   wsPath,
		"branch":           branch,
		"directives":       directives,
		"files_to_modify":  strings.Join(e.FilesToModify, ", "),
		"files_to_create":  strings.Join(e.FilesToCreate, ", "),
		"files_to_read":    strings.Join(e.FilesToRead, ", "),
	})
}

// assignBranch persists the branch on the epic and announces it.
func (p *Phase) assignBranch(taskID, epicID, branch string) {
	_ = p.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		for i := range o.Epics {
			if o.Epics[i].ID == epicID {
				o.Epics[i].BranchName = branch
			}
		}
	})
	p.events.SafeAppend(eventlog.Event{
		TaskID: taskID,
		Type:   eventlog.TypeBranchAssigned,
		Payload: map[string]interface{}{
			"epic_id": epicID,
			"branch":  branch,
		},
	})
}

func (p *Phase) updateStory(taskID, epicID, status string) {
	var updated *task.Story
	_ = p.store.ModifyOrchestration(taskID, func(o *task.Orchestration) {
		for i := range o.Stories {
			if o.Stories[i].EpicID == epicID {
				o.Stories[i].Status = status
				updated = &o.Stories[i]
			}
		}
	})
	if updated != nil {
		p.events.SafeAppend(eventlog.Event{
			TaskID:  taskID,
			Type:    eventlog.TypeStoryUpdated,
			Payload: map[string]interface{}{"story": *updated},
		})
	}
}

func appendMissing(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// BranchName derives a stable, git-safe branch for an epic.
func BranchName(taskID string, e task.Epic) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	slug := workspace.SanitizeBranch(strings.ToLower(strings.ReplaceAll(e.Title, " ", "-")))
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return fmt.Sprintf("task/%s/%s", short, slug)
}

func checkpointKey(epicID string) string {
	return Name + ":" + epicID
}
