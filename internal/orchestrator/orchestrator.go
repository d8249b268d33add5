// Package orchestrator assembles the stores, phases, and engine into a
// runnable pipeline and owns run-mode detection.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/artifact"
	"github.com/mfinley/taskmill/internal/checkpoint"
	"github.com/mfinley/taskmill/internal/config"
	"github.com/mfinley/taskmill/internal/db"
	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/fixer"
	"github.com/mfinley/taskmill/internal/judge"
	"github.com/mfinley/taskmill/internal/phase"
	"github.com/mfinley/taskmill/internal/phases/build"
	"github.com/mfinley/taskmill/internal/phases/integrate"
	"github.com/mfinley/taskmill/internal/phases/planning"
	"github.com/mfinley/taskmill/internal/phases/review"
	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
	"github.com/mfinley/taskmill/internal/workspace"
)

// Orchestrator owns the assembled pipeline dependencies for one process.
type Orchestrator struct {
	cfg         *config.Config
	db          *db.DB
	store       *store.Store
	events      *eventlog.Log
	checkpoints *checkpoint.Store
	artifacts   *artifact.Store
	workspaces  workspace.Manager
	exec        agent.Executor
	logger      *zap.Logger
	progress    io.Writer
}

// SetProgress directs human-readable pipeline progress to w.
func (o *Orchestrator) SetProgress(w io.Writer) { o.progress = w }

// Option overrides a default collaborator.
type Option func(*Orchestrator)

// WithWorkspaces substitutes the git workspace manager.
func WithWorkspaces(ws workspace.Manager) Option {
	return func(o *Orchestrator) { o.workspaces = ws }
}

// New opens the database, runs migrations, and wires the collaborators.
// exec may be nil, in which case the configured agent command is used.
func New(cfg *config.Config, exec agent.Executor, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dbPath = filepath.Join(home, ".taskmill", "taskmill.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	d, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, err
	}

	var artifacts *artifact.Store
	if cfg.Workspace.ArtifactsDir != "" {
		artifacts = artifact.NewStore(cfg.Workspace.ArtifactsDir)
	} else {
		artifacts, err = artifact.DefaultStore()
		if err != nil {
			d.Close()
			return nil, err
		}
	}

	if exec == nil {
		exec = agent.NewCLI(cfg.Agent.Command)
	}

	wsRoot := cfg.Workspace.Root
	if wsRoot == "" {
		wsRoot = filepath.Join(filepath.Dir(dbPath), "workspaces")
	}

	o := &Orchestrator{
		cfg:         cfg,
		db:          d,
		store:       store.New(d),
		events:      eventlog.New(d, logger),
		checkpoints: checkpoint.New(d, cfg.Orchestrator.CheckpointFreshnessDuration()),
		artifacts:   artifacts,
		workspaces:  workspace.NewGitManager(&workspace.ExecGit{}, wsRoot),
		exec:        exec,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Old terminal checkpoints are garbage, not history; history lives in
	// the event log.
	if n, err := o.checkpoints.Cleanup(cfg.Orchestrator.CheckpointRetentionDuration()); err == nil && n > 0 {
		logger.Info("cleaned up stale checkpoints", zap.Int64("removed", n))
	}

	return o, nil
}

// Close releases the database.
func (o *Orchestrator) Close() error { return o.db.Close() }

// Store exposes the task store for command surfaces.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Events exposes the event log for command surfaces.
func (o *Orchestrator) Events() *eventlog.Log { return o.events }

// Checkpoints exposes the checkpoint store for command surfaces.
func (o *Orchestrator) Checkpoints() *checkpoint.Store { return o.checkpoints }

// DB exposes the underlying database for maintenance commands.
func (o *Orchestrator) DB() *db.DB { return o.db }

// RunTask executes the full pipeline for one task in the given mode.
func (o *Orchestrator) RunTask(ctx context.Context, taskID string, mode task.RunMode) error {
	t, err := o.store.FindByID(taskID)
	if err != nil {
		return err
	}
	repos, err := o.taskRepositories(t)
	if err != nil {
		return err
	}

	j := judge.New(o.exec, o.cfg.Orchestrator.JudgeThreshold, o.logger)
	f := fixer.New(o.db, o.exec, o.events, o.logger)

	phases := []phase.Phase{
		planning.New(o.exec, j, f, o.store, o.events, o.artifacts,
			o.cfg.Orchestrator.PlanningMaxAttempts, o.logger),
		build.New(o.exec, o.store, o.events, o.checkpoints, o.workspaces, o.artifacts,
			o.cfg.Orchestrator.MaxParallelEpics, o.logger),
		review.New(j, o.store, o.events, o.logger),
		integrate.New(o.workspaces, j, o.store, o.events, o.logger),
	}

	engine := phase.NewEngine(o.store, o.events, phases, o.logger)
	engine.SetProgress(o.progress)
	wsRoot := o.cfg.Workspace.Root
	return engine.Run(ctx, taskID, mode, wsRoot, repos)
}

// DetectRunMode decides how a task should be (re)entered: terminal tasks
// need a continuation, a non-terminal task with history is a crash recovery,
// anything else is fresh.
func (o *Orchestrator) DetectRunMode(taskID string) (task.RunMode, error) {
	t, err := o.store.FindByID(taskID)
	if err != nil {
		return "", err
	}
	if t.Status.Terminal() {
		return task.RunContinuation, nil
	}
	if t.Status == task.StatusInProgress {
		return task.RunRecovery, nil
	}
	for _, name := range task.PhaseOrder {
		if t.Orchestration.Step(name).Status != task.StepNotStarted {
			return task.RunRecovery, nil
		}
	}
	return task.RunFresh, nil
}

// taskRepositories resolves the task's repository ids against configuration.
// An empty id list means the task may touch every configured repository.
func (o *Orchestrator) taskRepositories(t *task.Task) ([]task.Repository, error) {
	if len(t.RepositoryIDs) == 0 {
		return o.cfg.Repositories, nil
	}
	byID := map[string]task.Repository{}
	for _, r := range o.cfg.Repositories {
		byID[r.ID] = r
	}
	var out []task.Repository
	for _, id := range t.RepositoryIDs {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("task references repository %q not present in config", id)
		}
		out = append(out, r)
	}
	return out, nil
}
