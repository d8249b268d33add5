package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/config"
	"github.com/mfinley/taskmill/internal/task"
	"github.com/mfinley/taskmill/internal/workspace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Database:  config.Database{Path: filepath.Join(dir, "taskmill.db")},
		Workspace: config.Workspace{Root: filepath.Join(dir, "ws"), ArtifactsDir: filepath.Join(dir, "artifacts")},
		Orchestrator: config.Orchestrator{
			PhaseTimeout:        "5m",
			PlanningMaxAttempts: 3,
			JudgeThreshold:      60,
			CheckpointFreshness: "1h",
			CheckpointRetention: "72h",
			MaxParallelEpics:    4,
		},
		Repositories: []task.Repository{
			{ID: "api", Name: "api", Category: "backend", DefaultBranch: "main"},
			{ID: "web", Name: "web", Category: "frontend", DefaultBranch: "main"},
		},
	}
}

func newOrchestrator(t *testing.T) (*Orchestrator, *agent.Scripted, *workspace.Fake) {
	t.Helper()
	exec := &agent.Scripted{}
	ws := &workspace.Fake{Root: t.TempDir()}
	o, err := New(testConfig(t), exec, zap.NewNop(), WithWorkspaces(ws))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o, exec, ws
}

const testPlan = `{
  "analysis": "split across api and web",
  "epics": [
    {
      "title": "Search endpoint",
      "description": "Add GET /search with pagination and filters",
      "repository": "api",
      "files_to_create": ["internal/search/handler.go"]
    },
    {
      "title": "Results page",
      "description": "Render paginated search results",
      "repository": "web",
      "files_to_create": ["src/pages/SearchResults.tsx"]
    }
  ]
}`

const approve = `{"approved": true, "score": 85, "feedback": "good"}`

func TestRunTaskFullPipeline(t *testing.T) {
	o, exec, ws := newOrchestrator(t)

	tk, err := o.Store().Create(&task.Task{
		Title:       "add product search",
		Description: "Add a search endpoint with a results page",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	exec.EnqueueOutput("discovery notes")       // planning: discovery
	exec.EnqueueOutput(testPlan)                // planning: plan
	exec.EnqueueOutput(approve)                 // planning: judge
	exec.EnqueueOutput("implemented endpoint")  // build: epic 1
	exec.EnqueueOutput("implemented page")      // build: epic 2
	exec.EnqueueOutput(approve)                 // review: judge
	exec.EnqueueOutput(approve)                 // integrate: judge

	if err := o.RunTask(context.Background(), tk.ID, task.RunFresh); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := o.Store().FindByID(tk.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	for _, name := range task.PhaseOrder {
		if s := got.Orchestration.Step(name).Status; s != task.StepCompleted {
			t.Errorf("phase %s = %q, want completed", name, s)
		}
	}
	if len(got.Orchestration.Epics) != 2 || len(got.Orchestration.Stories) != 2 {
		t.Errorf("epics/stories = %d/%d, want 2/2", len(got.Orchestration.Epics), len(got.Orchestration.Stories))
	}
	if len(ws.MergedOrder()) != 2 {
		t.Errorf("merged = %v, want 2 branches", ws.MergedOrder())
	}
	if exec.Calls() != 7 {
		t.Errorf("agent calls = %d, want 7", exec.Calls())
	}
}

func TestDetectRunMode(t *testing.T) {
	o, _, _ := newOrchestrator(t)

	tk, err := o.Store().Create(&task.Task{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mode, err := o.DetectRunMode(tk.ID)
	if err != nil || mode != task.RunFresh {
		t.Errorf("pristine task mode = %v (%v), want fresh", mode, err)
	}

	if err := o.Store().UpdatePhaseStatus(tk.ID, "planning", task.StepCompleted, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if mode, _ = o.DetectRunMode(tk.ID); mode != task.RunRecovery {
		t.Errorf("partial task mode = %v, want recovery", mode)
	}

	if err := o.Store().UpdateStatus(tk.ID, task.StatusCompleted); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if mode, _ = o.DetectRunMode(tk.ID); mode != task.RunContinuation {
		t.Errorf("terminal task mode = %v, want continuation", mode)
	}
}

func TestRunTaskUnknownRepository(t *testing.T) {
	o, _, _ := newOrchestrator(t)

	tk, err := o.Store().Create(&task.Task{Title: "t", RepositoryIDs: []string{"mobile"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunTask(context.Background(), tk.ID, task.RunFresh); err == nil {
		t.Error("expected error for unconfigured repository")
	}
}
