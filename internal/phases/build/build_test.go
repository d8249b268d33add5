package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/artifact"
	"github.com/mfinley/taskmill/internal/checkpoint"
	"github.com/mfinley/taskmill/internal/db"
	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/phase"
	"github.com/mfinley/taskmill/internal/phases/planning"
	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
	"github.com/mfinley/taskmill/internal/workspace"
)

var testRepos = []task.Repository{
	{ID: "api", Name: "api", Category: "backend", DefaultBranch: "main"},
	{ID: "web", Name: "web", Category: "frontend", DefaultBranch: "main"},
}

type harness struct {
	phase       *Phase
	exec        *agent.Scripted
	store       *store.Store
	events      *eventlog.Log
	checkpoints *checkpoint.Store
	ws          *workspace.Fake
	ctx         *phase.Context
	taskID      string
}

func newHarness(t *testing.T, epics []task.Epic) *harness {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	st := store.New(d)
	events := eventlog.New(d, zap.NewNop())
	cps := checkpoint.New(d, 0)
	exec := &agent.Scripted{}
	ws := &workspace.Fake{Root: t.TempDir()}
	artifacts := artifact.NewStore(t.TempDir())

	tk, err := st.Create(&task.Task{
		Title:         "add product search",
		Description:   "Add a search endpoint with a results page",
		RepositoryIDs: []string{"api", "web"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if len(epics) > 0 {
		if err := st.ModifyOrchestration(tk.ID, func(o *task.Orchestration) {
			o.Epics = epics
		}); err != nil {
			t.Fatalf("seed epics: %v", err)
		}
		tk, _ = st.FindByID(tk.ID)
	}

	p := New(exec, st, events, cps, ws, artifacts, 4, zap.NewNop())
	pc := phase.NewContext(tk, task.RunFresh, t.TempDir(), testRepos)
	return &harness{
		phase:       p,
		exec:        exec,
		store:       st,
		events:      events,
		checkpoints: cps,
		ws:          ws,
		ctx:         pc,
		taskID:      tk.ID,
	}
}

func twoDisjointEpics() []task.Epic {
	return []task.Epic{
		{
			ID:             "e1",
			Title:          "Search endpoint",
			Description:    "Add GET /search with pagination",
			RepositoryID:   "api",
			FilesToCreate:  []string{"internal/search/handler.go"},
			ExecutionOrder: 1,
		},
		{
			ID:             "e2",
			Title:          "Results page",
			Description:    "Render paginated results",
			RepositoryID:   "web",
			FilesToCreate:  []string{"src/pages/SearchResults.tsx"},
			ExecutionOrder: 1,
		},
	}
}

func TestExecuteBuildsAllEpics(t *testing.T) {
	h := newHarness(t, twoDisjointEpics())
	h.exec.EnqueueOutput("implemented the endpoint")
	h.exec.EnqueueOutput("implemented the page")

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if h.exec.Calls() != 2 {
		t.Errorf("agent calls = %d, want 2", h.exec.Calls())
	}

	got, _ := h.store.FindByID(h.taskID)
	if len(got.Orchestration.Stories) != 2 {
		t.Fatalf("stories = %d, want 2", len(got.Orchestration.Stories))
	}
	for _, s := range got.Orchestration.Stories {
		if s.Status != "completed" {
			t.Errorf("story %s status = %q, want completed", s.Title, s.Status)
		}
	}
	for _, e := range got.Orchestration.Epics {
		if e.BranchName == "" {
			t.Errorf("epic %s has no branch assigned", e.Title)
		}
	}
	if len(h.ws.Pushed) != 2 {
		t.Errorf("pushed branches = %v, want 2", h.ws.Pushed)
	}

	v, ok := h.ctx.GetData(DataSummaries)
	if !ok {
		t.Fatal("summaries not shared with run context")
	}
	if summaries := v.(map[string]string); len(summaries) != 2 {
		t.Errorf("summaries = %v", summaries)
	}
}

func TestExecuteParallelWaveKeepsEveryBranchAssignment(t *testing.T) {
	// One wide conflict-free wave, every worker live at once. Each worker
	// writes its branch and story status to the same aggregate; none of those
	// writes may be lost.
	var epics []task.Epic
	for i := 0; i < 16; i++ {
		epics = append(epics, task.Epic{
			ID:             fmt.Sprintf("e%d", i),
			Title:          fmt.Sprintf("Slice %d", i),
			RepositoryID:   "api",
			FilesToCreate:  []string{fmt.Sprintf("internal/slice%d.go", i)},
			ExecutionOrder: 1,
		})
	}
	h := newHarness(t, epics)
	h.phase.maxParallel = len(epics)
	for range epics {
		h.exec.EnqueueOutput("done")
	}

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	got, _ := h.store.FindByID(h.taskID)
	var missing []string
	for _, e := range got.Orchestration.Epics {
		if e.BranchName == "" {
			missing = append(missing, e.ID)
		}
	}
	if len(missing) > 0 {
		t.Errorf("lost updates on aggregate: %d/%d epics missing BranchName (%v)",
			len(missing), len(epics), missing)
	}
	for _, s := range got.Orchestration.Stories {
		if s.Status != "completed" {
			t.Errorf("story for %s status = %q, want completed", s.EpicID, s.Status)
		}
	}
}

func TestExecuteRunsWavesInDependencyOrder(t *testing.T) {
	epics := twoDisjointEpics()
	epics = append(epics, task.Epic{
		ID:             "e3",
		Title:          "Wire search into navigation",
		Description:    "Add the entry point after both land",
		RepositoryID:   "web",
		FilesToModify:  []string{"src/pages/SearchResults.tsx"},
		DependsOn:      []string{"e2"},
		ExecutionOrder: 2,
	})
	h := newHarness(t, epics)
	for i := 0; i < 3; i++ {
		h.exec.EnqueueOutput("done")
	}

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	// The order-2 epic must be the last invocation.
	last := h.exec.Requests[2]
	if !strings.Contains(last.Label, "Wire search") {
		t.Errorf("last invocation = %q, want the dependent epic", last.Label)
	}
}

func TestExecuteFailureHaltsLaterWaves(t *testing.T) {
	epics := []task.Epic{
		{ID: "e1", Title: "Schema migration", RepositoryID: "api", ExecutionOrder: 1},
		{ID: "e2", Title: "Query layer", RepositoryID: "api", DependsOn: []string{"e1"}, ExecutionOrder: 2},
	}
	h := newHarness(t, epics)
	h.exec.Enqueue(nil, errors.New("session crashed"))

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if h.exec.Calls() != 1 {
		t.Errorf("agent calls = %d; dependent wave must not run", h.exec.Calls())
	}

	got, _ := h.store.FindByID(h.taskID)
	var failed bool
	for _, s := range got.Orchestration.Stories {
		if s.EpicID == "e1" && s.Status == "failed" {
			failed = true
		}
	}
	if !failed {
		t.Error("failed epic's story not marked failed")
	}
}

func TestExecuteNoEpicsFails(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("build with no epics must fail")
	}
	if h.exec.Calls() != 0 {
		t.Errorf("agent calls = %d, want 0", h.exec.Calls())
	}
}

func TestExecuteRecoveryResumesFromCheckpoint(t *testing.T) {
	epics := twoDisjointEpics()[:1]
	h := newHarness(t, epics)
	if err := h.checkpoints.Save(h.taskID, checkpointKey("e1"), "ext-session-9", checkpoint.SaveOpts{
		Turns:         12,
		LastMessageID: "msg-40",
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	h.ctx.RunMode = task.RunRecovery
	h.exec.EnqueueOutput("finished the remaining work")

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	req := h.exec.Requests[0]
	if req.Resume == nil {
		t.Fatal("recovery run did not resume the checkpointed session")
	}
	if req.Resume.ExternalSessionID != "ext-session-9" || req.Resume.TurnsCompleted != 12 {
		t.Errorf("resume = %+v", req.Resume)
	}
}

func TestExecuteReusesEpicsFromRunContext(t *testing.T) {
	h := newHarness(t, nil)
	h.ctx.SetData(planning.DataEpics, twoDisjointEpics()[:1])
	h.exec.EnqueueOutput("done")

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
}

func TestWaves(t *testing.T) {
	epics := []task.Epic{
		{ID: "a", ExecutionOrder: 2},
		{ID: "b", ExecutionOrder: 1},
		{ID: "c", ExecutionOrder: 1},
		{ID: "d", ExecutionOrder: 3},
	}
	w := waves(epics)
	if len(w) != 3 {
		t.Fatalf("waves = %d, want 3", len(w))
	}
	if len(w[0]) != 2 || w[0][0].ExecutionOrder != 1 {
		t.Errorf("first wave = %+v", w[0])
	}
	if w[2][0].ID != "d" {
		t.Errorf("last wave = %+v", w[2])
	}
}

func TestBranchName(t *testing.T) {
	e := task.Epic{Title: "Add Search Endpoint!"}
	got := BranchName("0b7e2f11-dead-beef", e)
	if !strings.HasPrefix(got, "task/0b7e2f11/") {
		t.Errorf("branch = %q", got)
	}
	if strings.ContainsAny(got, " !") {
		t.Errorf("branch %q not git-safe", got)
	}
}

func TestRestoreLoadsSavedSummaries(t *testing.T) {
	h := newHarness(t, nil)
	artifacts := artifact.NewStore(t.TempDir())
	h.phase.artifacts = artifacts
	if err := artifacts.SaveAnalysis(h.taskID, Name, map[string]string{"e1": "built it"}); err != nil {
		t.Fatalf("seed analysis: %v", err)
	}

	if err := h.phase.Restore(h.ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	v, ok := h.ctx.GetData(DataSummaries)
	if !ok || v.(map[string]string)["e1"] != "built it" {
		t.Errorf("restored = %v", v)
	}
}
