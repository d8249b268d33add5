package review

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/db"
	"github.com/mfinley/taskmill/internal/eventlog"
	"github.com/mfinley/taskmill/internal/judge"
	"github.com/mfinley/taskmill/internal/phase"
	"github.com/mfinley/taskmill/internal/phases/build"
	"github.com/mfinley/taskmill/internal/store"
	"github.com/mfinley/taskmill/internal/task"
)

type harness struct {
	phase  *Phase
	exec   *agent.Scripted
	store  *store.Store
	ctx    *phase.Context
	taskID string
}

func newHarness(t *testing.T) *harness {
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
	exec := &agent.Scripted{}
	j := judge.New(exec, 60, zap.NewNop())

	tk, err := st.Create(&task.Task{
		Title:       "add product search",
		Description: "Add a search endpoint with a results page",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.ModifyOrchestration(tk.ID, func(o *task.Orchestration) {
		o.Epics = []task.Epic{{ID: "e1", Title: "Search endpoint"}}
		o.Stories = []task.Story{{ID: "s1", EpicID: "e1", Title: "Search endpoint", Status: "completed"}}
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tk, _ = st.FindByID(tk.ID)

	p := New(j, st, events, zap.NewNop())
	pc := phase.NewContext(tk, task.RunFresh, t.TempDir(), nil)
	pc.SetData(build.DataSummaries, map[string]string{"e1": "added GET /search with tests"})
	return &harness{phase: p, exec: exec, store: st, ctx: pc, taskID: tk.ID}
}

func TestExecuteApproved(t *testing.T) {
	h := newHarness(t)
	h.exec.EnqueueOutput(`{"approved": true, "score": 90, "feedback": "thorough"}`)

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	// The judge saw the per-epic summary, not a bare story list.
	if prompt := h.exec.Requests[0].Prompt; !strings.Contains(prompt, "added GET /search with tests") {
		t.Errorf("summary missing from judge prompt:\n%s", prompt)
	}

	got, _ := h.store.FindByID(h.taskID)
	s := got.Orchestration.Stories[0]
	if s.ReviewScore != 90 || s.ReviewFeedback != "thorough" {
		t.Errorf("story verdict = %+v", s)
	}
}

func TestExecuteRejectedHalts(t *testing.T) {
	h := newHarness(t)
	h.exec.EnqueueOutput(`{"approved": false, "score": 35, "feedback": "endpoint lacks input validation"}`)

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("rejected review must fail the phase")
	}
	if !strings.Contains(res.Error, "input validation") {
		t.Errorf("error = %q, want judge feedback", res.Error)
	}

	got, _ := h.store.FindByID(h.taskID)
	if got.Orchestration.PendingApproval != Name {
		t.Errorf("pending approval = %q, want %q", got.Orchestration.PendingApproval, Name)
	}
}

func TestExecuteEmptySummaryRejectedStructurally(t *testing.T) {
	h := newHarness(t)
	h.ctx.SetData(build.DataSummaries, map[string]string{})
	_ = h.store.ModifyOrchestration(h.taskID, func(o *task.Orchestration) {
		o.Stories = nil
	})
	tk, _ := h.store.FindByID(h.taskID)
	h.ctx.Task = tk

	res, err := h.phase.Execute(context.Background(), h.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("empty summary must be rejected")
	}
	// Tier-1 rejection costs nothing.
	if h.exec.Calls() != 0 {
		t.Errorf("agent calls = %d, want 0", h.exec.Calls())
	}
}
