package checkpoint

import (
	"testing"
	"time"

	"github.com/mfinley/taskmill/internal/db"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(d, 0)
}

// backdate rewrites a checkpoint's heartbeat, simulating staleness.
func backdate(t *testing.T, s *Store, taskID, phase string, age time.Duration) {
	t.Helper()
	ts := time.Now().UTC().Add(-age).Format(timeLayout)
	if _, err := s.db.Conn().Exec(
		`UPDATE checkpoints SET last_checkpoint_at = ? WHERE task_id = ? AND phase = ?`,
		ts, taskID, phase,
	); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestSaveLoadUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Save("t1", "planning", "ext-1", SaveOpts{Turns: 3, WorkspacePath: "/ws/t1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Idempotent upsert with incremental progress
	if err := s.Save("t1", "planning", "ext-1", SaveOpts{Turns: 7, LastMessageID: "m7"}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	cp, err := s.Load("t1", "planning")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp == nil {
		t.Fatal("expected checkpoint")
	}
	if cp.Status != StatusActive || cp.TurnsCompleted != 7 || cp.LastMessageID != "m7" {
		t.Errorf("checkpoint = %+v", cp)
	}
	// Workspace path from first save survives an update that omitted it
	if cp.WorkspacePath != "/ws/t1" {
		t.Errorf("workspace = %q", cp.WorkspacePath)
	}
}

func TestLoadMissing(t *testing.T) {
	s := testStore(t)
	cp, err := s.Load("nope", "planning")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp != nil {
		t.Errorf("expected nil, got %+v", cp)
	}
}

func TestBuildResumeOptions(t *testing.T) {
	active := &Checkpoint{Status: StatusActive, ExternalSessionID: "ext-1", LastMessageID: "m3", TurnsCompleted: 3}
	opts := BuildResumeOptions(active)
	if opts == nil || opts.ExternalSessionID != "ext-1" || opts.TurnsCompleted != 3 {
		t.Errorf("opts = %+v", opts)
	}

	// Terminal and empty checkpoints are never resumed
	for _, cp := range []*Checkpoint{
		nil,
		{Status: StatusCompleted, ExternalSessionID: "ext-1"},
		{Status: StatusFailed, ExternalSessionID: "ext-1"},
		{Status: StatusActive}, // no session id
	} {
		if got := BuildResumeOptions(cp); got != nil {
			t.Errorf("expected nil resume options for %+v, got %+v", cp, got)
		}
	}
}

func TestMarkTerminal(t *testing.T) {
	s := testStore(t)
	_ = s.Save("t1", "planning", "ext-1", SaveOpts{})
	_ = s.Save("t1", "build", "ext-2", SaveOpts{})

	if err := s.MarkCompleted("t1", "planning"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.MarkFailed("t1", "build"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	cp, _ := s.Load("t1", "planning")
	if cp.Status != StatusCompleted {
		t.Errorf("planning = %q", cp.Status)
	}
	cp, _ = s.Load("t1", "build")
	if cp.Status != StatusFailed {
		t.Errorf("build = %q", cp.Status)
	}
}

func TestFindActiveForRecoveryFreshness(t *testing.T) {
	s := testStore(t)
	_ = s.Save("fresh", "planning", "ext-1", SaveOpts{})
	_ = s.Save("stale", "planning", "ext-2", SaveOpts{})
	_ = s.Save("done", "planning", "ext-3", SaveOpts{})
	_ = s.MarkCompleted("done", "planning")

	// Stale active: heartbeat outside the freshness window but status untouched
	backdate(t, s, "stale", "planning", 2*time.Hour)

	got, err := s.FindActiveForRecovery()
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recoverable = %d, want 1", len(got))
	}
	if got[0].TaskID != "fresh" {
		t.Errorf("recovered %q, want fresh", got[0].TaskID)
	}
}

func TestTimestampTextOrderingWithinOneSecond(t *testing.T) {
	// last_checkpoint_at is compared as TEXT; a whole second must sort below
	// a fraction of the same second, which RFC3339Nano gets wrong by dropping
	// trailing zeros.
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	later := base.Add(500 * time.Millisecond)
	if base.Format(timeLayout) >= later.Format(timeLayout) {
		t.Errorf("timestamps misorder as text: %q >= %q",
			base.Format(timeLayout), later.Format(timeLayout))
	}
	// Rows written with the old layout must still parse.
	if _, err := time.Parse(time.RFC3339Nano, base.Format(timeLayout)); err != nil {
		t.Errorf("fixed-width timestamp not parseable: %v", err)
	}
}

func TestCleanupRetention(t *testing.T) {
	s := testStore(t)
	_ = s.Save("old-done", "planning", "ext-1", SaveOpts{})
	_ = s.MarkCompleted("old-done", "planning")
	_ = s.Save("old-active", "planning", "ext-2", SaveOpts{})
	_ = s.Save("recent-done", "planning", "ext-3", SaveOpts{})
	_ = s.MarkFailed("recent-done", "planning")

	backdate(t, s, "old-done", "planning", 72*time.Hour)
	backdate(t, s, "old-active", "planning", 72*time.Hour)

	n, err := s.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1 (only old terminal)", n)
	}

	// Old active survives cleanup regardless of age
	cp, _ := s.Load("old-active", "planning")
	if cp == nil {
		t.Error("active checkpoint was cleaned up")
	}
	cp, _ = s.Load("recent-done", "planning")
	if cp == nil {
		t.Error("recent terminal checkpoint was cleaned up")
	}
}
