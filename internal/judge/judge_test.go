package judge

import (
	"context"
	"testing"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/task"
)

func planningSubmission(epics ...task.Epic) Submission {
	return Submission{
		Type:            TypePlanning,
		TaskID:          "t1",
		TaskDescription: "add a search endpoint",
		Epics:           epics,
	}
}

func TestTier1EmptyEpics(t *testing.T) {
	exec := &agent.Scripted{}
	j := New(exec, 0, nil)

	verdict, err := j.Evaluate(context.Background(), planningSubmission())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved {
		t.Error("approved empty epic set")
	}
	if verdict.Feedback != "No epics created" {
		t.Errorf("feedback = %q", verdict.Feedback)
	}
	if verdict.Tier != 1 || !verdict.Retryable {
		t.Errorf("verdict = %+v, want tier-1 retryable", verdict)
	}
	if exec.Calls() != 0 {
		t.Errorf("AI evaluation calls = %d, want 0", exec.Calls())
	}
}

func TestTier1MajorityMissingDescriptions(t *testing.T) {
	exec := &agent.Scripted{}
	j := New(exec, 0, nil)

	verdict, err := j.Evaluate(context.Background(), planningSubmission(
		task.Epic{ID: "e1", Title: "a", Description: ""},
		task.Epic{ID: "e2", Title: "b", Description: "x"},
		task.Epic{ID: "e3", Title: "c", Description: "implement the search handler and index"},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved || verdict.Tier != 1 {
		t.Errorf("verdict = %+v, want tier-1 rejection", verdict)
	}
	if exec.Calls() != 0 {
		t.Errorf("AI calls = %d, want 0", exec.Calls())
	}
}

func TestTier2Approval(t *testing.T) {
	exec := &agent.Scripted{}
	exec.EnqueueOutput(`{"approved": true, "score": 85, "feedback": "solid plan", "files_verified": ["src/api.ts"]}`)
	j := New(exec, 0, nil)

	verdict, err := j.Evaluate(context.Background(), planningSubmission(
		task.Epic{ID: "e1", Title: "search api", Description: "implement the search handler and index"},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved || verdict.Score != 85 || verdict.Tier != 2 {
		t.Errorf("verdict = %+v", verdict)
	}
	if verdict.Retryable {
		t.Error("approved verdict should not be retryable")
	}
	if exec.Calls() != 1 {
		t.Errorf("AI calls = %d, want 1", exec.Calls())
	}
	if exec.Requests[0].Role != "judge" || exec.Requests[0].PermissionMode != "read_only" {
		t.Errorf("request = %+v", exec.Requests[0])
	}
}

func TestScoreThresholdBlocksBareBoolean(t *testing.T) {
	exec := &agent.Scripted{}
	exec.EnqueueOutput(`{"approved": true, "score": 45, "feedback": "weak coverage"}`)
	j := New(exec, 0, nil)

	verdict, err := j.Evaluate(context.Background(), planningSubmission(
		task.Epic{ID: "e1", Title: "search api", Description: "implement the search handler and index"},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved {
		t.Error("approved despite score below threshold")
	}
	if !verdict.Retryable {
		t.Error("rejection should be retryable")
	}
}

func TestTier2NoisyOutput(t *testing.T) {
	exec := &agent.Scripted{}
	exec.EnqueueOutput("Here is my evaluation:\n```json\n{\"approved\": true, \"score\": 72, \"feedback\": \"fine\"}\n```\nThanks!")
	j := New(exec, 0, nil)

	verdict, err := j.Evaluate(context.Background(), planningSubmission(
		task.Epic{ID: "e1", Title: "search api", Description: "implement the search handler and index"},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved || verdict.Score != 72 {
		t.Errorf("verdict = %+v", verdict)
	}
}

func TestTier2UnparseableOutput(t *testing.T) {
	exec := &agent.Scripted{}
	exec.EnqueueOutput("I cannot evaluate this right now.")
	j := New(exec, 0, nil)

	_, err := j.Evaluate(context.Background(), planningSubmission(
		task.Epic{ID: "e1", Title: "search api", Description: "implement the search handler and index"},
	))
	if err == nil {
		t.Error("expected error for unparseable judge output")
	}
}

func TestReviewTier1EmptySummary(t *testing.T) {
	exec := &agent.Scripted{}
	j := New(exec, 0, nil)

	verdict, err := j.Evaluate(context.Background(), Submission{
		Type: TypeReview, TaskID: "t1", TaskDescription: "task", Summary: "  ",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved || verdict.Tier != 1 || exec.Calls() != 0 {
		t.Errorf("verdict = %+v, calls = %d", verdict, exec.Calls())
	}
}
