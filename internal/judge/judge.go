// Package judge implements the two-tier approval gate shared by phases.
//
// Tier 1 is a cheap structural check that fails fast on trivially broken
// output with no AI cost. Tier 2 is an AI-assisted scored evaluation. Final
// approval requires both the evaluation's boolean and a score at or above
// the threshold, so a bare "approved: true" cannot rubber-stamp bad work.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/agent"
	"github.com/mfinley/taskmill/internal/extract"
	"github.com/mfinley/taskmill/internal/task"
)

// DefaultThreshold is the minimum tier-2 score for approval.
const DefaultThreshold = 60

// SubmissionType selects the evaluation rubric.
type SubmissionType string

const (
	TypePlanning    SubmissionType = "planning"
	TypeReview      SubmissionType = "review"
	TypeIntegration SubmissionType = "integration"
)

// Submission is the unit of work handed to the judge.
type Submission struct {
	Type            SubmissionType
	TaskID          string
	TaskDescription string
	Epics           []task.Epic // planning submissions
	Summary         string      // review/integration submissions
	WorkspacePath   string      // enables read-only inspection by the evaluator
}

// evaluation is the tier-2 response shape extracted from judge output.
type evaluation struct {
	Approved      bool     `json:"approved"`
	Score         int      `json:"score"`
	Feedback      string   `json:"feedback"`
	Issues        []string `json:"issues"`
	Suggestions   []string `json:"suggestions"`
	FilesVerified []string `json:"files_verified"`
}

// Verdict is the gate's decision.
type Verdict struct {
	Approved      bool
	Score         int
	Feedback      string
	Issues        []string
	Suggestions   []string
	FilesVerified []string
	Tier          int // 1 = structural rejection, 2 = scored evaluation
	Retryable     bool
	CostUSD       float64
	Usage         agent.Usage
}

// Judge evaluates submissions.
type Judge struct {
	exec      agent.Executor
	threshold int
	logger    *zap.Logger
}

// New creates a Judge. threshold <= 0 uses DefaultThreshold; a nil logger is
// replaced with a no-op.
func New(exec agent.Executor, threshold int, logger *zap.Logger) *Judge {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Judge{exec: exec, threshold: threshold, logger: logger}
}

// Evaluate runs the two-tier gate. Tier-1 rejections are always retryable and
// cost nothing; tier-2 runs one judge invocation.
func (j *Judge) Evaluate(ctx context.Context, sub Submission) (*Verdict, error) {
	if reason := j.structuralReject(sub); reason != "" {
		j.logger.Info("tier-1 rejection",
			zap.String("task_id", sub.TaskID),
			zap.String("type", string(sub.Type)),
			zap.String("reason", reason))
		return &Verdict{Approved: false, Feedback: reason, Tier: 1, Retryable: true}, nil
	}

	prompt, err := j.buildPrompt(sub)
	if err != nil {
		return nil, err
	}

	res, err := j.exec.Execute(ctx, agent.Request{
		Role:           "judge",
		Prompt:         prompt,
		WorkspacePath:  sub.WorkspacePath,
		TaskID:         sub.TaskID,
		Label:          fmt.Sprintf("judge-%s", sub.Type),
		PermissionMode: "read_only",
	})
	if err != nil {
		return nil, fmt.Errorf("judge invocation: %w", err)
	}

	extracted, err := extract.JSON(res.Output, "approved", "score")
	if err != nil {
		return nil, fmt.Errorf("judge output for task %s: %w", sub.TaskID, err)
	}
	var eval evaluation
	if err := extracted.Decode(&eval); err != nil {
		return nil, fmt.Errorf("judge evaluation: %w", err)
	}

	verdict := &Verdict{
		Approved:      eval.Approved && eval.Score >= j.threshold,
		Score:         eval.Score,
		Feedback:      eval.Feedback,
		Issues:        eval.Issues,
		Suggestions:   eval.Suggestions,
		FilesVerified: eval.FilesVerified,
		Tier:          2,
		Retryable:     true,
		CostUSD:       res.CostUSD,
		Usage:         res.Usage,
	}
	if verdict.Approved {
		verdict.Retryable = false
	}
	return verdict, nil
}

// structuralReject returns a rejection reason, or "" if tier 1 passes.
func (j *Judge) structuralReject(sub Submission) string {
	switch sub.Type {
	case TypePlanning:
		if len(sub.Epics) == 0 {
			return "No epics created"
		}
		missing := 0
		for _, e := range sub.Epics {
			if len(strings.TrimSpace(e.Description)) < 10 {
				missing++
			}
		}
		if missing*2 > len(sub.Epics) {
			return fmt.Sprintf("%d of %d epics lack a meaningful description", missing, len(sub.Epics))
		}
	case TypeReview, TypeIntegration:
		if strings.TrimSpace(sub.Summary) == "" {
			return "Empty work summary"
		}
	}
	return ""
}

// buildPrompt renders the tier-2 evaluation prompt.
func (j *Judge) buildPrompt(sub Submission) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing %s output for the following task.\n\n", sub.Type)
	fmt.Fprintf(&b, "## Task\n%s\n\n", sub.TaskDescription)

	switch sub.Type {
	case TypePlanning:
		data, err := json.MarshalIndent(sub.Epics, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal epics: %w", err)
		}
		fmt.Fprintf(&b, "## Proposed epics\n```json\n%s\n```\n\n", data)
		b.WriteString("Verify the plan covers the task, epics are scoped to one repository each, " +
			"and referenced files plausibly exist (you may search and read files, but not modify them).\n\n")
	default:
		fmt.Fprintf(&b, "## Work summary\n%s\n\n", sub.Summary)
		b.WriteString("Verify the claimed work exists in the workspace and matches the task.\n\n")
	}

	b.WriteString("Respond with a single JSON object:\n" +
		"{\"approved\": bool, \"score\": 0-100, \"feedback\": string, " +
		"\"issues\": [string], \"suggestions\": [string], \"files_verified\": [string]}\n")
	return b.String(), nil
}
