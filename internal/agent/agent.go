// Package agent defines the external agent-execution capability consumed by
// phases. The capability itself (prompting, sandboxing, transport) lives
// outside this system; everything here treats the returned output as
// untrusted text requiring extraction, never as a trusted object.
package agent

import (
	"context"
)

// ResumeOptions lets a long invocation pick up a prior external session
// instead of restarting and re-paying for completed work.
type ResumeOptions struct {
	ExternalSessionID string
	LastMessageID     string
	TurnsCompleted    int
}

// Request describes one agent invocation.
type Request struct {
	Role           string // "planner", "builder", "judge", "fixer"
	Prompt         string
	WorkspacePath  string
	TaskID         string
	Label          string // human-readable tag for logs and checkpoints
	SessionID      string
	Resume         *ResumeOptions
	PermissionMode string
	Attachments    []string
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is what an invocation returns. Output is free text.
type Result struct {
	Output            string
	SessionID         string
	ExternalSessionID string
	LastMessageID     string
	Turns             int
	CostUSD           float64
	Usage             Usage
}

// Executor is the one external capability the orchestrator calls. Implementations
// are expected to block for the full (potentially multi-minute) invocation and
// honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}
