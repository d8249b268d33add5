// Package phase defines the phase contract and the driver that sequences
// registered phases for one task. There is no phase class hierarchy: a phase
// is anything implementing the small capability interface, and the driver
// composes behavior over the ordered list.
package phase

import (
	"context"
)

// Metrics accumulates cost and token counters for one phase execution.
// Counters accrued before a failure remain committed.
type Metrics struct {
	CostUSD      float64
	InputTokens  int
	OutputTokens int
	DurationMs   int64
}

// Add folds another metrics sample in.
func (m *Metrics) Add(other Metrics) {
	m.CostUSD += other.CostUSD
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.DurationMs += other.DurationMs
}

// Result is a phase execution outcome. Success=false with Error set is a
// phase-level failure; infrastructure errors are returned separately.
type Result struct {
	Success bool
	Summary string
	Data    map[string]interface{}
	Error   string

	Metrics  Metrics
	Warnings []string
}

// Phase is the shared contract every pipeline phase implements.
type Phase interface {
	// Name identifies the phase and keys its step record.
	Name() string
	// ShouldSkip reports whether the phase may be skipped for this run.
	// A continuation run never skips; a crash-recovery restart skips phases
	// whose step record already shows completed.
	ShouldSkip(pc *Context) (bool, error)
	// Execute runs the phase. It must be side-effect safe to call only when
	// ShouldSkip returned false.
	Execute(ctx context.Context, pc *Context) (*Result, error)
}

// Restorer is implemented by phases that must restore derived data into the
// run context when skipped, so later phases see what the skipped phase would
// have produced.
type Restorer interface {
	Restore(pc *Context) error
}
