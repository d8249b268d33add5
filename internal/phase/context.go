package phase

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mfinley/taskmill/internal/task"
)

// Context is the per-run scratch space shared by the phases of one
// execution. It is not persisted; durable truth lives in the stores.
type Context struct {
	Task          *task.Task
	RunMode       task.RunMode
	WorkspaceRoot string
	Repositories  []task.Repository

	mu       sync.Mutex
	data     map[string]interface{}
	consumed []string // directive ids drained during this run
}

// NewContext creates a run context around a task snapshot.
func NewContext(t *task.Task, mode task.RunMode, workspaceRoot string, repos []task.Repository) *Context {
	return &Context{
		Task:          t,
		RunMode:       mode,
		WorkspaceRoot: workspaceRoot,
		Repositories:  repos,
		data:          make(map[string]interface{}),
	}
}

// SetData stores a derived artifact for later phases in this run.
func (c *Context) SetData(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// GetData retrieves a derived artifact.
func (c *Context) GetData(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// RepositoryByID finds a repository in the run's list.
func (c *Context) RepositoryByID(id string) (task.Repository, bool) {
	for _, r := range c.Repositories {
		if r.ID == id {
			return r, true
		}
	}
	return task.Repository{}, false
}

// GetDirectivesBlock returns the unconsumed directives targeting the given
// phase as a formatted block, marking them consumed on the snapshot. The
// driver persists consumption when the phase's step record is written.
// Returns "" when no directives apply.
func (c *Context) GetDirectivesBlock(phaseName string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lines []string
	for i := range c.Task.Orchestration.Directives {
		d := &c.Task.Orchestration.Directives[i]
		if d.Consumed || (d.TargetPhase != phaseName && d.TargetPhase != "") {
			continue
		}
		d.Consumed = true
		c.consumed = append(c.consumed, d.ID)
		lines = append(lines, fmt.Sprintf("- %s", d.Text))
	}
	return strings.Join(lines, "\n")
}

// ConsumedDirectives returns the ids of directives drained so far.
func (c *Context) ConsumedDirectives() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.consumed))
	copy(out, c.consumed)
	return out
}

// StepCompleted reports whether a phase's step record shows completed on the
// current snapshot.
func (c *Context) StepCompleted(phaseName string) bool {
	return c.Task.Orchestration.Step(phaseName).Status == task.StepCompleted
}

// DefaultShouldSkip is the standard skip policy: skip only when this run is
// a crash-recovery restart and the step already completed. Continuations
// always re-execute; the continuation flag wins even if both apply.
func DefaultShouldSkip(c *Context, phaseName string) bool {
	if c.RunMode == task.RunContinuation || c.Task.Orchestration.Continuation {
		return false
	}
	if c.RunMode != task.RunRecovery {
		return false
	}
	return c.StepCompleted(phaseName)
}
