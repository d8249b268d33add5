package task

import (
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// StepStatus is the tri-state-plus lifecycle of a single phase step.
// "superseded" marks a step that completed once but must re-run because the
// task was continued with new requirements.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSuperseded StepStatus = "superseded"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Phase names, in fixed execution order.
const (
	PhasePlanning  = "planning"
	PhaseBuild     = "build"
	PhaseReview    = "review"
	PhaseIntegrate = "integrate"
)

// PhaseOrder is the fixed phase sequence for every task.
var PhaseOrder = []string{PhasePlanning, PhaseBuild, PhaseReview, PhaseIntegrate}

// RunMode describes why a pipeline run was started.
type RunMode string

const (
	// RunFresh is a brand-new execution of the task.
	RunFresh RunMode = "fresh"
	// RunRecovery is a restart after a crash; completed phases may skip.
	RunRecovery RunMode = "recovery"
	// RunContinuation re-enters a completed task with added requirements;
	// affected phases must re-execute even if their step shows completed.
	RunContinuation RunMode = "continuation"
)

// Task is one user-initiated unit of work.
type Task struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Status        TaskStatus    `json:"status"`
	Priority      string        `json:"priority"`
	RepositoryIDs []string      `json:"repository_ids"`
	Orchestration Orchestration `json:"orchestration"`
	Logs          []LogEntry    `json:"logs,omitempty"`
	Activity      []LogEntry    `json:"activity,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Orchestration is the embedded execution state of a task. Exactly one phase
// step may be in_progress at a time; the phase currently driving the task is
// its only writer.
type Orchestration struct {
	Phases          map[string]*PhaseStep `json:"phases"`
	Epics           []Epic                `json:"epics,omitempty"`
	Stories         []Story               `json:"stories,omitempty"`
	Team            []string              `json:"team,omitempty"`
	PendingApproval string                `json:"pending_approval,omitempty"`
	Directives      []Directive           `json:"directives,omitempty"`
	Paused          bool                  `json:"paused"`
	CancelRequested bool                  `json:"cancel_requested"`
	Continuation    bool                  `json:"continuation"`
	Checkpoint      *RecoverySnapshot     `json:"checkpoint,omitempty"`
	CostUSD         float64               `json:"cost_usd"`
	InputTokens     int                   `json:"input_tokens"`
	OutputTokens    int                   `json:"output_tokens"`
}

// PhaseStep records one phase's persisted outcome on the aggregate.
type PhaseStep struct {
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CostUSD     float64    `json:"cost_usd,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
}

// RecoverySnapshot is the crash-recovery checkpoint embedded in the aggregate.
type RecoverySnapshot struct {
	Phase         string    `json:"phase"`
	WorkspacePath string    `json:"workspace_path"`
	SavedAt       time.Time `json:"saved_at"`
}

// Epic is a planned unit of work bound to exactly one repository, with an
// explicit file-touch footprint and an execution order. Epics sharing an
// execution order must have disjoint footprints.
type Epic struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	RepositoryID   string   `json:"repository_id"`
	FilesToModify  []string `json:"files_to_modify,omitempty"`
	FilesToCreate  []string `json:"files_to_create,omitempty"`
	FilesToRead    []string `json:"files_to_read,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	ExecutionOrder int      `json:"execution_order"`
	BranchName     string   `json:"branch_name,omitempty"`
}

// FileFootprint returns the write footprint of an epic: files it will modify
// or create. Read-only files do not conflict.
func (e *Epic) FileFootprint() map[string]bool {
	fp := make(map[string]bool, len(e.FilesToModify)+len(e.FilesToCreate))
	for _, f := range e.FilesToModify {
		fp[f] = true
	}
	for _, f := range e.FilesToCreate {
		fp[f] = true
	}
	return fp
}

// Story is a sub-unit of an epic assigned to one worker.
type Story struct {
	ID             string `json:"id"`
	EpicID         string `json:"epic_id"`
	Title          string `json:"title"`
	AssignedTo     string `json:"assigned_to,omitempty"`
	Status         string `json:"status"`
	ReviewScore    int    `json:"review_score,omitempty"`
	ReviewFeedback string `json:"review_feedback,omitempty"`
}

// Repository describes one source repository a task may touch. Category tags
// the content kind ("backend", "frontend", ...) used for epic enrichment.
type Repository struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Category      string `yaml:"category" json:"category"`
	URL           string `yaml:"url" json:"url"`
	DefaultBranch string `yaml:"default_branch" json:"default_branch"`
}

// Directive is a user instruction queued on a task, drained by the phase it
// targets.
type Directive struct {
	ID          string    `json:"id"`
	TargetPhase string    `json:"target_phase"`
	Text        string    `json:"text"`
	Consumed    bool      `json:"consumed"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogEntry is one line in a task's bounded log or activity feed.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
}

// EnsureDefaults fills missing optional sub-structures so callers never hit a
// nil map. Reads from storage always pass through here.
func (o *Orchestration) EnsureDefaults() {
	if o.Phases == nil {
		o.Phases = make(map[string]*PhaseStep)
	}
	for _, name := range PhaseOrder {
		if o.Phases[name] == nil {
			o.Phases[name] = &PhaseStep{Status: StepNotStarted}
		}
	}
}

// Step returns the step record for a phase, creating it if absent.
func (o *Orchestration) Step(phase string) *PhaseStep {
	o.EnsureDefaults()
	return o.Phases[phase]
}

// Terminal reports whether a task status is terminal.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
