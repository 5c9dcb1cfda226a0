package models

import (
	"slices"
	"time"
)

// Stage is the lifecycle position of a workflow run.
type Stage string

const (
	StageInitializing Stage = "Initializing"
	StageAnalyzing    Stage = "Analyzing"
	StageResearch     Stage = "Research"
	StageGenerating   Stage = "Generating"
	StageValidating   Stage = "Validating"
	StageEnriching    Stage = "Enriching"
	StageCompleted    Stage = "Completed"
	StageFailed       Stage = "Failed"
)

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Channel describes where the script will be published.
type Channel struct {
	Name     string `json:"name,omitempty"`
	Audience string `json:"audience,omitempty"`
	Tone     string `json:"tone,omitempty"`
}

// GenerationOptions toggles the optional pipeline stages.
type GenerationOptions struct {
	Research bool `json:"research"`
	Validate bool `json:"validate"`
	Enrich   bool `json:"enrich"`
}

// GenerationRequest is what a client submits to start a workflow run.
type GenerationRequest struct {
	Topic       string            `json:"topic"`
	Channel     Channel           `json:"channel"`
	Format      string            `json:"format,omitempty"`
	TargetWords int               `json:"target_words,omitempty"`
	Options     GenerationOptions `json:"options"`
}

// Draft is the artifact text under construction.
type Draft struct {
	Title       string `json:"title,omitempty"`
	Hook        string `json:"hook,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Annotation is a note left by the validation stage.
type Annotation struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// WorkflowContext is the data accumulated stage to stage.
type WorkflowContext struct {
	Request      GenerationRequest `json:"request"`
	Research     []string          `json:"research,omitempty"`
	Draft        Draft             `json:"draft"`
	Annotations  []Annotation      `json:"annotations,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	HookVariants []string          `json:"hook_variants,omitempty"`
}

// Clone returns a deep copy so a failed stage attempt cannot leak partial
// writes into the run's context.
func (c WorkflowContext) Clone() WorkflowContext {
	c.Research = slices.Clone(c.Research)
	c.Annotations = slices.Clone(c.Annotations)
	c.Tags = slices.Clone(c.Tags)
	c.HookVariants = slices.Clone(c.HookVariants)
	return c
}

// WorkflowRun is one execution of the generation pipeline.
type WorkflowRun struct {
	SessionID string          `json:"session_id" db:"session_id"`
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	Stage     Stage           `json:"stage" db:"stage"`
	Progress  int             `json:"progress" db:"progress"`
	Message   string          `json:"message" db:"message"`
	Context   WorkflowContext `json:"context" db:"context"`
	ScriptID  string          `json:"script_id,omitempty" db:"script_id"`
	Error     string          `json:"error,omitempty" db:"error"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Record projects the run onto the progress record polled by clients.
func (r *WorkflowRun) Record() ProgressRecord {
	return ProgressRecord{
		SessionID: r.SessionID,
		OwnerID:   r.OwnerID,
		Stage:     r.Stage,
		Message:   r.Message,
		Progress:  r.Progress,
		ScriptID:  r.ScriptID,
		Error:     r.Error,
		UpdatedAt: r.UpdatedAt,
	}
}

// ProgressRecord is the latest observable state of a run.
type ProgressRecord struct {
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"-"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Progress  int       `json:"progress"`
	ScriptID  string    `json:"script_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultProgress is what pollers see before a run registers or after its
// record has been evicted.
func DefaultProgress(sessionID string) ProgressRecord {
	return ProgressRecord{
		SessionID: sessionID,
		Stage:     StageInitializing,
		Message:   "Initializing...",
		Progress:  0,
	}
}
