// Package pipeline implements the generation stages and the ordered stage
// table the workflow iterates.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"scriptforge/backend/internal/services"
	"scriptforge/backend/pkg/models"
)

// Progress percent recorded when each stage starts.
const (
	PercentInitializing = 0
	PercentAnalyzing    = 10
	PercentResearch     = 20
	PercentGenerating   = 50
	PercentValidating   = 75
	PercentEnriching    = 90
	PercentCompleted    = 100
)

// Runner executes one stage. It receives its own copy of the context and
// returns the updated copy. Running it again on the same input must produce
// an equivalent result: a stage replaces the fields it owns and never
// appends to them.
type Runner interface {
	Run(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error)

func (f RunnerFunc) Run(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error) {
	return f(ctx, wc)
}

// Stage describes one entry of the stage table.
type Stage struct {
	Name    models.Stage
	Percent int
	Message string
	Runner  Runner
	// Enabled decides whether the stage runs for a request. Nil means always.
	Enabled func(req models.GenerationRequest) bool
}

// IsEnabled reports whether the stage should run for req.
func (s Stage) IsEnabled(req models.GenerationRequest) bool {
	return s.Enabled == nil || s.Enabled(req)
}

// Execute runs the stage on a clone of wc and classifies any failure.
func (s Stage) Execute(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error) {
	out, err := s.Runner.Run(ctx, wc.Clone())
	if err != nil {
		return wc, Classify(s.Name, err)
	}
	return out, nil
}

// StageError is a classified stage failure.
type StageError struct {
	Stage     models.Stage
	Kind      services.Kind
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %s", e.Stage, services.MessageOf(e.Err))
}

func (e *StageError) Unwrap() error { return e.Err }

// Reason is the human-readable failure text shown to polling clients.
func (e *StageError) Reason() string {
	msg := services.MessageOf(e.Err)
	if msg == "internal error" {
		msg = "unexpected error"
	}
	return fmt.Sprintf("%s failed: %s", e.Stage, msg)
}

// Classify wraps err as a StageError. Upstream unavailability is retryable;
// context cancellation and everything else is not.
func Classify(stage models.Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	kind := services.KindOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &StageError{Stage: stage, Kind: services.KindStage, Retryable: false, Err: err}
	}
	if kind == services.KindInternal {
		kind = services.KindStage
	}
	return &StageError{
		Stage:     stage,
		Kind:      kind,
		Retryable: kind == services.KindUpstreamUnavailable,
		Err:       err,
	}
}

// reject builds a non-retryable failure with a user-facing reason.
func reject(stage models.Stage, format string, args ...any) *StageError {
	return &StageError{
		Stage: stage,
		Kind:  services.KindStage,
		Err:   &services.Error{Kind: services.KindStage, Op: string(stage), Message: fmt.Sprintf(format, args...)},
	}
}

// transient builds a retryable failure.
func transient(stage models.Stage, format string, args ...any) *StageError {
	return &StageError{
		Stage:     stage,
		Kind:      services.KindUpstreamUnavailable,
		Retryable: true,
		Err:       services.UpstreamUnavailable(string(stage), nil, format, args...),
	}
}
