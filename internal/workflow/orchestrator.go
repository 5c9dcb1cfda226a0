// Package workflow runs generation requests through the stage table in the
// background and reports their progress.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"scriptforge/backend/internal/logging"
	"scriptforge/backend/internal/pipeline"
	"scriptforge/backend/internal/progress"
	"scriptforge/backend/internal/repository"
	"scriptforge/backend/internal/services"
	"scriptforge/backend/pkg/models"
)

const (
	MaxTopicLength   = 500
	MaxTargetWords   = 5000
	maxChannelField  = 200
	maxFormatLength  = 50
	terminalWriteTTL = 10 * time.Second
)

// Config bounds retries and run duration.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RunTimeout     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		RunTimeout:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	return c
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Tracker  progress.Tracker
	Runs     repository.RunStore
	Versions *services.VersionService
	Stages   []pipeline.Stage
	Logger   *logging.Logger
	Metrics  *Metrics
}

// Orchestrator starts workflow runs and drives each one through the stage
// table on its own goroutine.
type Orchestrator struct {
	tracker  progress.Tracker
	runs     repository.RunStore
	versions *services.VersionService
	stages   []pipeline.Stage
	log      *logging.Logger
	metrics  *Metrics
	cfg      Config
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		tracker:  deps.Tracker,
		runs:     deps.Runs,
		versions: deps.Versions,
		stages:   deps.Stages,
		log:      log,
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Start validates the request, registers a run at 0% and schedules it. It
// returns the session id before any stage runs; the run does not inherit
// ctx's cancellation.
func (o *Orchestrator) Start(ctx context.Context, ownerID string, req models.GenerationRequest) (string, error) {
	const op = "start workflow"
	if ownerID == "" {
		return "", services.Unauthenticated(op)
	}
	req = trimRequest(req)
	if err := validateRequest(op, req); err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", services.UpstreamUnavailable(op, nil, "the workflow service is shutting down")
	}
	o.wg.Add(1)
	o.mu.Unlock()

	now := o.now()
	run := &models.WorkflowRun{
		SessionID: uuid.NewString(),
		OwnerID:   ownerID,
		Stage:     models.StageInitializing,
		Progress:  pipeline.PercentInitializing,
		Message:   "Initializing...",
		Context:   models.WorkflowContext{Request: req},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		o.wg.Done()
		return "", services.Internal(op, err)
	}
	o.publish(ctx, run)

	o.log.Info("workflow started", "session_id", run.SessionID, "owner_id", ownerID)
	go o.execute(run)
	return run.SessionID, nil
}

// Progress returns the latest record for sessionID. A missing record, or one
// owned by another user, yields the default Initializing record.
func (o *Orchestrator) Progress(ctx context.Context, sessionID, requesterID string) (models.ProgressRecord, error) {
	if requesterID == "" {
		return models.ProgressRecord{}, services.Unauthenticated("workflow progress")
	}
	rec, found, err := o.tracker.Get(ctx, sessionID)
	if err != nil {
		o.log.Warn("progress lookup failed", "session_id", sessionID, "error", err)
	}
	if err != nil || !found || rec.OwnerID != requesterID {
		return models.DefaultProgress(sessionID), nil
	}
	return rec, nil
}

// Resume returns the current view of a run without restarting it. The live
// tracker record wins over the persisted run when it is further along.
func (o *Orchestrator) Resume(ctx context.Context, sessionID, requesterID string) (*models.WorkflowRun, error) {
	const op = "resume workflow"
	if requesterID == "" {
		return nil, services.Unauthenticated(op)
	}
	run, err := o.runs.GetRun(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, services.NotFound(op, "workflow not found")
	}
	if err != nil {
		return nil, services.Internal(op, err)
	}
	if !services.CanAccessRun(run, requesterID) {
		return nil, services.NotFound(op, "workflow not found")
	}

	rec, found, err := o.tracker.Get(ctx, sessionID)
	if err == nil && found && newer(rec, run) {
		run.Stage = rec.Stage
		run.Progress = rec.Progress
		run.Message = rec.Message
		run.ScriptID = rec.ScriptID
		run.Error = rec.Error
		run.UpdatedAt = rec.UpdatedAt
	}
	return run, nil
}

// List returns the requester's runs, newest first.
func (o *Orchestrator) List(ctx context.Context, requesterID string, limit int) ([]models.WorkflowRun, error) {
	const op = "list workflows"
	if requesterID == "" {
		return nil, services.Unauthenticated(op)
	}
	runs, err := o.runs.ListRunsByOwner(ctx, requesterID, services.ClampLimit(limit))
	if err != nil {
		return nil, services.Internal(op, err)
	}
	return runs, nil
}

// Wait blocks until every started run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx ends
// first the remaining runs are cancelled and recorded as Failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(run *models.WorkflowRun) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.RunTimeout)
	defer cancel()
	log := o.log.With("session_id", run.SessionID)

	err := o.run(ctx, run, log)
	if err == nil {
		o.metrics.runFinished(ctx, models.StageCompleted)
		log.Info("workflow completed", "script_id", run.ScriptID)
		return
	}

	reason := o.failureReason(ctx, err)
	wctx, wcancel := terminalContext(ctx)
	defer wcancel()
	run.Error = reason
	o.advance(wctx, run, models.StageFailed, run.Progress, reason)
	o.metrics.runFinished(wctx, models.StageFailed)
	log.Warn("workflow failed", "reason", reason, "error", err)
}

func (o *Orchestrator) run(ctx context.Context, run *models.WorkflowRun, log *logging.Logger) error {
	o.advance(ctx, run, models.StageAnalyzing, pipeline.PercentAnalyzing, "Analyzing the request...")
	run.Context.Request = analyze(run.Context.Request)

	for _, stage := range o.stages {
		if !stage.IsEnabled(run.Context.Request) {
			log.Debug("stage skipped", "stage", stage.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		o.advance(ctx, run, stage.Name, stage.Percent, stage.Message)
		wc, err := o.runStage(ctx, run, stage, log)
		if err != nil {
			return err
		}
		run.Context = wc
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	script, _, err := o.versions.CreateScript(ctx, run.OwnerID, scriptInput(run.Context))
	if err != nil {
		return &failure{reason: "Saving the script failed: " + services.MessageOf(err), err: err}
	}

	wctx, cancel := terminalContext(ctx)
	defer cancel()
	run.ScriptID = script.ID
	o.advance(wctx, run, models.StageCompleted, pipeline.PercentCompleted, "Script ready")
	return nil
}

// runStage executes one stage, retrying retryable failures with exponential
// backoff. Retry notices keep the stage's percent.
func (o *Orchestrator) runStage(ctx context.Context, run *models.WorkflowRun, stage pipeline.Stage, log *logging.Logger) (models.WorkflowContext, error) {
	var (
		out     models.WorkflowContext
		attempt int
	)
	operation := func() error {
		attempt++
		started := time.Now()
		wc, err := stage.Execute(ctx, run.Context)
		o.metrics.stageAttempt(ctx, stage.Name, err, time.Since(started))
		if err != nil {
			se := pipeline.Classify(stage.Name, err)
			if !se.Retryable || ctx.Err() != nil {
				return backoff.Permanent(se)
			}
			return se
		}
		out = wc
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.metrics.stageRetried(ctx, stage.Name)
		log.Warn("stage attempt failed, retrying", "stage", stage.Name, "attempt", attempt, "wait", wait, "error", err)
		o.advance(ctx, run, stage.Name, stage.Percent,
			fmt.Sprintf("%s (retrying, attempt %d of %d)", stage.Message, attempt+1, o.cfg.MaxAttempts))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(o.backOff(), uint64(o.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) && se.Retryable {
			return out, &failure{reason: fmt.Sprintf("%s (gave up after %d attempts)", se.Reason(), attempt), err: se}
		}
		return out, err
	}
	return out, nil
}

func (o *Orchestrator) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// advance moves the run to stage and publishes it. Percent never regresses.
// Both writes are best effort.
func (o *Orchestrator) advance(ctx context.Context, run *models.WorkflowRun, stage models.Stage, percent int, message string) {
	run.Stage = stage
	run.Progress = max(run.Progress, percent)
	run.Message = message
	run.UpdatedAt = o.now()

	if err := o.runs.SaveRun(ctx, run); err != nil {
		o.log.Warn("persisting run failed", "session_id", run.SessionID, "stage", stage, "error", err)
	}
	o.publish(ctx, run)
}

func (o *Orchestrator) publish(ctx context.Context, run *models.WorkflowRun) {
	if err := o.tracker.Set(ctx, run.Record()); err != nil {
		o.log.Warn("progress update failed", "session_id", run.SessionID, "stage", run.Stage, "error", err)
	}
}

func (o *Orchestrator) failureReason(ctx context.Context, err error) string {
	var f *failure
	var se *pipeline.StageError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("Workflow timed out after %s", o.cfg.RunTimeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return "Workflow cancelled: the server is shutting down"
	case errors.As(err, &f):
		return f.reason
	case errors.As(err, &se):
		return se.Reason()
	default:
		return "Workflow failed: unexpected error"
	}
}

// failure carries the reason shown to pollers alongside the cause.
type failure struct {
	reason string
	err    error
}

func (f *failure) Error() string { return f.reason + ": " + f.err.Error() }

func (f *failure) Unwrap() error { return f.err }

// terminalContext detaches from the run's deadline so the final record is
// written even after a timeout or shutdown.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTTL)
}

// newer reports whether the tracker record is at least as far along as the
// persisted run.
func newer(rec models.ProgressRecord, run *models.WorkflowRun) bool {
	if run.Stage.Terminal() && !rec.Stage.Terminal() {
		return false
	}
	return rec.Progress > run.Progress || (rec.Progress == run.Progress && rec.UpdatedAt.After(run.UpdatedAt))
}

func trimRequest(req models.GenerationRequest) models.GenerationRequest {
	req.Topic = strings.TrimSpace(req.Topic)
	req.Format = strings.TrimSpace(req.Format)
	req.Channel.Name = strings.TrimSpace(req.Channel.Name)
	req.Channel.Audience = strings.TrimSpace(req.Channel.Audience)
	req.Channel.Tone = strings.TrimSpace(req.Channel.Tone)
	return req
}

func validateRequest(op string, req models.GenerationRequest) error {
	switch {
	case req.Topic == "":
		return services.Validation(op, "topic is required")
	case utf8.RuneCountInString(req.Topic) > MaxTopicLength:
		return services.Validation(op, "topic must be at most %d characters", MaxTopicLength)
	case req.TargetWords < 0 || req.TargetWords > MaxTargetWords:
		return services.Validation(op, "target_words must be between 0 and %d", MaxTargetWords)
	case utf8.RuneCountInString(req.Format) > maxFormatLength:
		return services.Validation(op, "format must be at most %d characters", maxFormatLength)
	}
	for name, v := range map[string]string{
		"channel.name":     req.Channel.Name,
		"channel.audience": req.Channel.Audience,
		"channel.tone":     req.Channel.Tone,
	} {
		if utf8.RuneCountInString(v) > maxChannelField {
			return services.Validation(op, "%s must be at most %d characters", name, maxChannelField)
		}
	}
	return nil
}

// analyze normalises the request before the first stage sees it.
func analyze(req models.GenerationRequest) models.GenerationRequest {
	req.Topic = strings.Join(strings.Fields(req.Topic), " ")
	req.Format = strings.ToLower(req.Format)
	return req
}

func scriptInput(wc models.WorkflowContext) services.VersionInput {
	return services.VersionInput{
		Title:         wc.Draft.Title,
		Content:       wc.Draft.Content,
		Hook:          wc.Draft.Hook,
		Description:   wc.Draft.Description,
		Tags:          wc.Tags,
		ChangeSummary: "Generated from workflow",
	}
}
