package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"scriptforge/backend/internal/services"
	"scriptforge/backend/pkg/models"
)

const meterName = "scriptforge/workflow"

// Metrics records run outcomes, stage latency and stage retries.
type Metrics struct {
	runs          metric.Int64Counter
	stageDuration metric.Float64Histogram
	retries       metric.Int64Counter
}

// NewMetrics registers the workflow instruments on meter. A nil meter uses
// the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	runs, err := meter.Int64Counter("workflow_runs_total",
		metric.WithDescription("Finished workflow runs by outcome"))
	if err != nil {
		return nil, err
	}
	stageDuration, err := meter.Float64Histogram("workflow_stage_duration_seconds",
		metric.WithDescription("Duration of a single stage attempt"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("workflow_stage_retries_total",
		metric.WithDescription("Stage attempts that were retried"))
	if err != nil {
		return nil, err
	}
	return &Metrics{runs: runs, stageDuration: stageDuration, retries: retries}, nil
}

func (m *Metrics) runFinished(ctx context.Context, stage models.Stage) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(stage))))
}

func (m *Metrics) stageAttempt(ctx context.Context, stage models.Stage, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(services.KindOf(err))
	}
	m.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) stageRetried(ctx context.Context, stage models.Stage) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
}
