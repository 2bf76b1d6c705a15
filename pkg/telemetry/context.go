package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/rpmtools/pkg/progress"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops events then tracing. Metrics need no shutdown.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Operation instruments one package operation: a span, a tagged logger,
// metrics and lifecycle events.
type Operation struct {
	ID     string
	Name   string
	Mode   string
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	tel *Telemetry
}

// StartOperation begins an instrumented operation. Without a Telemetry in ctx
// it still returns a usable Operation with a no-op span.
func StartOperation(ctx context.Context, name string, targets []string, apply bool) *Operation {
	op := &Operation{
		ID:    uuid.New().String(),
		Name:  name,
		Mode:  Mode(apply),
		Timer: NewTimer(),
	}

	spanCtx, span := StartOperationSpan(ctx, name, targets, apply)
	span.SetAttributes(AttrOperationID.String(op.ID))
	op.Span = span

	logger := FromContext(ctx).WithOperationID(op.ID).WithOperation(name, targets)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}
	op.Logger = logger
	op.Ctx = logger.WithContext(spanCtx)

	if tel := FromTelemetryContext(ctx); tel != nil {
		op.tel = tel
		tel.Metrics.RecordOperationStarted(name, op.Mode)
		if err := tel.Events.PublishOperationStarted(op.ID, name, targets, apply); err != nil {
			logger.WithError(err).Warn("failed to publish operation start")
		}
	}

	return op
}

// Progress returns a progress.Publisher that forwards snapshots of this
// operation to the event publisher, or nil without telemetry.
func (op *Operation) Progress() progress.Publisher {
	if op.tel == nil {
		return nil
	}
	return op.tel.Events.ProgressPublisher(op.ID)
}

// RecordSummary counts the packages of a finished transaction.
func (op *Operation) RecordSummary(resolved, deps, failed int) {
	op.Span.SetAttributes(AttrResolved.Int(resolved), AttrFailed.Int(failed))
	if op.tel == nil {
		return
	}
	op.tel.Metrics.RecordPackages(op.Name, "resolved", resolved)
	op.tel.Metrics.RecordPackages(op.Name, "deps", deps)
	op.tel.Metrics.RecordPackages(op.Name, "failed", failed)
}

// RecordSteps counts the final status of every step in snapshot.
func (op *Operation) RecordSteps(snapshot progress.Snapshot) {
	for _, step := range snapshot.Steps {
		AddStepEvent(op.Span, step.Name, step.Status.String())
		if op.tel != nil {
			op.tel.Metrics.RecordStep(step.Status.String())
		}
	}
}

// End finishes the operation. errorClass labels the error metric when err
// is non-nil.
func (op *Operation) End(err error, errorClass string) {
	duration := op.Timer.Duration()
	status := "success"
	if err != nil {
		status = "failed"
		RecordError(op.Span, err)
		op.Span.SetAttributes(AttrErrorClass.String(errorClass))
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()

	if op.tel == nil {
		return
	}
	op.tel.Metrics.RecordOperation(op.Name, op.Mode, status, duration)

	var perr error
	if err != nil {
		op.tel.Metrics.RecordError(errorClass)
		perr = op.tel.Events.PublishOperationFailed(op.ID, op.Name, err.Error())
	} else {
		perr = op.tel.Events.PublishOperationCompleted(op.ID, op.Name, duration)
	}
	if perr != nil {
		op.Logger.WithError(perr).Warn("failed to publish operation result")
	}
}
