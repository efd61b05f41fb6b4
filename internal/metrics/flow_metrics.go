package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("loan-flow-metrics")

// FlowMetrics provides metrics collection for loan application sessions.
// A nil *FlowMetrics records nothing.
type FlowMetrics struct {
	sessionsStartedCounter    metric.Int64Counter
	stepTransitionsCounter    metric.Int64Counter
	validationFailuresCounter metric.Int64Counter
	collaboratorErrorsCounter metric.Int64Counter
	applicationsClosedCounter metric.Int64Counter
	stageDurationHistogram    metric.Float64Histogram
	stagesInFlightGauge       metric.Int64UpDownCounter
}

// NewFlowMetrics creates a new loan flow metrics collector
func NewFlowMetrics() (*FlowMetrics, error) {
	sessionsStartedCounter, err := meter.Int64Counter(
		"loan_assistant.sessions.started",
		metric.WithDescription("Total number of loan application sessions started"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	stepTransitionsCounter, err := meter.Int64Counter(
		"loan_assistant.step.transitions",
		metric.WithDescription("Total number of conversation step transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	validationFailuresCounter, err := meter.Int64Counter(
		"loan_assistant.validation.failures",
		metric.WithDescription("Total number of rejected applicant inputs"),
		metric.WithUnit("{input}"),
	)
	if err != nil {
		return nil, err
	}

	collaboratorErrorsCounter, err := meter.Int64Counter(
		"loan_assistant.collaborator.errors",
		metric.WithDescription("Total number of failed calls to external collaborators"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	applicationsClosedCounter, err := meter.Int64Counter(
		"loan_assistant.applications.closed",
		metric.WithDescription("Total number of applications halted before completion"),
		metric.WithUnit("{application}"),
	)
	if err != nil {
		return nil, err
	}

	stageDurationHistogram, err := meter.Float64Histogram(
		"loan_assistant.stage.duration",
		metric.WithDescription("Duration of asynchronous stages in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stagesInFlightGauge, err := meter.Int64UpDownCounter(
		"loan_assistant.stages.in_flight",
		metric.WithDescription("Number of asynchronous stages currently awaiting a collaborator"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, err
	}

	return &FlowMetrics{
		sessionsStartedCounter:    sessionsStartedCounter,
		stepTransitionsCounter:    stepTransitionsCounter,
		validationFailuresCounter: validationFailuresCounter,
		collaboratorErrorsCounter: collaboratorErrorsCounter,
		applicationsClosedCounter: applicationsClosedCounter,
		stageDurationHistogram:    stageDurationHistogram,
		stagesInFlightGauge:       stagesInFlightGauge,
	}, nil
}

// RecordSessionStarted records a new session
func (fm *FlowMetrics) RecordSessionStarted(ctx context.Context, backendMode string) {
	if fm == nil {
		return
	}
	fm.sessionsStartedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("backend.mode", backendMode)),
	)
}

// RecordStepTransition records a move between two steps
func (fm *FlowMetrics) RecordStepTransition(ctx context.Context, from, to string) {
	if fm == nil {
		return
	}
	fm.stepTransitionsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("step.from", from),
			attribute.String("step.to", to),
		),
	)
}

// RecordValidationFailure records an input rejected at step
func (fm *FlowMetrics) RecordValidationFailure(ctx context.Context, step string) {
	if fm == nil {
		return
	}
	fm.validationFailuresCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("step", step)),
	)
}

// RecordApplicationClosed records an application halted with reason
func (fm *FlowMetrics) RecordApplicationClosed(ctx context.Context, reason string) {
	if fm == nil {
		return
	}
	fm.applicationsClosedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("close.reason", reason)),
	)
}

// StageStarted marks an asynchronous stage as in flight and returns a
// function that records its completion
func (fm *FlowMetrics) StageStarted(ctx context.Context, stage string) func(outcome string) {
	if fm == nil {
		return func(string) {}
	}
	start := time.Now()
	fm.stagesInFlightGauge.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
	return func(outcome string) {
		fm.RecordStageFinished(ctx, stage, outcome, time.Since(start))
	}
}

// RecordStageFinished records the completion of an asynchronous stage
func (fm *FlowMetrics) RecordStageFinished(ctx context.Context, stage, outcome string, duration time.Duration) {
	if fm == nil {
		return
	}
	fm.stageDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("outcome", outcome),
		),
	)
	fm.stagesInFlightGauge.Add(ctx, -1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
	if outcome == "error" {
		fm.collaboratorErrorsCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("stage", stage)),
		)
	}
}
