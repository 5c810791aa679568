package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pipeline"

// StartPlanSpan starts a span for planning a protocol run.
func StartPlanSpan(ctx context.Context, protocolRunID int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "protocol.plan",
		trace.WithAttributes(
			attribute.Int64("protocol_run.id", protocolRunID),
		),
	)
}

// StartStepSpan starts a span for executing one step.
func StartStepSpan(ctx context.Context, protocolRunID, stepRunID int64, stepName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step.execute",
		trace.WithAttributes(
			attribute.Int64("protocol_run.id", protocolRunID),
			attribute.Int64("step_run.id", stepRunID),
			attribute.String("step.name", stepName),
		),
	)
}

// StartQASpan starts a span for the quality gate on one step.
func StartQASpan(ctx context.Context, protocolRunID, stepRunID int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step.qa",
		trace.WithAttributes(
			attribute.Int64("protocol_run.id", protocolRunID),
			attribute.Int64("step_run.id", stepRunID),
		),
	)
}

// StartEngineSpan starts a span for one engine CLI invocation.
func StartEngineSpan(ctx context.Context, engineID, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "engine.invoke",
		trace.WithAttributes(
			attribute.String("engine.id", engineID),
			attribute.String("engine.model", model),
		),
	)
}
