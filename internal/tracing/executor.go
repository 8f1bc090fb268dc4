package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const executorTracerName = "agor-executor"

func executorTracer() trace.Tracer {
	return Tracer(executorTracerName)
}

// TraceExecutorSpawn creates a span for spawning an executor process.
func TraceExecutorSpawn(ctx context.Context, sessionID string, tool string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("agentic_tool", tool),
	)
	return ctx, span
}

// TraceExecutorSpawnResult records the spawn outcome on its span.
func TraceExecutorSpawnResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TracePromptRun creates a span covering one execute_prompt round trip.
func TracePromptRun(ctx context.Context, sessionID, taskID string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor.execute_prompt",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("task_id", taskID),
	)
	return ctx, span
}

// TracePromptResult records the terminal status of a prompt run.
func TracePromptResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceExecutorShutdown creates a span for executor shutdown.
func TraceExecutorShutdown(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor.shutdown",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("session_id", sessionID))
	return ctx, span
}
