package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/workflowcore/internal/tracing"
)

// fallbackTracer stands in for an Orchestrator constructed without
// WithTracer, so every span call site below can call o.tracerOrFallback() unconditionally.
var fallbackTracer = noop.NewTracerProvider().Tracer("workflowcore/orchestrator")

func (o *Orchestrator) tracerOrFallback() trace.Tracer {
	if o.tracer != nil {
		return o.tracer
	}
	return fallbackTracer
}

// startSpan opens a span named prefix+kind, tagging it with workflow.id so
// admission, supervisor, and repository spans for the same workflow
// correlate under a trace viewer's service view.
func (o *Orchestrator) startSpan(ctx context.Context, prefix, kind, workflowID string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{attribute.String(tracing.AttrWorkflowID, workflowID)}, extra...)
	return o.tracerOrFallback().Start(ctx, prefix+kind, trace.WithAttributes(attrs...))
}

// endSpan records err on the span, if any, before ending it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// withRepoSpan wraps a single repository call in a span named repo.<op>,
// recording the error (if any) on the span.
func (o *Orchestrator) withRepoSpan(ctx context.Context, op, workflowID string, fn func() error) error {
	return o.withRepoSpanAttrs(ctx, op, workflowID, nil, fn)
}

// withRepoSpanAttrs is withRepoSpan with extra span attributes, used by
// status-write call sites to record the transition endpoints.
func (o *Orchestrator) withRepoSpanAttrs(ctx context.Context, op, workflowID string, attrs []attribute.KeyValue, fn func() error) error {
	_, span := o.startSpan(ctx, tracing.SpanPrefixRepo, op, workflowID, attrs...)
	err := fn()
	endSpan(span, err)
	return err
}
