package query

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pkg/engine/query")

type tracedExecutor struct {
	name  string
	inner Executor
}

var _ Executor = (*tracedExecutor)(nil)

// Traced wraps an Executor to record each call to Execute with a span. Calls
// to Next are recorded as events rather than spans to keep traces small.
func Traced(resultSet string, inner Executor) Executor {
	return &tracedExecutor{name: resultSet, inner: inner}
}

func (e *tracedExecutor) Execute(ctx context.Context, refs map[string]any) (Status, error) {
	ctx, span := tracer.Start(ctx, "Executor.Execute", trace.WithAttributes(
		attribute.String("result_set", e.name),
		attribute.Int("num_refs", len(refs)),
	))
	defer span.End()

	status, err := e.inner.Execute(ctx, refs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return status, err
	}
	span.SetAttributes(attribute.Stringer("status", status))
	span.SetStatus(codes.Ok, "")
	return status, nil
}

func (e *tracedExecutor) Next(ctx context.Context) (Row, Status, error) {
	row, status, err := e.inner.Next(ctx)
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err, trace.WithAttributes(attribute.String("result_set", e.name)))
	} else if status != StatusReady {
		span.AddEvent("executor.next", trace.WithAttributes(
			attribute.String("result_set", e.name),
			attribute.Stringer("status", status),
		))
	}
	return row, status, err
}

func (e *tracedExecutor) Current() Row { return e.inner.Current() }
func (e *tracedExecutor) Columns() []string { return e.inner.Columns() }
func (e *tracedExecutor) Close() error { return e.inner.Close() }

// Ready forwards to the wrapped executor if it is a Notifier.
func (e *tracedExecutor) Ready() <-chan struct{} {
	if n, ok := e.inner.(Notifier); ok {
		return n.Ready()
	}
	return nil
}
