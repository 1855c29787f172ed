package core

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TraceContext carries the identifiers needed to correlate a log line with
// a distributed trace. It is deliberately a plain struct (not an otel type)
// so the Logger interface in this package never has to import span
// internals.
type TraceContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// TraceContextFromContext extracts TraceContext from ctx, returning the
// zero value if ctx carries no valid span.
func TraceContextFromContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}
