package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// Detach returns a context that carries the logging, tracing and baggage
// state of base but none of its deadline or cancellation. Background session
// runs outlive the request that launched them and use it to keep the
// caller's log fields and trace parent.
func Detach(base context.Context) context.Context {
	ctx := context.Background()
	if base == nil {
		return ctx
	}
	ctx = log.WithContext(ctx, base)
	if bag := baggage.FromContext(base); bag.Len() > 0 {
		ctx = baggage.ContextWithBaggage(ctx, bag)
	}
	if spanCtx := trace.SpanContextFromContext(base); spanCtx.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, spanCtx)
	}
	return ctx
}
