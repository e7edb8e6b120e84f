// Package observability defines logging, tracing and metrics interfaces.
package observability

import (
	"context"
	"time"
)

// Logger provides structured logging hooks.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// Span captures tracing span operations.
type Span interface {
	SetAttribute(key, value string)
	RecordError(err error)
	End()
}

// Tracer is an optional tracing dependency.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Sampler decides whether a request id is traced.
type Sampler interface {
	Sampled(id string) bool
}

// Metrics records pipeline measurements.
type Metrics interface {
	IncInference(result string)
	IncBroadcast(event string, result string)
	IncNotification(provider string, outcome string)
	IncRateLimit(policy string, result string)
	IncRequest(transport string, route string, code string)
	ObserveLatency(op string, d time.Duration)
}
