// Package observability provides tracing helpers.
package observability

import (
	"context"
	"hash/fnv"
)

// NoopTracer is a tracer that records nothing.
type NoopTracer struct{}

// NoopSpan is a span that records nothing.
type NoopSpan struct{}

// StartSpan starts a span that does nothing.
func (t NoopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, NoopSpan{}
}

// SetAttribute is a no-op.
func (s NoopSpan) SetAttribute(key, value string) {}

// RecordError is a no-op.
func (s NoopSpan) RecordError(err error) {}

// End is a no-op.
func (s NoopSpan) End() {}

// HashSampler picks one in rate request ids for verbose logging.
type HashSampler struct {
	rate int
}

// NewHashSampler returns a HashSampler with the provided rate.
func NewHashSampler(rate int) HashSampler {
	return HashSampler{rate: rate}
}

// Sampled reports whether the id falls in the sample.
func (s HashSampler) Sampled(id string) bool {
	if id == "" || s.rate <= 0 {
		return false
	}
	if s.rate == 1 {
		return true
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id))
	return int(hasher.Sum32()%uint32(s.rate)) == 0
}
