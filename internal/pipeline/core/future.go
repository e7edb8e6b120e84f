// Package core provides settle-once inference futures.
package core

import (
	"context"
	"sync"
)

// InferenceResult is the outcome of a processed inference request.
type InferenceResult struct {
	Detections []Detection        `json:"detections"`
	Vehicle    *VehicleAttributes `json:"vehicle,omitempty"`
	VehicleErr error              `json:"-"`
}

// Future is resolved exactly once with a result or an error.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result *InferenceResult
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve settles the future and reports whether this call won.
func (f *Future) resolve(result *InferenceResult, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is done. Abandoning the wait
// does not cancel the underlying work.
func (f *Future) Await(ctx context.Context) (*InferenceResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until the future settles.
func (f *Future) Result() (*InferenceResult, error) {
	<-f.done
	return f.result, f.err
}
