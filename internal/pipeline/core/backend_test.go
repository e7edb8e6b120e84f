package core_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"lprpipeline/internal/pipeline/core"
)

type stubBackend struct {
	ready      chan struct{}
	warmupErr  error
	mu         sync.Mutex
	calls      []string
	results    map[string][]core.Detection
	failures   map[string]error
	attrErr    error
	inferDelay time.Duration
	callCount  map[string]int
	onInfer    func(key string)
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		ready:     make(chan struct{}),
		results:   map[string][]core.Detection{},
		failures:  map[string]error{},
		callCount: map[string]int{},
	}
}

func (b *stubBackend) Warmup(ctx context.Context) error {
	select {
	case <-b.ready:
		return b.warmupErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *stubBackend) Infer(ctx context.Context, payload []byte) ([]core.Detection, error) {
	key := string(payload)
	b.mu.Lock()
	b.calls = append(b.calls, key)
	b.callCount[key]++
	delay := b.inferDelay
	result := b.results[key]
	failure := b.failures[key]
	hook := b.onInfer
	b.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if failure != nil {
		return nil, failure
	}
	return result, nil
}

func (b *stubBackend) ExtractAttributes(ctx context.Context, payload []byte) (*core.VehicleAttributes, error) {
	if b.attrErr != nil {
		return nil, b.attrErr
	}
	return &core.VehicleAttributes{Make: "Toyota", Color: "Blue", Type: "Sedan"}, nil
}

func (b *stubBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *stubBackend) CallCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount[key]
}

var errStubFailure = errors.New("model rejected frame")
