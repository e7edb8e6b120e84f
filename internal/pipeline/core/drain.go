// Package core tracks pipeline work so shutdown can drain it.
package core

import (
	"context"
	"sync"
)

// WorkKind classifies tracked pipeline work.
type WorkKind int

const (
	// WorkFrame is a frame waiting on inference for a caller.
	WorkFrame WorkKind = iota

	// WorkDetection is a structured detection being broadcast and alerted.
	WorkDetection

	// WorkDeferred is a frame whose caller stopped waiting; its detections are
	// handled once inference settles.
	WorkDeferred

	workKinds
)

func (k WorkKind) String() string {
	switch k {
	case WorkFrame:
		return "frame"
	case WorkDetection:
		return "detection"
	case WorkDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// WorkStats counts pipeline work still in progress.
type WorkStats struct {
	Frames     int64 `json:"frames"`
	Detections int64 `json:"detections"`
	Deferred   int64 `json:"deferred"`
	Draining   bool  `json:"draining"`
}

// InFlight tracks frames, detections and deferred frames. Once closed it
// refuses new work and Wait returns when the last unit ends.
type InFlight struct {
	mu      sync.Mutex
	counts  [workKinds]int64
	total   int64
	closed  bool
	drained chan struct{}
}

// NewInFlight constructs an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{drained: make(chan struct{})}
}

// Begin registers one unit of work. It fails once Close was called.
func (f *InFlight) Begin(kind WorkKind) bool {
	if f == nil || kind < 0 || kind >= workKinds {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.counts[kind]++
	f.total++
	return true
}

// Handoff converts a unit the caller holds from one kind to another. It
// succeeds while draining because the held unit keeps the tracker open.
func (f *InFlight) Handoff(from, to WorkKind) {
	if f == nil || from < 0 || from >= workKinds || to < 0 || to >= workKinds {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[from] == 0 {
		return
	}
	f.counts[from]--
	f.counts[to]++
}

// End marks a unit of work as complete.
func (f *InFlight) End(kind WorkKind) {
	if f == nil || kind < 0 || kind >= workKinds {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[kind] == 0 {
		return
	}
	f.counts[kind]--
	f.total--
	if f.total == 0 && f.closed {
		close(f.drained)
	}
}

// Count returns the number of units in flight across kinds.
func (f *InFlight) Count() int64 {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// Stats returns per-kind counts.
func (f *InFlight) Stats() WorkStats {
	if f == nil {
		return WorkStats{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return WorkStats{
		Frames:     f.counts[WorkFrame],
		Detections: f.counts[WorkDetection],
		Deferred:   f.counts[WorkDeferred],
		Draining:   f.closed,
	}
}

// Close refuses new work.
func (f *InFlight) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.total == 0 {
		close(f.drained)
	}
}

// Wait blocks until closed and drained, or until ctx is done.
func (f *InFlight) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
