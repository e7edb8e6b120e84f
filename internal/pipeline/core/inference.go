// Package core provides the cold-start inference queue.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lprpipeline/internal/pipeline/observability"
)

// Backend is the plate-recognition model behind the queue.
type Backend interface {
	Warmup(ctx context.Context) error
	Infer(ctx context.Context, payload []byte) ([]Detection, error)
	ExtractAttributes(ctx context.Context, payload []byte) (*VehicleAttributes, error)
}

// QueueState is the lifecycle state of the inference queue.
type QueueState string

const (
	QueueCold   QueueState = "cold"
	QueueReady  QueueState = "ready"
	QueueFailed QueueState = "failed"
	QueueClosed QueueState = "closed"
)

// InferenceQueueOptions configures timeouts and observability.
type InferenceQueueOptions struct {
	WarmupTimeout    time.Duration
	InferenceTimeout time.Duration
	Logger           observability.Logger
	Metrics          observability.Metrics
}

// QueueStatus is a point-in-time view of the queue.
type QueueStatus struct {
	State       QueueState `json:"state"`
	Ready       bool       `json:"ready"`
	QueueLength int        `json:"queueLength"`
	Draining    bool       `json:"draining"`
	Processed   int64      `json:"processed"`
	Failed      int64      `json:"failed"`
}

type inferenceRequest struct {
	payload    []byte
	future     *Future
	enqueuedAt time.Time
}

// InferenceQueue buffers requests until the backend is warm, then drains
// them in submission order before dispatching directly.
type InferenceQueue struct {
	backend Backend
	opts    InferenceQueueOptions

	mu       sync.Mutex
	state    QueueState
	buffer   []*inferenceRequest
	draining bool
	started  bool

	processed atomic.Int64
	failed    atomic.Int64
	wg        sync.WaitGroup
}

// NewInferenceQueue constructs a cold queue. Call Start to begin warm-up.
func NewInferenceQueue(backend Backend, opts InferenceQueueOptions) (*InferenceQueue, error) {
	if backend == nil {
		return nil, errors.New("inference backend is required")
	}
	if opts.WarmupTimeout <= 0 {
		opts.WarmupTimeout = 30 * time.Second
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = 5 * time.Second
	}
	return &InferenceQueue{backend: backend, opts: opts, state: QueueCold}, nil
}

// Start launches backend warm-up in the background. Later calls are no-ops.
func (q *InferenceQueue) Start(ctx context.Context) {
	if q == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.warmup(ctx)
	}()
}

// Submit enqueues payload and returns its future. Submit never waits for
// warm-up; once ready with nothing pending it processes in the calling
// goroutine and returns a settled future.
func (q *InferenceQueue) Submit(payload []byte) *Future {
	req := &inferenceRequest{payload: payload, future: newFuture(), enqueuedAt: time.Now()}
	if q == nil {
		req.future.resolve(nil, Wrap(CodeUnavailable, "inference queue unavailable", nil))
		return req.future
	}

	q.mu.Lock()
	switch q.state {
	case QueueClosed:
		q.mu.Unlock()
		q.reject(req, Wrap(CodeQueueClosed, "inference queue closed", nil))
		return req.future
	case QueueFailed:
		q.mu.Unlock()
		q.reject(req, Wrap(CodeBackendUnavailable, "inference backend unavailable", nil))
		return req.future
	case QueueReady:
		if len(q.buffer) == 0 && !q.draining {
			q.mu.Unlock()
			q.process(req)
			return req.future
		}
	}
	q.buffer = append(q.buffer, req)
	q.mu.Unlock()
	return req.future
}

// Ready reports whether the backend finished warm-up.
func (q *InferenceQueue) Ready() bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == QueueReady
}

// Status returns the current queue status.
func (q *InferenceQueue) Status() QueueStatus {
	if q == nil {
		return QueueStatus{State: QueueClosed}
	}
	q.mu.Lock()
	status := QueueStatus{
		State:       q.state,
		Ready:       q.state == QueueReady,
		QueueLength: len(q.buffer),
		Draining:    q.draining,
	}
	q.mu.Unlock()
	status.Processed = q.processed.Load()
	status.Failed = q.failed.Load()
	return status
}

// Close rejects buffered requests and refuses new ones. A request already
// handed to the backend still settles with its own outcome.
func (q *InferenceQueue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.state == QueueClosed {
		q.mu.Unlock()
		return
	}
	q.state = QueueClosed
	pending := q.buffer
	q.buffer = nil
	q.draining = false
	q.mu.Unlock()

	for _, req := range pending {
		q.reject(req, Wrap(CodeQueueClosed, "inference queue closed", nil))
	}
}

// Wait blocks until background warm-up and drain finish or ctx is done.
func (q *InferenceQueue) Wait(ctx context.Context) error {
	if q == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InferenceQueue) warmup(ctx context.Context) {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, q.opts.WarmupTimeout)
	defer cancel()
	_, err := callWithTimeout(wctx, func(c context.Context) (struct{}, error) {
		return struct{}{}, q.backend.Warmup(c)
	})

	q.mu.Lock()
	if q.state != QueueCold {
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.state = QueueFailed
		pending := q.buffer
		q.buffer = nil
		q.mu.Unlock()

		q.logError("warm-up failed", map[string]any{
			"error":    err.Error(),
			"buffered": len(pending),
		})
		for _, req := range pending {
			q.reject(req, Wrap(CodeBackendUnavailable, "inference backend failed to warm up", err))
		}
		return
	}
	q.state = QueueReady
	buffered := len(q.buffer)
	q.draining = buffered > 0
	q.mu.Unlock()

	q.logInfo("model ready", map[string]any{
		"warmup_ms": time.Since(start).Milliseconds(),
		"buffered":  buffered,
	})
	if buffered > 0 {
		q.drain()
	}
}

// drain processes buffered requests one at a time. The draining flag is
// cleared under the lock only when the buffer is observed empty.
func (q *InferenceQueue) drain() {
	for {
		q.mu.Lock()
		if q.state != QueueReady || len(q.buffer) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		req := q.buffer[0]
		q.buffer[0] = nil
		q.buffer = q.buffer[1:]
		q.mu.Unlock()

		q.process(req)
	}
}

func (q *InferenceQueue) process(req *inferenceRequest) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.InferenceTimeout)
	detections, err := callWithTimeout(ctx, func(c context.Context) ([]Detection, error) {
		return q.backend.Infer(c, req.payload)
	})
	cancel()
	if err != nil {
		classified := classifyBackendError(err, "inference")
		q.failed.Add(1)
		q.incMetric("failed")
		q.logError("request failed", map[string]any{
			"error":     classified.Error(),
			"code":      string(CodeOf(classified)),
			"queued_ms": start.Sub(req.enqueuedAt).Milliseconds(),
		})
		req.future.resolve(nil, classified)
		return
	}

	result := &InferenceResult{Detections: detections}
	if len(detections) > 0 {
		attrCtx, attrCancel := context.WithTimeout(context.Background(), q.opts.InferenceTimeout)
		vehicle, verr := callWithTimeout(attrCtx, func(c context.Context) (*VehicleAttributes, error) {
			return q.backend.ExtractAttributes(c, req.payload)
		})
		attrCancel()
		if verr != nil {
			result.VehicleErr = classifyBackendError(verr, "attribute extraction")
			q.logDebug("attribute extraction failed", map[string]any{"error": verr.Error()})
		} else {
			result.Vehicle = vehicle
		}
	}

	q.processed.Add(1)
	q.incMetric("processed")
	if q.opts.Metrics != nil {
		q.opts.Metrics.ObserveLatency("inference", time.Since(start))
	}
	req.future.resolve(result, nil)
}

func (q *InferenceQueue) reject(req *inferenceRequest, err error) {
	q.failed.Add(1)
	q.incMetric("rejected")
	req.future.resolve(nil, err)
}

func (q *InferenceQueue) incMetric(result string) {
	if q.opts.Metrics != nil {
		q.opts.Metrics.IncInference(result)
	}
}

func (q *InferenceQueue) logInfo(msg string, fields map[string]any) {
	if q.opts.Logger != nil {
		q.opts.Logger.Info(msg, fields)
	}
}

func (q *InferenceQueue) logDebug(msg string, fields map[string]any) {
	if q.opts.Logger != nil {
		q.opts.Logger.Debug(msg, fields)
	}
}

func (q *InferenceQueue) logError(msg string, fields map[string]any) {
	if q.opts.Logger != nil {
		q.opts.Logger.Error(msg, fields)
	}
}

func classifyBackendError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTimeout, op+" timed out", err)
	}
	return Wrap(CodeProcessingError, op+" failed", err)
}

// callWithTimeout runs fn in its own goroutine so a collaborator that
// ignores ctx cannot hold the caller past the deadline.
func callWithTimeout[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		value, err := fn(ctx)
		ch <- outcome{value: value, err: err}
	}()
	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
