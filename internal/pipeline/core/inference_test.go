package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lprpipeline/internal/pipeline/core"
)

func newTestQueue(t *testing.T, backend core.Backend, opts core.InferenceQueueOptions) *core.InferenceQueue {
	t.Helper()
	queue, err := core.NewInferenceQueue(backend, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(queue.Close)
	return queue
}

func awaitFuture(t *testing.T, future *core.Future) (*core.InferenceResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return future.Await(ctx)
}

func TestInferenceQueue_ColdBufferScenario(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.results["P2"] = []core.Detection{{Plate: "ABC-1234", Confidence: 0.91}}
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())

	futures := []*core.Future{
		queue.Submit([]byte("P1")),
		queue.Submit([]byte("P2")),
		queue.Submit([]byte("P3")),
	}
	status := queue.Status()
	if status.State != core.QueueCold || status.QueueLength != 3 {
		t.Fatalf("expected 3 buffered while cold, got %#v", status)
	}
	if len(backend.Calls()) != 0 {
		t.Fatalf("expected no backend calls before ready")
	}

	var unsettled []string
	backend.onInfer = func(key string) {
		index := map[string]int{"P1": 0, "P2": 1, "P3": 2}[key]
		for i := 0; i < index; i++ {
			select {
			case <-futures[i].Done():
			default:
				unsettled = append(unsettled, fmt.Sprintf("P%d before %s", i+1, key))
			}
		}
	}
	close(backend.ready)

	first, err := awaitFuture(t, futures[0])
	if err != nil || len(first.Detections) != 0 {
		t.Fatalf("expected P1 empty, got %#v %v", first, err)
	}
	second, err := awaitFuture(t, futures[1])
	if err != nil || len(second.Detections) != 1 || second.Detections[0].Plate != "ABC-1234" || second.Detections[0].Confidence != 0.91 {
		t.Fatalf("unexpected P2 result: %#v %v", second, err)
	}
	if second.Vehicle == nil || second.Vehicle.Make != "Toyota" {
		t.Fatalf("expected vehicle attributes for P2, got %#v", second.Vehicle)
	}
	third, err := awaitFuture(t, futures[2])
	if err != nil || len(third.Detections) != 0 || third.Vehicle != nil {
		t.Fatalf("expected P3 empty, got %#v %v", third, err)
	}

	if calls := backend.Calls(); fmt.Sprint(calls) != "[P1 P2 P3]" {
		t.Fatalf("expected backend order P1 P2 P3 got %v", calls)
	}
	if len(unsettled) != 0 {
		t.Fatalf("expected each request settled before the next started: %v", unsettled)
	}
}

func TestInferenceQueue_FIFOUnderConcurrentSubmits(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.inferDelay = time.Millisecond
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())

	var cold []*core.Future
	for i := 0; i < 20; i++ {
		cold = append(cold, queue.Submit([]byte(fmt.Sprintf("cold-%02d", i))))
	}
	close(backend.ready)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var late []*core.Future
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := queue.Submit([]byte(fmt.Sprintf("late-%02d", i)))
			mu.Lock()
			late = append(late, f)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, f := range append(cold, late...) {
		if _, err := awaitFuture(t, f); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	calls := backend.Calls()
	for i := 0; i < 20; i++ {
		if want := fmt.Sprintf("cold-%02d", i); calls[i] != want {
			t.Fatalf("expected call %d to be %s got %s", i, want, calls[i])
		}
	}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("late-%02d", i)
		if backend.CallCount(key) != 1 {
			t.Fatalf("expected %s processed once, got %d", key, backend.CallCount(key))
		}
	}
	status := queue.Status()
	if status.Processed != 40 || status.QueueLength != 0 || status.Draining {
		t.Fatalf("unexpected status after drain: %#v", status)
	}
}

func TestInferenceQueue_FailureIsolatedToRequest(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.failures["bad"] = errStubFailure
	backend.results["good"] = []core.Detection{{Plate: "XYZ-9876", Confidence: 0.8}}
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())

	bad := queue.Submit([]byte("bad"))
	good := queue.Submit([]byte("good"))
	close(backend.ready)

	if _, err := awaitFuture(t, bad); !errors.Is(err, core.ErrProcessing) || !errors.Is(err, errStubFailure) {
		t.Fatalf("expected processing error, got %v", err)
	}
	result, err := awaitFuture(t, good)
	if err != nil || len(result.Detections) != 1 {
		t.Fatalf("expected sibling to succeed, got %#v %v", result, err)
	}
	if status := queue.Status(); status.Failed != 1 || status.Processed != 1 {
		t.Fatalf("unexpected counters: %#v", status)
	}
}

func TestInferenceQueue_AttributeFailureKeepsDetections(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.attrErr = errors.New("classifier offline")
	backend.results["frame"] = []core.Detection{{Plate: "ABC-1234", Confidence: 0.95}}
	close(backend.ready)
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())
	waitReady(t, queue)

	result, err := awaitFuture(t, queue.Submit([]byte("frame")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Detections) != 1 || result.Vehicle != nil || result.VehicleErr == nil {
		t.Fatalf("expected detections with vehicle error, got %#v", result)
	}
}

func TestInferenceQueue_ReadySubmitSettlesSynchronously(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	close(backend.ready)
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())
	waitReady(t, queue)

	future := queue.Submit([]byte("direct"))
	select {
	case <-future.Done():
	default:
		t.Fatalf("expected settled future on direct dispatch")
	}
}

func TestInferenceQueue_TimeoutDoesNotHang(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.inferDelay = 200 * time.Millisecond
	close(backend.ready)
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{InferenceTimeout: 20 * time.Millisecond})
	queue.Start(context.Background())
	waitReady(t, queue)

	start := time.Now()
	_, err := awaitFuture(t, queue.Submit([]byte("slow")))
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("expected timeout near 20ms, took %s", elapsed)
	}
}

func TestInferenceQueue_AbandonedAwaitStillCompletes(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())
	future := queue.Submit([]byte("orphan"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := future.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled await, got %v", err)
	}
	close(backend.ready)
	if _, err := awaitFuture(t, future); err != nil {
		t.Fatalf("expected work to complete, got %v", err)
	}
	if backend.CallCount("orphan") != 1 {
		t.Fatalf("expected backend call for abandoned request")
	}
}

func TestInferenceQueue_WarmupFailureFailsPending(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.warmupErr = errors.New("weights missing")
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())
	pending := queue.Submit([]byte("p"))
	close(backend.ready)

	if _, err := awaitFuture(t, pending); !errors.Is(err, core.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if _, err := awaitFuture(t, queue.Submit([]byte("later"))); core.CodeOf(err) != core.CodeBackendUnavailable {
		t.Fatalf("expected later submit to fail fast, got %v", err)
	}
	if queue.Status().State != core.QueueFailed {
		t.Fatalf("expected failed state")
	}
	if len(backend.Calls()) != 0 {
		t.Fatalf("expected no inference calls after failed warm-up")
	}
}

func TestInferenceQueue_CloseRejectsBuffered(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())
	buffered := queue.Submit([]byte("b"))
	queue.Close()

	if _, err := awaitFuture(t, buffered); !errors.Is(err, core.ErrQueueClosed) {
		t.Fatalf("expected queue closed, got %v", err)
	}
	if _, err := awaitFuture(t, queue.Submit([]byte("c"))); !errors.Is(err, core.ErrQueueClosed) {
		t.Fatalf("expected closed submit, got %v", err)
	}
	close(backend.ready)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queue.Wait(ctx); err != nil {
		t.Fatalf("expected warm-up goroutine to exit: %v", err)
	}
	if len(backend.Calls()) != 0 {
		t.Fatalf("expected no backend calls after close")
	}
}

func waitReady(t *testing.T, queue *core.InferenceQueue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !queue.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("queue never became ready")
		}
		time.Sleep(time.Millisecond)
	}
}
