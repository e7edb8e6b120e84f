package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"lprpipeline/internal/pipeline/core"
)

type pipelineFixture struct {
	pipeline *core.DetectionPipeline
	backend  *stubBackend
	hub      *core.BroadcastHub
	provider *scriptedProvider
	log      *core.AttemptLog
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	backend := newStubBackend()
	close(backend.ready)
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())
	waitReady(t, queue)

	hub := newTestHub(t, core.HubOptions{})
	provider := &scriptedProvider{}
	dispatcher, log := newTestDispatcher(t, provider, newFakeClock(), core.DispatcherOptions{})
	watchlist, err := core.NewMemoryWatchlist([]core.RegisteredPlate{
		{Plate: "ABC-1234", OwnerName: "Dana", OwnerPhone: "+15550001", AlertEnabled: true, Status: core.PlateActive},
		{Plate: "QUIET-1", OwnerPhone: "+15550002", AlertEnabled: false},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pipeline := core.NewDetectionPipeline(queue, hub, dispatcher, watchlist, core.PipelineOptions{MinConfidence: 0.5})
	return &pipelineFixture{pipeline: pipeline, backend: backend, hub: hub, provider: provider, log: log}
}

func TestDetectionPipeline_FrameBroadcastsAndAlertsOwner(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t)
	fx.backend.results["frame"] = []core.Detection{
		{Plate: "abc 1234", Confidence: 0.93, BoundingBox: core.BoundingBox{X: 10, Y: 20, Width: 120, Height: 40}},
		{Plate: "LOW-0001", Confidence: 0.2},
	}
	_, sink := connectSink(t, fx.hub, 4)

	outcome, err := fx.pipeline.HandleFrame(context.Background(), core.FrameInput{CameraID: "cam-1", Location: "North Gate", Payload: []byte("frame")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Detections) != 1 {
		t.Fatalf("expected low confidence detection filtered, got %d", len(outcome.Detections))
	}
	handled := outcome.Detections[0]
	if !handled.Event.Registered || !handled.Event.NotificationSent || handled.Attempt == nil {
		t.Fatalf("expected registered plate alerted, got %#v", handled)
	}
	if outcome.Vehicle == nil || outcome.Vehicle.Make != "Toyota" {
		t.Fatalf("expected vehicle attributes, got %#v", outcome.Vehicle)
	}

	event := receive(t, sink)
	detection := event.Payload.(core.DetectionEvent)
	if event.Name != core.EventNewDetection || detection.CameraID != "cam-1" || detection.Location != "North Gate" {
		t.Fatalf("unexpected broadcast %#v", event)
	}
	if fx.log.Len() != 1 {
		t.Fatalf("expected one attempt got %d", fx.log.Len())
	}
}

func TestDetectionPipeline_UnregisteredAndDisabledPlatesSkipAlerts(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t)
	for _, plate := range []string{"ZZZ-0000", "QUIET-1"} {
		outcome, err := fx.pipeline.HandleDetection(context.Background(), core.DetectionEvent{
			CameraID:  "cam-2",
			Detection: core.Detection{Plate: plate, Confidence: 0.9, CreatedAt: time.Now()},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome.Attempt != nil {
			t.Fatalf("expected no alert for %s", plate)
		}
		if outcome.Event.ID == "" {
			t.Fatalf("expected generated event id")
		}
	}
	if fx.log.Len() != 0 {
		t.Fatalf("expected no attempts got %d", fx.log.Len())
	}
}

func TestDetectionPipeline_ValidatesInput(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t)
	ctx := context.Background()
	if _, err := fx.pipeline.HandleFrame(ctx, core.FrameInput{CameraID: "", Payload: []byte("x")}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid camera, got %v", err)
	}
	if _, err := fx.pipeline.HandleFrame(ctx, core.FrameInput{CameraID: "cam"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if _, err := fx.pipeline.HandleDetection(ctx, core.DetectionEvent{Detection: core.Detection{Plate: "A", Confidence: 1.5}}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid confidence, got %v", err)
	}
	if _, err := fx.pipeline.ReportCameraStatus("cam", "exploded"); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if _, err := fx.pipeline.RaiseSystemAlert(core.Alert{Type: "x", Severity: "fatal"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid severity, got %v", err)
	}
	if queued, err := fx.pipeline.ReportCameraStatus("cam", core.CameraOffline); err != nil || queued != 0 {
		t.Fatalf("expected status broadcast to zero subscribers, got %d %v", queued, err)
	}
}

func TestDetectionPipeline_FrameFailurePropagates(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t)
	fx.backend.failures["broken"] = errStubFailure
	if _, err := fx.pipeline.HandleFrame(context.Background(), core.FrameInput{CameraID: "cam", Payload: []byte("broken")}); !errors.Is(err, core.ErrProcessing) {
		t.Fatalf("expected processing error, got %v", err)
	}
}

func TestMemoryWatchlist_NormalizesPlates(t *testing.T) {
	t.Parallel()

	watchlist, err := core.NewMemoryWatchlist(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := watchlist.Upsert(core.RegisteredPlate{Plate: "ab-12 cd", OwnerPhone: "+1", AlertEnabled: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plate, ok := watchlist.Lookup("AB12CD")
	if !ok || !plate.Alertable() {
		t.Fatalf("expected normalized lookup to match, got %#v", plate)
	}
	if err := watchlist.Upsert(core.RegisteredPlate{Plate: "--"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid plate, got %v", err)
	}
	if err := watchlist.Upsert(core.RegisteredPlate{Plate: "X1", Status: "stolen"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	watchlist.Remove("ab 12 cd")
	if len(watchlist.List()) != 0 {
		t.Fatalf("expected empty watchlist")
	}
}

func TestDetectionPipeline_RejectsWorkWhileDraining(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	close(backend.ready)
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())
	waitReady(t, queue)
	inflight := core.NewInFlight()
	pipeline := core.NewDetectionPipeline(queue, newTestHub(t, core.HubOptions{}), nil, nil, core.PipelineOptions{InFlight: inflight})

	if _, err := pipeline.HandleDetection(context.Background(), core.DetectionEvent{Detection: core.Detection{Plate: "XYZ1", Confidence: 0.9}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inflight.Count() != 0 {
		t.Fatalf("expected no work in flight got %d", inflight.Count())
	}
	inflight.Close()
	_, err := pipeline.HandleFrame(context.Background(), core.FrameInput{CameraID: "cam", Payload: []byte("x")})
	if core.CodeOf(err) != core.CodeUnavailable {
		t.Fatalf("expected unavailable while draining, got %v", err)
	}
	if err := inflight.Wait(context.Background()); err != nil {
		t.Fatalf("expected drained, got %v", err)
	}
}

func waitForCount(t *testing.T, what string, want int64, count func() int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %s %d got %d", what, want, count())
		}
		time.Sleep(time.Millisecond)
	}
}

func newColdPipeline(t *testing.T, inflight *core.InFlight) (*core.DetectionPipeline, *stubBackend, *core.BroadcastHub, *core.AttemptLog) {
	t.Helper()
	backend := newStubBackend()
	queue := newTestQueue(t, backend, core.InferenceQueueOptions{})
	queue.Start(context.Background())
	hub := newTestHub(t, core.HubOptions{})
	dispatcher, log := newTestDispatcher(t, &scriptedProvider{}, newFakeClock(), core.DispatcherOptions{})
	watchlist, err := core.NewMemoryWatchlist([]core.RegisteredPlate{
		{Plate: "ABC-1234", OwnerPhone: "+15550001", AlertEnabled: true, Status: core.PlateActive},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pipeline := core.NewDetectionPipeline(queue, hub, dispatcher, watchlist, core.PipelineOptions{InFlight: inflight})
	t.Cleanup(pipeline.Close)
	return pipeline, backend, hub, log
}

func TestDetectionPipeline_FinishesFrameAfterCallerStopsWaiting(t *testing.T) {
	t.Parallel()

	inflight := core.NewInFlight()
	pipeline, backend, hub, log := newColdPipeline(t, inflight)
	backend.results["frame"] = []core.Detection{{Plate: "ABC-1234", Confidence: 0.9}}
	_, sink := connectSink(t, hub, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pipeline.HandleFrame(ctx, core.FrameInput{CameraID: "cam-1", Payload: []byte("frame")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while cold got %v", err)
	}
	if stats := pipeline.WorkStats(); stats.Deferred != 1 || stats.Frames != 0 {
		t.Fatalf("expected the frame to be deferred got %+v", stats)
	}

	close(backend.ready)
	select {
	case event := <-sink.Events():
		if event.Name != core.EventNewDetection {
			t.Fatalf("expected new detection event got %s", event.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the deferred detection to be broadcast")
	}
	waitForCount(t, "attempts", 1, func() int64 { return int64(log.Len()) })
	waitForCount(t, "work in flight", 0, inflight.Count)
	if backend.CallCount("frame") != 1 {
		t.Fatalf("expected one inference got %d", backend.CallCount("frame"))
	}
}

func TestDetectionPipeline_CloseAbandonsDeferredFrames(t *testing.T) {
	t.Parallel()

	inflight := core.NewInFlight()
	pipeline, _, _, log := newColdPipeline(t, inflight)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pipeline.HandleFrame(ctx, core.FrameInput{CameraID: "cam-1", Payload: []byte("frame")}); err == nil {
		t.Fatalf("expected the wait to time out")
	}
	inflight.Close()
	pipeline.Close()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := inflight.Wait(waitCtx); err != nil {
		t.Fatalf("expected drain after close got %v", err)
	}
	if log.Len() != 0 {
		t.Fatalf("expected no attempts for an abandoned frame got %d", log.Len())
	}
}

func TestDetectionPipeline_SkipsInvalidDetections(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t)
	fx.backend.results["frame"] = []core.Detection{
		{Plate: "BAD-0001", Confidence: 1.5},
		{Plate: "abc 1234", Confidence: 0.9},
	}

	outcome, err := fx.pipeline.HandleFrame(context.Background(), core.FrameInput{CameraID: "cam-1", Payload: []byte("frame")})
	if err != nil {
		t.Fatalf("expected the frame to succeed got %v", err)
	}
	if len(outcome.Detections) != 1 || outcome.Skipped != 1 {
		t.Fatalf("expected one handled and one skipped got %d and %d", len(outcome.Detections), outcome.Skipped)
	}
	if outcome.Detections[0].Attempt == nil {
		t.Fatalf("expected the valid detection to alert its owner")
	}
}
