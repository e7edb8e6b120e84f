package vision_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"lprpipeline/internal/pipeline/core"
	"lprpipeline/internal/pipeline/vision"
)

var platePattern = regexp.MustCompile(`^[A-Z]{3}-[0-9]{4}$`)

func TestSimulatedBackend_ProducesPlausibleDetections(t *testing.T) {
	t.Parallel()

	backend := vision.NewSimulatedBackend(vision.SimulatedConfig{HitRate: 1, Seed: 7})
	ctx := context.Background()
	if _, err := backend.Infer(ctx, []byte("frame")); err == nil {
		t.Fatalf("expected error before warm-up")
	}
	if err := backend.Warmup(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 20; i++ {
		detections, err := backend.Infer(ctx, []byte("frame"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(detections) != 1 {
			t.Fatalf("expected one detection got %d", len(detections))
		}
		d := detections[0]
		if !platePattern.MatchString(d.Plate) {
			t.Fatalf("unexpected plate format %q", d.Plate)
		}
		if d.Confidence < 0.7 || d.Confidence > 1 {
			t.Fatalf("confidence out of range: %f", d.Confidence)
		}
		if d.BoundingBox.Width < 150 || d.BoundingBox.Height < 50 {
			t.Fatalf("unexpected bounding box %#v", d.BoundingBox)
		}
	}
	attrs, err := backend.ExtractAttributes(ctx, []byte("frame"))
	if err != nil || attrs.Make == "" || attrs.Color == "" || attrs.Type == "" {
		t.Fatalf("unexpected attributes %#v %v", attrs, err)
	}
}

func TestSimulatedBackend_ZeroHitRateReturnsEmpty(t *testing.T) {
	t.Parallel()

	backend := vision.NewSimulatedBackend(vision.SimulatedConfig{HitRate: 0, Seed: 1})
	if err := backend.Warmup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	detections, err := backend.Infer(context.Background(), []byte("frame"))
	if err != nil || detections == nil || len(detections) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v %v", detections, err)
	}
}

func TestSimulatedBackend_WarmupHonorsContext(t *testing.T) {
	t.Parallel()

	backend := vision.NewSimulatedBackend(vision.SimulatedConfig{LoadDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := backend.Warmup(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSimulatedBackend_DrivesInferenceQueue(t *testing.T) {
	t.Parallel()

	backend := vision.NewSimulatedBackend(vision.SimulatedConfig{
		LoadDelay:  5 * time.Millisecond,
		MinLatency: time.Millisecond,
		MaxLatency: 2 * time.Millisecond,
		HitRate:    1,
		Seed:       3,
	})
	queue, err := core.NewInferenceQueue(backend, core.InferenceQueueOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer queue.Close()
	queue.Start(context.Background())
	future := queue.Submit([]byte("frame"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := future.Await(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Detections) != 1 || result.Vehicle == nil {
		t.Fatalf("expected detection with vehicle attributes, got %#v", result)
	}
}
