package observability_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lprpipeline/internal/pipeline/observability"
)

func TestZapLogger_WritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := observability.NewLogger(zap.New(core))

	logger.Info("model ready", map[string]any{"warmup_ms": 12})
	logger.Error("request failed", map[string]any{"error": errors.New("boom")})
	logger.Debug("delivery failed", nil)

	if logs.Len() != 3 {
		t.Fatalf("expected 3 entries got %d", logs.Len())
	}
	ready := logs.FilterMessage("model ready").All()
	if len(ready) != 1 || ready[0].ContextMap()["warmup_ms"] != int64(12) {
		t.Fatalf("unexpected entry: %#v", ready)
	}
	failed := logs.FilterMessage("request failed").All()
	if len(failed) != 1 || failed[0].ContextMap()["error"] != "boom" {
		t.Fatalf("unexpected error entry: %#v", failed)
	}
}

func TestZapLogger_RejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := observability.NewZapLogger("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	var nilLogger *observability.ZapLogger
	nilLogger.Info("ignored", nil)
}

func TestInMemoryMetrics_CountsConcurrently(t *testing.T) {
	t.Parallel()

	metrics := observability.NewInMemoryMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.IncNotification("mock", "sent")
			metrics.ObserveLatency("inference", 5*time.Millisecond)
		}()
	}
	wg.Wait()

	if got := metrics.Counter("notification|mock|sent"); got != 50 {
		t.Fatalf("expected 50 got %d", got)
	}
	snapshot := metrics.Snapshot()
	latencies := snapshot["latencies"].(map[string]map[string]int64)
	if latencies["latency|inference"]["count"] != 50 {
		t.Fatalf("unexpected latency summary: %#v", latencies)
	}
}

func TestHashSampler(t *testing.T) {
	t.Parallel()

	if observability.NewHashSampler(0).Sampled("abc") {
		t.Fatalf("expected zero rate to never sample")
	}
	if !observability.NewHashSampler(1).Sampled("abc") {
		t.Fatalf("expected rate one to always sample")
	}
	sampler := observability.NewHashSampler(4)
	if sampler.Sampled("id-1") != sampler.Sampled("id-1") {
		t.Fatalf("expected deterministic sampling")
	}
}
