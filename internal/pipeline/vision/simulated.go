// Package vision provides a simulated plate-recognition backend.
package vision

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"lprpipeline/internal/pipeline/core"
	"lprpipeline/internal/pipeline/observability"
)

var (
	makes  = []string{"Toyota", "Honda", "Ford", "BMW", "Mercedes", "Audi"}
	colors = []string{"White", "Black", "Silver", "Blue", "Red", "Gray"}
	types  = []string{"Sedan", "SUV", "Hatchback", "Truck", "Van"}
)

const (
	plateLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	plateDigits  = "0123456789"
)

// SimulatedConfig tunes the simulated model.
type SimulatedConfig struct {
	LoadDelay        time.Duration
	MinLatency       time.Duration
	MaxLatency       time.Duration
	AttributeLatency time.Duration
	HitRate          float64
	Seed             int64
	Logger           observability.Logger
}

// DefaultSimulatedConfig mirrors a slow-loading model with a 30% hit rate.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		LoadDelay:        2 * time.Second,
		MinLatency:       100 * time.Millisecond,
		MaxLatency:       300 * time.Millisecond,
		AttributeLatency: 50 * time.Millisecond,
		HitRate:          0.3,
		Seed:             time.Now().UnixNano(),
	}
}

// SimulatedBackend fabricates detections after an artificial warm-up.
type SimulatedBackend struct {
	cfg    SimulatedConfig
	mu     sync.Mutex
	rng    *rand.Rand
	loaded bool
}

// NewSimulatedBackend constructs a backend seeded from cfg.
func NewSimulatedBackend(cfg SimulatedConfig) *SimulatedBackend {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	if cfg.HitRate < 0 {
		cfg.HitRate = 0
	}
	if cfg.HitRate > 1 {
		cfg.HitRate = 1
	}
	return &SimulatedBackend{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Warmup waits out the configured load delay.
func (b *SimulatedBackend) Warmup(ctx context.Context) error {
	if err := sleep(ctx, b.cfg.LoadDelay); err != nil {
		return err
	}
	b.mu.Lock()
	b.loaded = true
	b.mu.Unlock()
	if b.cfg.Logger != nil {
		b.cfg.Logger.Info("simulated model loaded", map[string]any{"load_ms": b.cfg.LoadDelay.Milliseconds()})
	}
	return nil
}

// Infer returns zero or one fabricated detection.
func (b *SimulatedBackend) Infer(ctx context.Context, payload []byte) ([]core.Detection, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty image")
	}
	b.mu.Lock()
	if !b.loaded {
		b.mu.Unlock()
		return nil, errors.New("model not loaded")
	}
	latency := b.cfg.MinLatency
	if spread := b.cfg.MaxLatency - b.cfg.MinLatency; spread > 0 {
		latency += time.Duration(b.rng.Int63n(int64(spread)))
	}
	hit := b.rng.Float64() < b.cfg.HitRate
	var detection core.Detection
	if hit {
		detection = core.Detection{
			Plate:      b.plateLocked(),
			Confidence: 0.7 + b.rng.Float64()*0.3,
			BoundingBox: core.BoundingBox{
				X:      b.rng.Intn(200),
				Y:      b.rng.Intn(200),
				Width:  150 + b.rng.Intn(100),
				Height: 50 + b.rng.Intn(30),
			},
		}
	}
	b.mu.Unlock()

	start := time.Now()
	if err := sleep(ctx, latency); err != nil {
		return nil, err
	}
	if !hit {
		return []core.Detection{}, nil
	}
	detection.ProcessingTime = time.Since(start)
	detection.CreatedAt = time.Now().UTC()
	return []core.Detection{detection}, nil
}

// ExtractAttributes returns a random make, color and type.
func (b *SimulatedBackend) ExtractAttributes(ctx context.Context, payload []byte) (*core.VehicleAttributes, error) {
	if err := sleep(ctx, b.cfg.AttributeLatency); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &core.VehicleAttributes{
		Make:  makes[b.rng.Intn(len(makes))],
		Color: colors[b.rng.Intn(len(colors))],
		Type:  types[b.rng.Intn(len(types))],
	}, nil
}

// plateLocked must be called with b.mu held.
func (b *SimulatedBackend) plateLocked() string {
	plate := make([]byte, 0, 8)
	for i := 0; i < 3; i++ {
		plate = append(plate, plateLetters[b.rng.Intn(len(plateLetters))])
	}
	plate = append(plate, '-')
	for i := 0; i < 4; i++ {
		plate = append(plate, plateDigits[b.rng.Intn(len(plateDigits))])
	}
	return string(plate)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
