// Package core provides pipeline operating mode tracking.
package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"lprpipeline/internal/pipeline/observability"
)

// OperatingMode represents the current operating state.
type OperatingMode int32

const (
	ModeNormal OperatingMode = iota
	ModeDegraded
	ModeEmergency
)

// String returns the mode label.
func (m OperatingMode) String() string {
	switch m {
	case ModeDegraded:
		return "degraded"
	case ModeEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// QueueStatusSource reports inference queue state.
type QueueStatusSource interface {
	Status() QueueStatus
}

// BreakerStateSource reports a circuit breaker state.
type BreakerStateSource interface {
	State() CircuitState
}

// AlertBroadcaster fans out system alerts.
type AlertBroadcaster interface {
	BroadcastSystemAlert(alert Alert) int
}

// HealthThresholds defines thresholds for mode switching.
type HealthThresholds struct {
	BacklogDegraded int
	ColdGrace       time.Duration
}

// HealthMonitor derives the operating mode from queue and provider health.
type HealthMonitor struct {
	mode       atomic.Int32
	queue      QueueStatusSource
	breaker    BreakerStateSource
	alerts     AlertBroadcaster
	thresholds HealthThresholds
	logger     observability.Logger
	startedAt  time.Time
	now        func() time.Time
}

// NewHealthMonitor constructs a HealthMonitor. Any source may be nil.
func NewHealthMonitor(queue QueueStatusSource, breaker BreakerStateSource, th HealthThresholds) *HealthMonitor {
	if th.BacklogDegraded <= 0 {
		th.BacklogDegraded = 100
	}
	if th.ColdGrace <= 0 {
		th.ColdGrace = time.Minute
	}
	monitor := &HealthMonitor{
		queue:      queue,
		breaker:    breaker,
		thresholds: th,
		startedAt:  time.Now(),
		now:        time.Now,
	}
	monitor.mode.Store(int32(ModeNormal))
	return monitor
}

// SetLogger configures a logger for mode changes.
func (hm *HealthMonitor) SetLogger(l observability.Logger) {
	if hm == nil {
		return
	}
	hm.logger = l
}

// SetAlerts configures where mode changes are broadcast.
func (hm *HealthMonitor) SetAlerts(a AlertBroadcaster) {
	if hm == nil {
		return
	}
	hm.alerts = a
}

// SetClock replaces the monitor clock and restarts the cold grace period.
func (hm *HealthMonitor) SetClock(now func() time.Time) {
	if hm == nil || now == nil {
		return
	}
	hm.now = now
	hm.startedAt = now()
}

// Mode returns the current operating mode.
func (hm *HealthMonitor) Mode() OperatingMode {
	if hm == nil {
		return ModeNormal
	}
	return OperatingMode(hm.mode.Load())
}

// Update recomputes the mode and reports the change, if any.
func (hm *HealthMonitor) Update(ctx context.Context) OperatingMode {
	if hm == nil {
		return ModeNormal
	}
	now := hm.now()
	mode := ModeNormal
	reason := "healthy"
	if hm.queue != nil {
		status := hm.queue.Status()
		switch {
		case status.State == QueueFailed || status.State == QueueClosed:
			mode, reason = ModeEmergency, "inference backend "+string(status.State)
		case status.State == QueueCold && now.Sub(hm.startedAt) >= hm.thresholds.ColdGrace:
			mode, reason = ModeDegraded, "inference backend still warming up"
		case status.QueueLength >= hm.thresholds.BacklogDegraded:
			mode, reason = ModeDegraded, "inference backlog"
		}
	}
	if mode == ModeNormal && hm.breaker != nil && hm.breaker.State() == CircuitOpen {
		mode, reason = ModeDegraded, "sms provider circuit open"
	}

	prev := OperatingMode(hm.mode.Swap(int32(mode)))
	if prev == mode {
		return mode
	}
	if hm.logger != nil {
		hm.logger.Info("mode changed", map[string]any{
			"old":    prev.String(),
			"new":    mode.String(),
			"reason": reason,
		})
	}
	if hm.alerts != nil {
		hm.alerts.BroadcastSystemAlert(Alert{
			Type:     "mode_changed",
			Message:  "pipeline " + mode.String() + ": " + reason,
			Severity: severityFor(mode),
		})
	}
	return mode
}

func severityFor(mode OperatingMode) Severity {
	switch mode {
	case ModeEmergency:
		return SeverityError
	case ModeDegraded:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// HealthLoop periodically updates the health monitor.
type HealthLoop struct {
	Monitor  *HealthMonitor
	Interval time.Duration
}

// Start begins the health update loop.
func (h *HealthLoop) Start(ctx context.Context) error {
	if h == nil || h.Monitor == nil {
		return errors.New("health loop is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	interval := h.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Monitor.Update(ctx)
		}
	}
}
