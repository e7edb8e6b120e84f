// Package observability provides in-memory metrics.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryMetrics stores counters and latency summaries.
type InMemoryMetrics struct {
	counters  sync.Map
	latencies sync.Map
}

type latencySummary struct {
	count      atomic.Int64
	totalNanos atomic.Int64
	maxNanos   atomic.Int64
}

// NewInMemoryMetrics constructs an in-memory metrics recorder.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

// IncInference counts processed inference requests by result.
func (m *InMemoryMetrics) IncInference(result string) {
	if m == nil {
		return
	}
	m.incCounter("inference|" + result)
}

// IncBroadcast counts per-subscriber deliveries by event and result.
func (m *InMemoryMetrics) IncBroadcast(event string, result string) {
	if m == nil {
		return
	}
	m.incCounter("broadcast|" + event + "|" + result)
}

// IncNotification counts notification attempts by provider and outcome.
func (m *InMemoryMetrics) IncNotification(provider string, outcome string) {
	if m == nil {
		return
	}
	m.incCounter("notification|" + provider + "|" + outcome)
}

// IncRateLimit counts limiter decisions.
func (m *InMemoryMetrics) IncRateLimit(policy string, result string) {
	if m == nil {
		return
	}
	m.incCounter("ratelimit|" + policy + "|" + result)
}

// IncRequest counts transport requests by status.
func (m *InMemoryMetrics) IncRequest(transport string, route string, code string) {
	if m == nil {
		return
	}
	m.incCounter("request|" + transport + "|" + route + "|" + code)
}

// ObserveLatency tracks latency measurements.
func (m *InMemoryMetrics) ObserveLatency(op string, d time.Duration) {
	if m == nil {
		return
	}
	entry := m.getLatency("latency|" + op)
	if entry == nil {
		return
	}
	nanos := d.Nanoseconds()
	entry.count.Add(1)
	entry.totalNanos.Add(nanos)
	for {
		current := entry.maxNanos.Load()
		if nanos <= current {
			break
		}
		if entry.maxNanos.CompareAndSwap(current, nanos) {
			break
		}
	}
}

// Counter returns the current value of a counter key.
func (m *InMemoryMetrics) Counter(key string) int64 {
	if m == nil {
		return 0
	}
	if existing, ok := m.counters.Load(key); ok {
		if counter, ok := existing.(*atomic.Int64); ok {
			return counter.Load()
		}
	}
	return 0
}

// Snapshot exports metrics values.
func (m *InMemoryMetrics) Snapshot() map[string]any {
	result := map[string]any{}
	if m == nil {
		return result
	}

	counters := map[string]int64{}
	m.counters.Range(func(key, value any) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Int64)
		if !ok || counter == nil {
			return true
		}
		counters[k] = counter.Load()
		return true
	})

	latencies := map[string]map[string]int64{}
	m.latencies.Range(func(key, value any) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		entry, ok := value.(*latencySummary)
		if !ok || entry == nil {
			return true
		}
		latencies[k] = map[string]int64{
			"count":      entry.count.Load(),
			"totalNanos": entry.totalNanos.Load(),
			"maxNanos":   entry.maxNanos.Load(),
		}
		return true
	})

	result["counters"] = counters
	result["latencies"] = latencies
	return result
}

func (m *InMemoryMetrics) incCounter(key string) {
	counter := m.getCounter(key)
	if counter == nil {
		return
	}
	counter.Add(1)
}

func (m *InMemoryMetrics) getCounter(key string) *atomic.Int64 {
	if key == "" {
		return nil
	}
	if existing, ok := m.counters.Load(key); ok {
		if counter, ok := existing.(*atomic.Int64); ok {
			return counter
		}
	}
	actual, _ := m.counters.LoadOrStore(key, &atomic.Int64{})
	counter, _ := actual.(*atomic.Int64)
	return counter
}

func (m *InMemoryMetrics) getLatency(key string) *latencySummary {
	if key == "" {
		return nil
	}
	if existing, ok := m.latencies.Load(key); ok {
		if entry, ok := existing.(*latencySummary); ok {
			return entry
		}
	}
	actual, _ := m.latencies.LoadOrStore(key, &latencySummary{})
	entry, _ := actual.(*latencySummary)
	return entry
}
