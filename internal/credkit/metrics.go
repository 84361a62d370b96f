package credkit

import "sync"

// Pipeline metric events.
const (
	MetricGuardSynthesizedExpiry  = "guard.synthesized_expiry"
	MetricGuardExemptPassthrough  = "guard.exempt_passthrough"
	MetricGuardTokenAttached      = "guard.token_attached"
	MetricRenewalSucceeded        = "renewal.succeeded"
	MetricRenewalFailed           = "renewal.failed"
	MetricRenewalReusedToken      = "renewal.reused_token"
	MetricRenewalAttemptsExceeded = "renewal.attempts_exceeded"
	MetricCacheDecryptFailed      = "credstore.cache.decrypt_failed"
)

// MetricsRecorder increments counters for pipeline events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for event, count := range recorder.counts {
		clone[event] = count
	}
	return clone
}
