package monitoring

import "time"

// Snapshot returns the current metric values for the JSON diagnostics view
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// UptimeDuration returns how long the collector has existed
func (m *Metrics) UptimeDuration() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}
