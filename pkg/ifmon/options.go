package ifmon

import (
	"log/slog"
	"time"

	"github.com/jkoelker/linkbridged/pkg/metrics"
)

// WithLogger overrides the logger used for diagnostic output.
func WithLogger(logger *slog.Logger) func(*Monitor) {
	return func(m *Monitor) {
		m.log = logger
	}
}

// WithSubscriberQueue overrides the per-subscriber buffer size.
func WithSubscriberQueue(size int) func(*Monitor) {
	return func(m *Monitor) {
		if size > 0 {
			m.subscriberQueueLen = size
		}
	}
}

// WithRefresh makes each worker replay the kernel state when its socket opens.
func WithRefresh(enabled bool) func(*Monitor) {
	return func(m *Monitor) {
		m.refresh = enabled
	}
}

// WithRestartBackoff bounds the delay between worker restarts.
func WithRestartBackoff(initial, maxInterval time.Duration) func(*Monitor) {
	return func(m *Monitor) {
		if initial > 0 {
			m.initialInterval = initial
		}

		if maxInterval > 0 {
			m.maxInterval = maxInterval
		}
	}
}

// WithMetrics records event outcomes and restarts on rec.
func WithMetrics(rec *metrics.Recorder) func(*Monitor) {
	return func(m *Monitor) {
		m.metrics = rec
	}
}
