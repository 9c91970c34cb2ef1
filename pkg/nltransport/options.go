package nltransport

import (
	"log/slog"
	"time"
)

// WithLogger overrides the logger used for diagnostic output.
func WithLogger(logger *slog.Logger) func(*Transport) {
	return func(t *Transport) {
		t.log = logger
	}
}

// WithDialer replaces the kernel socket dialer, useful for tests.
func WithDialer(fn DialFunc) func(*Transport) {
	return func(t *Transport) {
		if fn != nil {
			t.dial = fn
		}
	}
}

// WithNamespaceFunc overrides how VRF names map to network namespaces.
func WithNamespaceFunc(fn NamespaceFunc) func(*Transport) {
	return func(t *Transport) {
		if fn != nil {
			t.namespace = fn
		}
	}
}

// WithPollInterval sets how often blocked subscription receives wake up to
// notice a Close. Zero disables the receive timeout.
func WithPollInterval(interval time.Duration) func(*Transport) {
	return func(t *Transport) {
		if interval >= 0 {
			t.pollInterval = interval
		}
	}
}
