package query

import (
	"log/slog"
	"time"

	"github.com/jkoelker/linkbridged/pkg/cache"
	"github.com/jkoelker/linkbridged/pkg/metrics"
)

// WithLogger overrides the logger used for diagnostic output.
func WithLogger(logger *slog.Logger) func(*Service) {
	return func(s *Service) {
		s.log = logger
	}
}

// WithDefaultVRF names the VRF whose interfaces are cached and queried.
func WithDefaultVRF(name string, id uint32) func(*Service) {
	return func(s *Service) {
		if name != "" {
			s.defaultVRF = name
		}

		s.defaultVRFID = id
	}
}

// WithLinkSettings installs the reader used to augment management
// interfaces, caching its answers for ttl.
func WithLinkSettings(reader LinkSettingsReader, ttl time.Duration) func(*Service) {
	return func(s *Service) {
		s.settings = reader
		s.settingsCache = cache.NewTTL[string, LinkSettings](ttl, defaultSettingsCapacity)
	}
}

// WithOperStatus installs the reader used to augment management interfaces.
func WithOperStatus(reader OperStatusReader) func(*Service) {
	return func(s *Service) {
		s.oper = reader
	}
}

// WithMetrics records query sources on rec.
func WithMetrics(rec *metrics.Recorder) func(*Service) {
	return func(s *Service) {
		s.metrics = rec
	}
}
