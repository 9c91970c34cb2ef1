// Package metrics exposes prometheus counters for the link bridge.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "linkbridged"

// Outcome labels the fate of a kernel link event.
type Outcome string

// Event outcomes.
const (
	OutcomePublished   Outcome = "published"
	OutcomeSuppressed  Outcome = "suppressed"
	OutcomeDecodeError Outcome = "decode_error"
	OutcomeVetoed      Outcome = "vetoed"
	OutcomeLookupError Outcome = "lookup_error"
	OutcomeError       Outcome = "error"
)

// Query sources.
const (
	SourceCache  = "cache"
	SourceKernel = "kernel"
)

// Recorder records daemon metrics. A nil *Recorder discards everything.
type Recorder struct {
	events   *prometheus.CounterVec
	queries  *prometheus.CounterVec
	restarts *prometheus.CounterVec
	reg      prometheus.Registerer
}

// New registers the daemon collectors on reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	rec := &Recorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_events_total",
			Help:      "Kernel link events processed, by VRF and outcome.",
		}, []string{"vrf", "outcome"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interface_queries_total",
			Help:      "Interface queries answered, by source.",
		}, []string{"source"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_restarts_total",
			Help:      "Subscription socket restarts, by VRF and class.",
		}, []string{"vrf", "class"}),
		reg: reg,
	}

	for _, c := range []prometheus.Collector{rec.events, rec.queries, rec.restarts} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return rec, nil
}

// Event counts one processed event.
func (r *Recorder) Event(vrf string, outcome Outcome) {
	if r == nil {
		return
	}

	r.events.WithLabelValues(vrf, string(outcome)).Inc()
}

// Query counts one answered query.
func (r *Recorder) Query(source string) {
	if r == nil {
		return
	}

	r.queries.WithLabelValues(source).Inc()
}

// Restart counts one subscription socket restart.
func (r *Recorder) Restart(vrf, class string) {
	if r == nil {
		return
	}

	r.restarts.WithLabelValues(vrf, class).Inc()
}

// WatchCache exports size as the interface cache entry gauge.
func (r *Recorder) WatchCache(size func() int) error {
	if r == nil {
		return nil
	}

	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interface_cache_entries",
		Help:      "Interfaces held in the default VRF cache.",
	}, func() float64 {
		return float64(size())
	})

	if err := r.reg.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}

		return fmt.Errorf("register cache gauge: %w", err)
	}

	return nil
}
