// Package metrics exposes the orchestrator's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "genproxy"

// Recorder owns the orchestrator counters. A nil *Recorder records nothing.
type Recorder struct {
	dispatchAttempts *prometheus.CounterVec
	batchUnits       *prometheus.CounterVec
	softFailures     *prometheus.CounterVec
}

// NewRecorder creates the counters and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts_total",
				Help:      "Backend dispatch attempts by service, model tier and outcome.",
			},
			[]string{"service", "tier", "outcome"},
		),
		batchUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_units_total",
				Help:      "Batch units reaching a terminal state.",
			},
			[]string{"kind", "state"},
		),
		softFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "soft_failures_total",
				Help:      "Swallowed failures of auxiliary subsystems.",
			},
			[]string{"subsystem"},
		),
	}
	reg.MustRegister(r.dispatchAttempts, r.batchUnits, r.softFailures)
	return r
}

// DispatchAttempt counts one backend call.
func (r *Recorder) DispatchAttempt(service, tier, outcome string) {
	if r == nil {
		return
	}
	r.dispatchAttempts.WithLabelValues(service, tier, outcome).Inc()
}

// BatchUnit counts a unit reaching state.
func (r *Recorder) BatchUnit(kind, state string) {
	if r == nil {
		return
	}
	r.batchUnits.WithLabelValues(kind, state).Inc()
}

// SoftFailure counts a failure that was logged and swallowed.
func (r *Recorder) SoftFailure(subsystem string) {
	if r == nil {
		return
	}
	r.softFailures.WithLabelValues(subsystem).Inc()
}

// Subsystems reported through SoftFailure.
const (
	SubsystemCaptcha      = "captcha"
	SubsystemAdmission    = "admission"
	SubsystemSharedUpload = "shared_upload"
)
