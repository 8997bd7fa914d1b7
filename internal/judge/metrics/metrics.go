// Package metrics exposes Prometheus collectors for the grading pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contestjudge"

// 10ms -> 60s
var gradeBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Recorder groups the judge collectors. A nil *Recorder records nothing.
type Recorder struct {
	verdicts       *prometheus.CounterVec
	gradeDuration  *prometheus.HistogramVec
	sandboxCreated prometheus.Counter
	sandboxFailed  prometheus.Counter
	sandboxInUse   prometheus.Gauge
	eventsDropped  prometheus.Counter
	connections    prometheus.Gauge
	submissions    *prometheus.CounterVec
	gatherer       prometheus.Gatherer
}

// NewRecorder creates the collectors and registers them on reg. A nil reg
// uses a fresh registry.
func NewRecorder(reg *prometheus.Registry) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Number of terminal verdicts by status",
		}, []string{"status"}),
		gradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grade_duration_seconds",
			Help:      "Histogram for the wall time of one grading run",
			Buckets:   gradeBuckets,
		}, []string{"status"}),
		sandboxCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_created_total",
			Help:      "Number of sandboxes provisioned",
		}),
		sandboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_provision_failed_total",
			Help:      "Number of failed sandbox provisions",
		}),
		sandboxInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandbox_in_use",
			Help:      "Number of sandboxes not yet torn down",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_dropped_total",
			Help:      "Number of progress events dropped on a full connection queue",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_connections",
			Help:      "Number of registered progress connections",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Number of accepted submissions by language",
		}, []string{"language"}),
		gatherer: reg,
	}
	collectors := []prometheus.Collector{
		r.verdicts, r.gradeDuration, r.sandboxCreated, r.sandboxFailed,
		r.sandboxInUse, r.eventsDropped, r.connections, r.submissions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveVerdict(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.verdicts.WithLabelValues(status).Inc()
	r.gradeDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (r *Recorder) SandboxCreated() {
	if r == nil {
		return
	}
	r.sandboxCreated.Inc()
	r.sandboxInUse.Inc()
}

func (r *Recorder) SandboxDestroyed() {
	if r == nil {
		return
	}
	r.sandboxInUse.Dec()
}

func (r *Recorder) SandboxFailed() {
	if r == nil {
		return
	}
	r.sandboxFailed.Inc()
}

func (r *Recorder) EventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Inc()
}

func (r *Recorder) ConnectionsChanged(delta int) {
	if r == nil {
		return
	}
	r.connections.Add(float64(delta))
}

func (r *Recorder) SubmissionAccepted(language string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(language).Inc()
}
