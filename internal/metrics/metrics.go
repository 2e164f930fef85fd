// Package metrics records engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/pkg/schema"
)

const namespace = "hrflow"

// Recorder is both an engine.Observer (operation outcomes and latency) and
// an engine.EventEmitter (event counts, active instances).
type Recorder struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	events      *prometheus.CounterVec
	active      prometheus.Gauge
}

// NewRecorder creates a Recorder with its own registry, including Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total runner operations by action and result code",
			},
			[]string{"action", "result"}, // result: ok or an error code
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Histogram of runner operation duration in seconds",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"action"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total events emitted by kind",
			},
			[]string{"kind"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_active",
				Help:      "Number of started instances not yet terminal",
			},
		),
	}
	r.registry.MustRegister(r.transitions, r.duration, r.events, r.active)
	r.registry.MustRegister(collectors.NewGoCollector())
	r.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SetActive seeds the active instance gauge, typically from the store at start-up.
func (r *Recorder) SetActive(n int) {
	r.active.Set(float64(n))
}

// ObserveOperation implements engine.Observer.
func (r *Recorder) ObserveOperation(op, code string, elapsed time.Duration) {
	r.transitions.WithLabelValues(op, code).Inc()
	r.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Emit implements engine.EventEmitter.
func (r *Recorder) Emit(_ context.Context, ev engine.Event) error {
	r.events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case schema.EventWorkflowStarted:
		r.active.Inc()
	case schema.EventWorkflowCompleted, schema.EventWorkflowRejected:
		r.active.Dec()
	case schema.EventWorkflowCancelled:
		// Draft instances were never counted.
		if prev, _ := ev.Data["previous_status"].(string); prev != string(schema.InstanceStatusDraft) {
			r.active.Dec()
		}
	}
	return nil
}

// Handler serves /metrics and /health.
func (r *Recorder) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
