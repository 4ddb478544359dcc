package prommetrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

const namespace = "pengerobot"

var operationLabels = []string{"operation", "status", "instance_id", "kind", "failure_kind", "urgency"}

// Recorder implements core.MetricsRecorder on its own prometheus registry.
// Operation counters and timings map onto labelled vectors. Any other
// counter lands in pengerobot_events_total keyed by name.
type Recorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	events     *prometheus.CounterVec
	samples    *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Service operations by outcome.",
		}, operationLabels),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_milliseconds",
			Help:      "Service operation latency.",
			Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 15000, 30000},
		}, operationLabels),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Named counters without a dedicated metric.",
		}, []string{"name"}),
		samples: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "samples",
			Help:      "Named observations without a dedicated metric.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
	}
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value <= 0 {
		return
	}
	if strings.HasSuffix(name, ".total") && tags["operation"] != "" {
		r.operations.With(operationLabelValues(tags)).Add(float64(value))
		return
	}
	r.events.WithLabelValues(strings.TrimSpace(name)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	if strings.HasSuffix(name, ".duration_ms") && tags["operation"] != "" {
		r.durations.With(operationLabelValues(tags)).Observe(value)
		return
	}
	r.samples.WithLabelValues(strings.TrimSpace(name)).Observe(value)
}

// Registry exposes the underlying registry for extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func operationLabelValues(tags map[string]string) prometheus.Labels {
	labels := make(prometheus.Labels, len(operationLabels))
	for _, label := range operationLabels {
		labels[label] = strings.TrimSpace(tags[label])
	}
	return labels
}

var _ core.MetricsRecorder = (*Recorder)(nil)
