package budgeteer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NoOpMetricsRecorder is a placeholder that does nothing.
// It ensures we never have to check 'if b.recorder != nil' in our hot path.
type NoOpMetricsRecorder struct{}

func (n *NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (n *NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}

// PrometheusRecorder exports Budgeteer metrics to Prometheus.
//
// Counter names become the "event" label of budgeteer_events_total; timings
// land in budgeteer_operation_duration_seconds. The "op" tag is the only tag
// exported.
type PrometheusRecorder struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	p := &PrometheusRecorder{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgeteer_events_total",
				Help: "Budgeteer calls and outcomes by event and operation",
			},
			[]string{"event", "op"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "budgeteer_operation_duration_seconds",
				Help:    "Duration of budgeteer operations in seconds, store I/O included",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~0.8s
			},
			[]string{"op"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{p.events, p.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (p *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	p.events.WithLabelValues(name, tags["op"]).Add(value)
}

func (p *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	p.duration.WithLabelValues(tags["op"]).Observe(value)
}
