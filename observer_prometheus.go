package xinbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports bus events as Prometheus metrics:
//
//	<namespace>_events_total{bus,type}
//	<namespace>_handler_duration_seconds{bus}
type PrometheusObserver struct {
	events   *prometheus.CounterVec
	handlers *prometheus.HistogramVec
}

// NewPrometheusObserver registers its collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "xinbox"
	}
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus lifecycle events by type.",
		}, []string{"bus", "type"}),
		handlers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in delivery handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"bus"}),
	}
	for _, c := range []prometheus.Collector{o.events, o.handlers} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnEvent(e Event) {
	o.events.WithLabelValues(e.BusID, string(e.Type)).Inc()
	if (e.Type == MessageDelivered || e.Type == HandlerFailed) && e.Duration > 0 {
		o.handlers.WithLabelValues(e.BusID).Observe(e.Duration.Seconds())
	}
}

// Events exposes the event counter, mainly for tests and custom dashboards.
func (o *PrometheusObserver) Events() *prometheus.CounterVec { return o.events }
