package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromSink exposes the event stream as Prometheus counters and a latency
// histogram, labelled by channel and kind. It implements Sink.
type PromSink struct {
	events    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	skips     *prometheus.CounterVec
}

// NewPromSink registers Cyre's metrics collectors against reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	factory := promauto.With(reg)
	return &PromSink{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyre",
			Name:      "events_total",
			Help:      "Total metric events emitted by the dispatch core, labelled by kind.",
		}, []string{"channel", "kind"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cyre",
			Name:      "execution_duration_ms",
			Help:      "Handler execution duration in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"channel"}),
		skips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyre",
			Name:      "skips_total",
			Help:      "Calls skipped by a protection operator, labelled by reason.",
		}, []string{"channel", "reason"}),
	}
}

// Observe implements Sink.
func (p *PromSink) Observe(ev Event) {
	p.events.WithLabelValues(ev.ChannelID, string(ev.Kind)).Inc()
	if ev.Kind == KindExecution {
		p.latency.WithLabelValues(ev.ChannelID).Observe(float64(ev.DurationMs))
	}
	if ev.Kind == KindSkip && ev.Reason != "" {
		p.skips.WithLabelValues(ev.ChannelID, ev.Reason).Inc()
	}
}
