package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus 将事件折算为指标。
type Prometheus struct {
	events      *prometheus.CounterVec
	submissions *prometheus.CounterVec
	effects     *prometheus.HistogramVec
}

// NewPrometheus 创建并注册指标，reg 为空时使用默认注册表。
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "router",
			Name:      "execution_events_total",
			Help:      "Execution lifecycle events by type and route kind.",
		}, []string{"type", "route_kind"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "router",
			Name:      "submissions_total",
			Help:      "Network submissions by validator endpoint.",
		}, []string{"endpoint"}),
		effects: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "router",
			Name:      "effects_latency_ms",
			Help:      "Observed effects latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(25, 2, 10),
		}, []string{"endpoint"}),
	}

	for _, c := range []prometheus.Collector{p.events, p.submissions, p.effects} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Emit(ev Event) {
	p.events.WithLabelValues(string(ev.Type), ev.RouteKind).Inc()
	switch ev.Type {
	case EventSubmitted:
		p.submissions.WithLabelValues(ev.Endpoint).Inc()
	case EventConfirmed:
		if ev.LatencyMs > 0 {
			p.effects.WithLabelValues(ev.Endpoint).Observe(ev.LatencyMs)
		}
	}
}
