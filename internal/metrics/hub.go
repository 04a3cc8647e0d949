package metrics

import "github.com/prometheus/client_golang/prometheus"

// HubMetrics holds broadcast hub metrics.
type HubMetrics struct {
	Subscribers prometheus.Gauge
	Broadcasts  prometheus.Counter
	Pruned      prometheus.Counter
}

// NewHubMetrics creates and registers hub metrics on the given registry.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of live streaming subscribers.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Payloads fanned out to subscribers.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "pruned_total",
			Help:      "Subscribers removed after a failed send.",
		}),
	}

	reg.MustRegister(m.Subscribers, m.Broadcasts, m.Pruned)
	return m
}

// SetSubscribers records the live subscriber count.
func (m *HubMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// ObserveBroadcast records one fan-out and the number of pruned subscribers.
func (m *HubMetrics) ObserveBroadcast(pruned int) {
	if m == nil {
		return
	}
	m.Broadcasts.Inc()
	m.Pruned.Add(float64(pruned))
}
