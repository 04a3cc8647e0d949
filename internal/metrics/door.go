package metrics

import "github.com/prometheus/client_golang/prometheus"

// DoorMetrics holds actuator and limit-switch metrics.
type DoorMetrics struct {
	Operations  *prometheus.CounterVec
	State       *prometheus.GaugeVec
	LimitStable prometheus.Gauge
	LimitErrors prometheus.Counter
}

// NewDoorMetrics creates and registers door metrics on the given registry.
func NewDoorMetrics(reg prometheus.Registerer) *DoorMetrics {
	m := &DoorMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "door",
			Name:      "operations_total",
			Help:      "Actuator operations by kind and result.",
		}, []string{"op", "result"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "door",
			Name:      "state",
			Help:      "1 for the current actuator state, 0 otherwise.",
		}, []string{"state"}),
		LimitStable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limit",
			Name:      "stable_level",
			Help:      "Debounced limit-switch level (1 = active).",
		}),
		LimitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limit",
			Name:      "read_errors_total",
			Help:      "Limit-switch line read failures.",
		}),
	}

	reg.MustRegister(m.Operations, m.State, m.LimitStable, m.LimitErrors)
	return m
}

// ObserveOperation counts one actuator operation.
func (m *DoorMetrics) ObserveOperation(op, result string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

// SetState marks state as current. all lists every known state.
func (m *DoorMetrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// SetLimit records the debounced limit level.
func (m *DoorMetrics) SetLimit(active bool) {
	if m == nil {
		return
	}
	if active {
		m.LimitStable.Set(1)
	} else {
		m.LimitStable.Set(0)
	}
}

// LimitReadError counts one limit-switch read failure.
func (m *DoorMetrics) LimitReadError() {
	if m == nil {
		return
	}
	m.LimitErrors.Inc()
}
