package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PollMetrics holds acquisition loop metrics.
type PollMetrics struct {
	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	Reads        *prometheus.CounterVec
	SinkErrors   prometheus.Counter
	Temperature  *prometheus.GaugeVec
	Humidity     *prometheus.GaugeVec
}

// NewPollMetrics creates and registers poll loop metrics on the given registry.
func NewPollMetrics(reg prometheus.Registerer) *PollMetrics {
	m := &PollMetrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "ticks_total",
			Help:      "Completed poll ticks.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "tick_duration_seconds",
			Help:      "Time spent reading all units in one tick.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 4},
		}),
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "unit_reads_total",
			Help:      "Unit reads by label and result kind.",
		}, []string{"unit", "result"}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "sink_errors_total",
			Help:      "Time-series sink write failures.",
		}),
		Temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "temperature_celsius",
			Help:      "Last temperature reading per unit.",
		}, []string{"unit"}),
		Humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "humidity_percent",
			Help:      "Last relative humidity reading per unit.",
		}, []string{"unit"}),
	}

	reg.MustRegister(m.Ticks, m.TickDuration, m.Reads, m.SinkErrors, m.Temperature, m.Humidity)
	return m
}

// ObserveTick records one completed tick.
func (m *PollMetrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

// ObserveRead records one unit read. result is "ok" or an error kind.
func (m *PollMetrics) ObserveRead(unit, result string) {
	if m == nil {
		return
	}
	m.Reads.WithLabelValues(unit, result).Inc()
}

// ObserveReading records the latest values for a unit.
func (m *PollMetrics) ObserveReading(unit string, tempC, humiPct float64) {
	if m == nil {
		return
	}
	m.Temperature.WithLabelValues(unit).Set(tempC)
	m.Humidity.WithLabelValues(unit).Set(humiPct)
}

// SinkError counts one sink failure.
func (m *PollMetrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}
