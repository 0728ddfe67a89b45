// Package metrics holds the prometheus collectors of the service.
// Every method is safe on a nil *Metrics so hardware packages can run
// without instrumentation.
package metrics

import (
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "circuit_meter"

type Metrics struct {
	BusOps       *prometheus.CounterVec
	Latches      prometheus.Counter
	SwitchOps    prometheus.Counter
	Experiments  prometheus.Counter
	Sentinels    *prometheus.CounterVec
	Remaining    prometheus.Gauge
	SchedulerRun prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BusOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_operations_total",
			Help:      "Metering bus operations by operation and result code.",
		}, []string{"op", "code"}),
		Latches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_latches_total",
			Help:      "Full relay vector updates latched into the shift register.",
		}),
		SwitchOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_switch_operations_total",
			Help:      "Relay transitions commanded by the experiment scheduler.",
		}),
		Experiments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiments_completed_total",
			Help:      "Experiments whose paired reading was persisted.",
		}),
		Sentinels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentinel_readings_total",
			Help:      "Readings replaced by a sentinel after a failed wait or read.",
		}, []string{"reading"}),
		Remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "experiments_remaining",
			Help:      "Experiments left in the armed run.",
		}),
		SchedulerRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 while a run is armed or running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BusOps, m.Latches, m.SwitchOps, m.Experiments, m.Sentinels, m.Remaining, m.SchedulerRun)
	}
	return m
}

func (m *Metrics) ObserveBus(op string, err error) {
	if m == nil {
		return
	}
	m.BusOps.WithLabelValues(op, string(errcode.Of(err))).Inc()
}

func (m *Metrics) ObserveLatch() {
	if m == nil {
		return
	}
	m.Latches.Inc()
}

func (m *Metrics) ObserveSwitchOps(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SwitchOps.Add(float64(n))
}

func (m *Metrics) ObserveExperiment(remaining int) {
	if m == nil {
		return
	}
	m.Experiments.Inc()
	m.Remaining.Set(float64(remaining))
}

func (m *Metrics) ObserveSentinel(reading string) {
	if m == nil {
		return
	}
	m.Sentinels.WithLabelValues(reading).Inc()
}

func (m *Metrics) SetRunning(running bool, remaining int) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.SchedulerRun.Set(v)
	m.Remaining.Set(float64(remaining))
}
