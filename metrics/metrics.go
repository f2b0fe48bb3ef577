// Package metrics exposes sweep counters to Prometheus. Every method is safe
// on a nil *Collector so callers never have to check whether metrics are on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sweepgo"

type Collector struct {
	processesStarted *prometheus.CounterVec
	processFailures  *prometheus.CounterVec
	toggles          prometheus.Counter
	activeResources  prometheus.Gauge
	remoteCommands   prometheus.Counter
	remoteFailures   prometheus.Counter
	sweeps           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		processesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_started_total",
				Help:      "Local processes launched, by kind (workload or probe)",
			},
			[]string{"kind"},
		),
		processFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_failures_total",
				Help:      "Local processes that exited non-zero, by kind",
			},
			[]string{"kind"},
		),
		toggles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toggles_total",
			Help:      "Toggle ticks that rotated active databases",
		}),
		activeResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_resources",
			Help:      "Databases currently under workload",
		}),
		remoteCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_commands_total",
			Help:      "Commands executed on the database host",
		}),
		remoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_failures_total",
			Help:      "Failures to reach the database host",
		}),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Finished sweeps by final status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		c.processesStarted,
		c.processFailures,
		c.toggles,
		c.activeResources,
		c.remoteCommands,
		c.remoteFailures,
		c.sweeps,
	)
	return c
}

func kind(critical bool) string {
	if critical {
		return "workload"
	}
	return "probe"
}

func (c *Collector) ProcessStarted(critical bool) {
	if c == nil {
		return
	}
	c.processesStarted.WithLabelValues(kind(critical)).Inc()
}

func (c *Collector) ProcessFailed(critical bool) {
	if c == nil {
		return
	}
	c.processFailures.WithLabelValues(kind(critical)).Inc()
}

func (c *Collector) Toggled() {
	if c == nil {
		return
	}
	c.toggles.Inc()
}

func (c *Collector) SetActive(n int) {
	if c == nil {
		return
	}
	c.activeResources.Set(float64(n))
}

func (c *Collector) RemoteExecuted() {
	if c == nil {
		return
	}
	c.remoteCommands.Inc()
}

func (c *Collector) RemoteFailed() {
	if c == nil {
		return
	}
	c.remoteFailures.Inc()
}

func (c *Collector) SweepFinished(status string) {
	if c == nil {
		return
	}
	c.sweeps.WithLabelValues(status).Inc()
}
