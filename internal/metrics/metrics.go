// Package metrics exposes gateway and telemetry state to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/gateway"
	"codeberg.org/mutker/printerctl/internal/protocol"
	"codeberg.org/mutker/printerctl/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "printerctl"

var (
	gatewayStates = []gateway.State{
		gateway.StateIdle, gateway.StateConnecting, gateway.StateBusy,
		gateway.StateReconnecting, gateway.StateStopped,
	}
	connections = []gateway.Connection{
		gateway.Disconnected, gateway.Connecting, gateway.Connected, gateway.Failing,
	}
	machineStates = []protocol.MachineState{
		protocol.StateUnknown, protocol.StateIdle, protocol.StatePrinting, protocol.StatePaused,
		protocol.StateComplete, protocol.StateError, protocol.StateDisconnected,
	}
)

// Collector implements gateway.Observer on a private registry
type Collector struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	dropped     *prometheus.CounterVec
	staleFrames *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	state       *prometheus.GaugeVec
	connection  *prometheus.GaugeVec
	queueDepth  prometheus.Gauge

	temperature *prometheus.GaugeVec
	machine     *prometheus.GaugeVec
	connected   prometheus.Gauge
	progress    prometheus.Gauge
	remaining   prometheus.Gauge
}

func New() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "commands_total",
				Help:      "Commands completed, by opcode and outcome.",
			},
			[]string{"code", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "command_duration_seconds",
				Help:      "Time from submission to completion, queueing included.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"code"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "commands_dropped_total",
				Help:      "Commands that never reached the printer.",
			},
			[]string{"code", "reason"},
		),
		staleFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "stale_frames_total",
				Help:      "Late responses discarded after preemption.",
			},
			[]string{"code"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect attempts, by result.",
			},
			[]string{"success"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "state",
				Help:      "Current admission state, 1 for the active state.",
			},
			[]string{"state"},
		),
		connection: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "connection",
				Help:      "Current connection state, 1 for the active state.",
			},
			[]string{"connection"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "queue_depth",
			Help:      "Commands waiting for admission.",
		}),
		temperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "printer",
				Name:      "temperature_celsius",
				Help:      "Last polled heater temperatures.",
			},
			[]string{"heater", "kind"},
		),
		machine: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "printer",
				Name:      "machine_state",
				Help:      "Current machine state, 1 for the active state.",
			},
			[]string{"state"},
		),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "printer",
			Name:      "connected",
			Help:      "1 while the last poll succeeded.",
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "printer",
			Name:      "job_progress_percent",
			Help:      "Progress of the running job, 0 without a job.",
		}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "printer",
			Name:      "job_remaining_seconds",
			Help:      "Estimated time left for the running job.",
		}),
	}

	collectors := []prometheus.Collector{
		c.commands, c.latency, c.dropped, c.staleFrames, c.reconnects,
		c.state, c.connection, c.queueDepth,
		c.temperature, c.machine, c.connected, c.progress, c.remaining,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, errors.New().Wrap(ErrInitMetrics, err)
		}
	}

	c.StateChanged(gateway.StateIdle, gateway.Disconnected)
	c.setMachine(protocol.StateDisconnected)

	return c, nil
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) CommandCompleted(code, outcome string, latency time.Duration) {
	c.commands.WithLabelValues(code, outcome).Inc()
	c.latency.WithLabelValues(code).Observe(latency.Seconds())
}

func (c *Collector) CommandDropped(code, reason string) {
	c.dropped.WithLabelValues(code, reason).Inc()
}

func (c *Collector) StateChanged(state gateway.State, conn gateway.Connection) {
	for _, s := range gatewayStates {
		c.state.WithLabelValues(s.String()).Set(boolToFloat(s == state))
	}
	for _, cn := range connections {
		c.connection.WithLabelValues(cn.String()).Set(boolToFloat(cn == conn))
	}
}

func (c *Collector) ReconnectAttempt(success bool) {
	c.reconnects.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (c *Collector) QueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

func (c *Collector) StaleFrame(code string) {
	c.staleFrames.WithLabelValues(code).Inc()
}

// ObserveSnapshot is registered as a telemetry.Store watcher
func (c *Collector) ObserveSnapshot(_, next telemetry.Snapshot) {
	c.temperature.WithLabelValues("nozzle", "current").Set(next.Nozzle.Current)
	c.temperature.WithLabelValues("nozzle", "target").Set(next.Nozzle.Target)
	c.temperature.WithLabelValues("bed", "current").Set(next.Bed.Current)
	c.temperature.WithLabelValues("bed", "target").Set(next.Bed.Target)
	c.connected.Set(boolToFloat(next.Connected))
	c.setMachine(next.Machine)

	progress, remaining := 0.0, 0.0
	if next.Job != nil {
		progress = next.Job.Progress
		if next.Job.RemainingSeconds != nil {
			remaining = float64(*next.Job.RemainingSeconds)
		}
	}
	c.progress.Set(progress)
	c.remaining.Set(remaining)
}

func (c *Collector) setMachine(state protocol.MachineState) {
	for _, s := range machineStates {
		c.machine.WithLabelValues(s.String()).Set(boolToFloat(s == state))
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var _ gateway.Observer = (*Collector)(nil)
