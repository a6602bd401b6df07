// Package metrics holds the prometheus collectors for the scale and printer
// adapters. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "washline_agent"

type Metrics struct {
	registry *prometheus.Registry

	readings        *prometheus.CounterVec
	discardedLines  prometheus.Counter
	readLoopExits   *prometheus.CounterVec
	printJobs       *prometheus.CounterVec
	chunksWritten   prometheus.Counter
	deviceConnected *prometheus.GaugeVec
	agentCommands   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scale",
			Name:      "readings_total",
			Help:      "Weight readings parsed from the scale stream.",
		}, []string{"unit"}),
		discardedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scale",
			Name:      "discarded_lines_total",
			Help:      "Scale lines that did not contain a usable weight.",
		}),
		readLoopExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scale",
			Name:      "read_loop_exits_total",
			Help:      "Scale read loop terminations by reason.",
		}, []string{"reason"}),
		printJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "printer",
			Name:      "jobs_total",
			Help:      "Print jobs by kind and result.",
		}, []string{"kind", "result"}),
		chunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "printer",
			Name:      "chunks_written_total",
			Help:      "Chunks successfully transferred to the printer.",
		}),
		deviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 when the device adapter holds an open connection.",
		}, []string{"device"}),
		agentCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "commands_total",
			Help:      "Backend commands executed by the agent.",
		}, []string{"command", "status"}),
	}

	reg.MustRegister(
		m.readings,
		m.discardedLines,
		m.readLoopExits,
		m.printJobs,
		m.chunksWritten,
		m.deviceConnected,
		m.agentCommands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Reading(unit string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(unit).Inc()
}

func (m *Metrics) DiscardedLine() {
	if m == nil {
		return
	}
	m.discardedLines.Inc()
}

func (m *Metrics) ReadLoopExit(reason string) {
	if m == nil {
		return
	}
	m.readLoopExits.WithLabelValues(reason).Inc()
}

func (m *Metrics) PrintJob(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.printJobs.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ChunkWritten() {
	if m == nil {
		return
	}
	m.chunksWritten.Inc()
}

func (m *Metrics) Connected(device string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.deviceConnected.WithLabelValues(device).Set(v)
}

func (m *Metrics) Command(command string, err error) {
	if m == nil {
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	m.agentCommands.WithLabelValues(command, status).Inc()
}
