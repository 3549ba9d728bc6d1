// Prometheus collectors for the droplet host
//
// All collectors live on a private registry so that tests and embedded
// hosts can create independent instances. The process-wide instance is
// available through Global().
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "biochip"

// HostMetrics holds every collector exported by the host.
type HostMetrics struct {
	registry *prometheus.Registry

	// Device link
	CommandsSent      *prometheus.CounterVec
	RepliesAcked      prometheus.Counter
	VersionReplies    prometheus.Counter
	UnexpectedReplies prometheus.Counter
	StaleCommands     prometheus.Counter
	PendingCommands   prometheus.Gauge
	AckLatency        prometheus.Histogram

	// Program execution
	OperationsExecuted *prometheus.CounterVec
	Ticks              prometheus.Counter
	ActiveDroplets     prometheus.Gauge
	SplitsUnavailable  prometheus.Counter
	VisionMismatches   prometheus.Counter
	CompileDiagnostics *prometheus.CounterVec
}

// NewHostMetrics creates a HostMetrics instance with its own registry.
func NewHostMetrics() *HostMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &HostMetrics{
		registry: reg,

		CommandsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "commands_sent_total",
			Help:      "Commands written to the device, by opcode",
		}, []string{"opcode"}),
		RepliesAcked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "replies_acked_total",
			Help:      "Echo replies matched against a pending command",
		}),
		VersionReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "version_replies_total",
			Help:      "Version replies received from the device",
		}),
		UnexpectedReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "unexpected_replies_total",
			Help:      "Replies that matched no pending command",
		}),
		StaleCommands: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "stale_commands_total",
			Help:      "Pending commands evicted without an echo",
		}),
		PendingCommands: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "pending_commands",
			Help:      "Commands awaiting an echo",
		}),
		AckLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "ack_latency_seconds",
			Help:      "Time between writing a command and receiving its echo",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		OperationsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "operations_total",
			Help:      "Program operations executed, by kind",
		}, []string{"kind"}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grid",
			Name:      "ticks_total",
			Help:      "Movement ticks executed",
		}),
		ActiveDroplets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "grid",
			Name:      "active_droplets",
			Help:      "Droplets currently on the grid",
		}),
		SplitsUnavailable: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grid",
			Name:      "splits_unavailable_total",
			Help:      "Split operations with no valid target pair",
		}),
		VisionMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grid",
			Name:      "vision_mismatches_total",
			Help:      "Observed positions that differed from the tracked position",
		}),
		CompileDiagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "diagnostics_total",
			Help:      "Compile diagnostics reported, by error code",
		}, []string{"code"}),
	}
}

// Registry returns the registry holding all host collectors.
func (m *HostMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCommand counts a command written to the device.
func (m *HostMetrics) RecordCommand(opcode string) {
	m.CommandsSent.WithLabelValues(opcode).Inc()
}

// RecordAck counts an echo matched to a pending command.
func (m *HostMetrics) RecordAck(latency time.Duration) {
	m.RepliesAcked.Inc()
	m.AckLatency.Observe(latency.Seconds())
}

// RecordOperation counts an executed program operation.
func (m *HostMetrics) RecordOperation(kind string) {
	m.OperationsExecuted.WithLabelValues(kind).Inc()
}

// RecordDiagnostic counts a compile diagnostic.
func (m *HostMetrics) RecordDiagnostic(code string) {
	m.CompileDiagnostics.WithLabelValues(code).Inc()
}

var (
	globalMetrics     *HostMetrics
	globalMetricsOnce sync.Once
)

// Global returns the process-wide metrics instance.
func Global() *HostMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewHostMetrics()
	})
	return globalMetrics
}
