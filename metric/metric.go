// Package metric exposes Prometheus metrics for the sensor subsystem.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry bundles the subsystem's Prometheus collectors around a dedicated
// prometheus.Registry so the process default registry stays untouched.
type Registry struct {
	prometheusRegistry *prometheus.Registry

	SensorConnected   *prometheus.GaugeVec
	SensorReads       *prometheus.CounterVec
	ReadDuration      *prometheus.HistogramVec
	PollErrors        *prometheus.CounterVec
	ActionsExecuted   *prometheus.CounterVec
	MQTTMessages      *prometheus.CounterVec
	MQTTSubscriptions prometheus.Gauge
	PortsInUse        prometheus.Gauge
	ReadingsArchived  *prometheus.CounterVec
	BusPublished      *prometheus.CounterVec
}

// NewRegistry creates a Registry with all collectors registered, plus Go
// runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),

		SensorConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "smarthome",
				Subsystem: "sensor",
				Name:      "connected",
				Help:      "Sensor connection status (0=disconnected, 1=connected)",
			},
			[]string{"sensor", "protocol"},
		),

		SensorReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smarthome",
				Subsystem: "sensor",
				Name:      "reads_total",
				Help:      "Total sensor reads by outcome",
			},
			[]string{"sensor", "status"},
		),

		ReadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "smarthome",
				Subsystem: "sensor",
				Name:      "read_duration_seconds",
				Help:      "Sensor read duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sensor"},
		),

		PollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smarthome",
				Subsystem: "polling",
				Name:      "errors_total",
				Help:      "Total poll loop errors",
			},
			[]string{"sensor"},
		),

		ActionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smarthome",
				Subsystem: "sensor",
				Name:      "actions_total",
				Help:      "Total actions executed by outcome",
			},
			[]string{"sensor", "action", "status"},
		),

		MQTTMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smarthome",
				Subsystem: "mqtt",
				Name:      "messages_total",
				Help:      "Total MQTT messages dispatched to subscribers",
			},
			[]string{"topic"},
		),

		MQTTSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "smarthome",
				Subsystem: "mqtt",
				Name:      "subscriptions",
				Help:      "Active MQTT topic subscriptions on the shared session",
			},
		),

		PortsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "smarthome",
				Subsystem: "websocket",
				Name:      "ports_in_use",
				Help:      "WebSocket listener ports currently assigned",
			},
		),

		ReadingsArchived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smarthome",
				Subsystem: "retention",
				Name:      "archived_total",
				Help:      "Total readings archived to disk by retention sweeps",
			},
			[]string{"sensor"},
		),

		BusPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smarthome",
				Subsystem: "bus",
				Name:      "published_total",
				Help:      "Total readings published to the message bus",
			},
			[]string{"subject"},
		),
	}

	r.prometheusRegistry.MustRegister(
		r.SensorConnected,
		r.SensorReads,
		r.ReadDuration,
		r.PollErrors,
		r.ActionsExecuted,
		r.MQTTMessages,
		r.MQTTSubscriptions,
		r.PortsInUse,
		r.ReadingsArchived,
		r.BusPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry for scrape
// handler wiring.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// RecordConnected updates a sensor's connection gauge.
func (r *Registry) RecordConnected(sensor, protocol string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	r.SensorConnected.WithLabelValues(sensor, protocol).Set(value)
}

// RecordRead counts one read outcome and its duration.
func (r *Registry) RecordRead(sensor, status string, duration time.Duration) {
	r.SensorReads.WithLabelValues(sensor, status).Inc()
	r.ReadDuration.WithLabelValues(sensor).Observe(duration.Seconds())
}

// RecordAction counts one executed action by outcome.
func (r *Registry) RecordAction(sensor, action, status string) {
	r.ActionsExecuted.WithLabelValues(sensor, action, status).Inc()
}
