// Package metrics exposes the gateway's Prometheus instrumentation. It is
// pure observability bolted onto the pipeline: nothing here ever gates or
// alters the workers' behavior.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gauge/counter the gateway exports.
type Metrics struct {
	reg *prometheus.Registry

	activeConnections   prometheus.Gauge
	bufferDepth         prometheus.Gauge
	readingsTotal       *prometheus.CounterVec
	alertsTotal         *prometheus.CounterVec
	storageInsertErrors prometheus.Counter
}

// New builds a Metrics bound to its own registry, so the endpoint never
// picks up the default Go runtime collectors unless explicitly added.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of sensor connections currently open.",
		}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_buffer_depth",
			Help: "Number of readings outstanding in the shared buffer.",
		}),
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_readings_total",
			Help: "Readings processed, labeled by outcome.",
		}, []string{"outcome"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_alerts_total",
			Help: "Out-of-range temperature alerts, labeled by sensor and direction.",
		}, []string{"sensor_id", "direction"}),
		storageInsertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_storage_insert_errors_total",
			Help: "Failed attempts to insert a reading into storage.",
		}),
	}

	reg.MustRegister(m.activeConnections, m.bufferDepth, m.readingsTotal, m.alertsTotal, m.storageInsertErrors)
	return m
}

// Handler returns the HTTP handler to serve at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetActiveConnections records the current connection count.
func (m *Metrics) SetActiveConnections(n int) { m.activeConnections.Set(float64(n)) }

// SetBufferDepth records the current shared-buffer depth.
func (m *Metrics) SetBufferDepth(n int) { m.bufferDepth.Set(float64(n)) }

// ReadingStored records a reading that made it into storage.
func (m *Metrics) ReadingStored() { m.readingsTotal.WithLabelValues("stored").Inc() }

// ReadingDropped records a reading discarded for an unregistered sensor.
func (m *Metrics) ReadingDropped() { m.readingsTotal.WithLabelValues("dropped").Inc() }

// Alert records an out-of-range alert for sensorID in the given
// direction ("low" or "high").
func (m *Metrics) Alert(sensorID uint16, direction string) {
	m.alertsTotal.WithLabelValues(strconv.Itoa(int(sensorID)), direction).Inc()
}

// StorageInsertError records a failed storage insert.
func (m *Metrics) StorageInsertError() { m.storageInsertErrors.Inc() }
