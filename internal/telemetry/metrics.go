// Package telemetry exports sensor readings and plant health to Prometheus
// and MQTT.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/health"
	"github.com/chaz8081/soilsense/internal/plant"
)

const namespace = "soilsense"

// Metrics holds the daemon's Prometheus collectors on a private registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	moisture      prometheus.Gauge
	moistureLow   prometheus.Gauge
	sessionState  prometheus.Gauge
	plantHealth   *prometheus.GaugeVec
	healthCommits *prometheus.CounterVec
	episodes      *prometheus.CounterVec
	sessionErrors *prometheus.CounterVec

	mu      sync.Mutex
	lastErr string
}

// NewMetrics creates and registers the collectors. Process and Go runtime
// collectors are included.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		moisture: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_moisture_raw",
			Help:      "Latest raw soil moisture reading from the sensor.",
		}),
		moistureLow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_moisture_low",
			Help:      "1 while the latest reading classifies as dry soil.",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_session_state",
			Help:      "Sensor session state: 0 idle, 1 scanning, 2 connecting, 3 connected, 4 disconnected.",
		}),
		plantHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plant_health_percent",
			Help:      "Last committed health of a plant.",
		}, []string{"plant"}),
		healthCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plant_health_commits_total",
			Help:      "Health values written to the plant store.",
		}, []string{"plant"}),
		episodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plant_dryness_episodes_total",
			Help:      "Dryness episodes opened and closed.",
		}, []string{"plant", "event"}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_session_errors_total",
			Help:      "Errors recorded by the sensor session, by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.moisture,
		m.moistureLow,
		m.sessionState,
		m.plantHealth,
		m.healthCommits,
		m.episodes,
		m.sessionErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSnapshot records a session snapshot. An error is counted once even
// if several snapshots carry it.
func (m *Metrics) ObserveSnapshot(snap ble.Snapshot) {
	m.sessionState.Set(float64(snap.State))
	if snap.Reading != nil {
		m.moisture.Set(float64(*snap.Reading))
		if health.IsDry(snap.Reading) {
			m.moistureLow.Set(1)
		} else {
			m.moistureLow.Set(0)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Err != "" && snap.Err != m.lastErr {
		kind := snap.ErrKind
		if kind == "" {
			kind = "other"
		}
		m.sessionErrors.WithLabelValues(kind).Inc()
	}
	m.lastErr = snap.Err
}

// HealthCommitted implements monitor.Listener.
func (m *Metrics) HealthCommitted(plantID string, v float64) {
	m.plantHealth.WithLabelValues(plantID).Set(v)
	m.healthCommits.WithLabelValues(plantID).Inc()
}

// EpisodeChanged implements monitor.Listener.
func (m *Metrics) EpisodeChanged(plantID string, ep *plant.DrynessEpisode) {
	event := "closed"
	if ep != nil {
		event = "opened"
	}
	m.episodes.WithLabelValues(plantID, event).Inc()
}

// ForgetPlant drops the series of a removed plant.
func (m *Metrics) ForgetPlant(plantID string) {
	m.plantHealth.DeleteLabelValues(plantID)
	m.healthCommits.DeleteLabelValues(plantID)
	m.episodes.DeleteLabelValues(plantID, "opened")
	m.episodes.DeleteLabelValues(plantID, "closed")
}
