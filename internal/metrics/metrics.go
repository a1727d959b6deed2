// Package metrics exposes bandwidth, CPU, and session gauges in
// Prometheus exposition format, sampled from the relay registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the streaming engine.
type Metrics struct {
	registry *prometheus.Registry

	clientBandwidth *prometheus.GaugeVec
	transcoderCPU   *prometheus.GaugeVec
	transcoderRSS   *prometheus.GaugeVec
	bytesProduced   *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	subscribers     prometheus.Gauge
}

// New creates and registers the fritztv metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		clientBandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fritztv_client_bandwidth_bytes",
			Help: "Current delivery bandwidth per channel in bytes/sec",
		}, []string{"channel_id"}),
		transcoderCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fritztv_transcoder_cpu_percent",
			Help: "Current CPU usage of the transcoder process per channel (0-100+)",
		}, []string{"channel_id"}),
		transcoderRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fritztv_transcoder_memory_rss_bytes",
			Help: "Resident set size of the transcoder process per channel",
		}, []string{"channel_id"}),
		bytesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fritztv_bytes_produced_total",
			Help: "Total bytes produced by the transcoder per channel",
		}, []string{"channel_id"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fritztv_active_sessions",
			Help: "Number of sessions in the registry",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fritztv_subscribers",
			Help: "Number of attached subscribers across all sessions",
		}),
	}

	registry.MustRegister(
		m.clientBandwidth,
		m.transcoderCPU,
		m.transcoderRSS,
		m.bytesProduced,
		m.activeSessions,
		m.subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// forgetChannel drops the per-channel gauge series of a torn-down
// session. The bytes-produced counter series is kept.
func (m *Metrics) forgetChannel(channelID string) {
	m.clientBandwidth.DeleteLabelValues(channelID)
	m.transcoderCPU.DeleteLabelValues(channelID)
	m.transcoderRSS.DeleteLabelValues(channelID)
}
