// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	upstreamCalls  *prometheus.CounterVec
	cycles         *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	deliveries     *prometheus.CounterVec
	webhookPushes  *prometheus.CounterVec
	followedGauge  *prometheus.GaugeVec
	pollerInterval *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_calls_total",
				Help: "Upstream API calls by client and outcome",
			},
			[]string{"client", "outcome"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_poll_cycles_total",
				Help: "Completed poll cycles by platform",
			},
			[]string{"platform"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_poll_cycle_duration_seconds",
				Help:    "Time taken by one poll cycle over all channels of a platform",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_notifications_total",
				Help: "Notifications by platform, item kind and status",
			},
			[]string{"platform", "kind", "status"},
		),
		webhookPushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhook_pushes_total",
				Help: "Inbound webhook requests by status",
			},
			[]string{"status"},
		),
		followedGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_followed_channels",
				Help: "Followed channels with at least one subscriber",
			},
			[]string{"platform"},
		),
		pollerInterval: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_poll_interval_seconds",
				Help: "Current sleep interval between poll cycles",
			},
			[]string{"platform"},
		),
	}

	reg.MustRegister(
		m.upstreamCalls,
		m.cycles,
		m.cycleDuration,
		m.deliveries,
		m.webhookPushes,
		m.followedGauge,
		m.pollerInterval,
	)
	return m
}

// Handler exposes the registered collectors over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveCall counts one upstream call outcome.
func (m *Metrics) ObserveCall(client, outcome string) {
	if m == nil {
		return
	}
	m.upstreamCalls.WithLabelValues(client, outcome).Inc()
}

// ObserveCycle records a finished poll cycle.
func (m *Metrics) ObserveCycle(platform string, channels int, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(platform).Inc()
	m.cycleDuration.WithLabelValues(platform).Observe(d.Seconds())
	m.followedGauge.WithLabelValues(platform).Set(float64(channels))
}

// ObserveInterval records the sleep interval chosen by a poller.
func (m *Metrics) ObserveInterval(platform string, d time.Duration) {
	if m == nil {
		return
	}
	m.pollerInterval.WithLabelValues(platform).Set(d.Seconds())
}

// ObserveDelivery counts one notification sent (or failed) to one target.
func (m *Metrics) ObserveDelivery(platform, kind, status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(platform, kind, status).Inc()
}

// ObserveWebhook counts one inbound webhook request.
func (m *Metrics) ObserveWebhook(status string) {
	if m == nil {
		return
	}
	m.webhookPushes.WithLabelValues(status).Inc()
}
