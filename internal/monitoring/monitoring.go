// Package monitoring collects the prometheus metrics exposed on /metrics.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	samples     *prometheus.CounterVec
	resyncs     *prometheus.CounterVec
	feedChanges *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	rosterUsers prometheus.Gauge
	rosterGen   prometheus.Gauge
	wsClients   *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locmond_samples_total",
			Help: "Position samples by ingest source and gate decision.",
		}, []string{"source", "reason"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locmond_resyncs_total",
			Help: "Full roster resyncs by trigger.",
		}, []string{"trigger"}),
		feedChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locmond_feed_changes_total",
			Help: "Location change events observed on the feed.",
		}, []string{"kind"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locmond_store_errors_total",
			Help: "Location store failures by operation.",
		}, []string{"op"}),
		rosterUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "locmond_roster_users",
			Help: "Users in the current roster snapshot.",
		}),
		rosterGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "locmond_roster_generation",
			Help: "Generation counter of the roster snapshot.",
		}),
		wsClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "locmond_ws_clients",
			Help: "Connected websocket clients per endpoint.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		c.samples,
		c.resyncs,
		c.feedChanges,
		c.storeErrors,
		c.rosterUsers,
		c.rosterGen,
		c.wsClients,
	)
	return c
}

func (c *Collector) RecordSample(source, reason string) {
	c.samples.WithLabelValues(source, reason).Inc()
}

func (c *Collector) RecordResync(trigger string) {
	c.resyncs.WithLabelValues(trigger).Inc()
}

func (c *Collector) RecordFeedChange(kind string) {
	c.feedChanges.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordStoreError(op string) {
	c.storeErrors.WithLabelValues(op).Inc()
}

func (c *Collector) SetRoster(users int, gen uint64) {
	c.rosterUsers.Set(float64(users))
	c.rosterGen.Set(float64(gen))
}

func (c *Collector) WsConnected(endpoint string) {
	c.wsClients.WithLabelValues(endpoint).Inc()
}

func (c *Collector) WsDisconnected(endpoint string) {
	c.wsClients.WithLabelValues(endpoint).Dec()
}

// Handler serves the prometheus scrape endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
