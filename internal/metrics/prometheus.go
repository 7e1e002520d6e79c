package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var eventsDesc = prometheus.NewDesc(
	"voxlink_call_relay_events_total",
	"Internal event counters.",
	[]string{"event"},
	nil,
)

// collector bridges the in-process counter registry into a Prometheus
// collector. All counters surface as a single metric with an `event` label,
// which keeps the registry simple while still allowing scraping.
type collector struct {
	m *Metrics
}

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- eventsDesc
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	for event, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(v), event)
	}
}

// Handler exposes m at a Prometheus scrape endpoint.
//
// A dedicated registry is used so tests (and embedders) never collide with
// the global default registry.
func Handler(m *Metrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector{m: m})
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
