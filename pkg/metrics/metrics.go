// Package metrics exposes the platform's Prometheus collectors and the
// /metrics handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueriesTotal counts query-endpoint requests by backend and outcome.
	// Outcome is "ok" or "error"; the HTTP status is always 200 on these
	// endpoints, so the body's error field is what gets counted.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sleuth",
		Name:      "queries_total",
		Help:      "Query endpoint requests by endpoint, backend, and outcome.",
	}, []string{"endpoint", "backend", "outcome"})

	// SSESubscribers tracks currently connected event-stream subscribers.
	SSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sleuth",
		Name:      "sse_subscribers",
		Help:      "Currently connected SSE subscribers.",
	})

	// RunsTotal counts alert investigations by terminal state.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sleuth",
		Name:      "runs_total",
		Help:      "Alert investigation runs by terminal state.",
	}, []string{"state"})

	// UploadsTotal counts ingestion uploads by kind.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sleuth",
		Name:      "uploads_total",
		Help:      "Ingestion uploads accepted, by kind.",
	}, []string{"kind"})
)

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
