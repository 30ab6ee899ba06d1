// Package metrics declares the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store writes issued by the reconciler
	UpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donut_upserts_total",
			Help: "Total reconciler upserts",
		},
		[]string{"entity", "result"}, // result: "insert", "update", "noop" or "error"
	)

	PlaceholderRooms = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "donut_placeholder_rooms_total",
			Help: "Rooms created implicitly from a message",
		},
	)

	// REST metrics
	RESTRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donut_rest_requests_total",
			Help: "Total REST requests",
		},
		[]string{"endpoint", "status"},
	)

	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "donut_rest_request_duration_seconds",
			Help:    "REST request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)

	// Cable metrics
	CableReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "donut_cable_reconnects_total",
			Help: "Cable reconnect attempts",
		},
	)

	CableFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donut_cable_frames_total",
			Help: "Cable frames received",
		},
		[]string{"type"},
	)

	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donut_push_events_total",
			Help: "Channel push payloads handled by room sessions",
		},
		[]string{"result"}, // "ok" or "malformed"
	)

	// Dev server metrics
	DevServerClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "donut_devserver_cable_clients",
			Help: "Cable clients connected to the dev server",
		},
	)

	DevServerMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "donut_devserver_messages_total",
			Help: "Messages created on the dev server",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns an HTTP server exposing Handler at /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
