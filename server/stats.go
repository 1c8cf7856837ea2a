// Prometheus metrics of the gateway: live sessions and topics, websocket
// traffic and latency of event emission.

package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinode/fanout/server/logs"
)

// Emission latency distribution bounds (in milliseconds).
// "var" because Go does not support array constants.
var emitLatencyDistribution = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

var (
	statsLiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fanout",
		Subsystem: "gateway",
		Name:      "live_sessions",
		Help:      "Number of connected websocket sessions.",
	})
	statsTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fanout",
		Subsystem: "gateway",
		Name:      "topics",
		Help:      "Number of topics joined by at least one local session.",
	})
	statsIncomingFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fanout",
		Subsystem: "gateway",
		Name:      "incoming_frames_total",
		Help:      "Frames received from websocket clients.",
	})
	statsOutgoingFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fanout",
		Subsystem: "gateway",
		Name:      "outgoing_frames_total",
		Help:      "Push frames queued for websocket clients.",
	})
	statsDroppedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fanout",
		Subsystem: "gateway",
		Name:      "dropped_sessions_total",
		Help:      "Sessions closed because they could not keep up with fanout.",
	})
	statsEmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fanout",
		Subsystem: "gateway",
		Name:      "emit_latency_ms",
		Help:      "Time to emit one event to all local subscribers.",
		Buckets:   emitLatencyDistribution,
	})
)

// Initialize stats reporting through the Prometheus handler.
func statsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	prometheus.MustRegister(versioncollector.NewCollector("fanout"))

	start := time.Now()
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fanout",
		Name:      "uptime_seconds",
		Help:      "Time since the server started.",
	}, func() float64 {
		return time.Since(start).Seconds()
	})

	mux.Handle(path, promhttp.Handler())

	logs.Info.Printf("stats: metrics exposed at '%s'", path)
}
