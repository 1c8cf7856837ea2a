package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clusterNodesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fanout",
		Subsystem: "cluster",
		Name:      "nodes_total",
		Help:      "Number of configured cluster nodes.",
	})
	clusterNodesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fanout",
		Subsystem: "cluster",
		Name:      "nodes_live",
		Help:      "Number of peer nodes currently believed to be up.",
	})
	clusterRouteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fanout",
		Subsystem: "cluster",
		Name:      "route_failures_total",
		Help:      "Events which could not be sent to a peer node.",
	})
)
