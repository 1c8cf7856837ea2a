package ingest

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tinode/fanout/server/store/types"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanout",
		Subsystem: "ingest",
		Name:      "requests_total",
		Help:      "Write requests by operation and outcome.",
	}, []string{"op", "outcome"})

	deliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanout",
		Subsystem: "ingest",
		Name:      "delivery_total",
		Help:      "Events handed to the relay or emitted locally as a fallback.",
	}, []string{"path"})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrInvalid):
		return "invalid"
	case errors.Is(err, types.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, types.ErrForbidden):
		return "forbidden"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
