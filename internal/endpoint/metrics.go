package endpoint

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "lookup_attempts_total",
		Namespace: "summit_stream",
		Help:      "public address lookups by service and outcome",
	}, []string{"service", "outcome"})
	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "resolutions_total",
		Namespace: "summit_stream",
		Help:      "successful endpoint resolutions by candidate source",
	}, []string{"source"})
	resolutionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "resolution_failures_total",
		Namespace: "summit_stream",
		Help:      "resolutions that exhausted every lookup service",
	})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyResponse):
		return "empty"
	default:
		return "unreachable"
	}
}
