package rtsp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rtspSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name:      "rtsp_sessions",
	Namespace: "summit_stream",
	Help:      "number of open rtsp sessions",
})
