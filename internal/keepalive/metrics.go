package keepalive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycleCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "keepalive",
		Name:      "cycles_total",
		Help:      "Keep-alive cycles by outcome.",
	}, []string{"outcome"})

	renewalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "keepalive",
		Name:      "renewals_total",
		Help:      "Automated renewal attempts by result.",
	}, []string{"result"})

	lastCheckGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessiond",
		Subsystem: "keepalive",
		Name:      "last_check_timestamp_seconds",
		Help:      "Unix time of the last completed validity check.",
	})
)
