package coalesce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	executions   prometheus.Counter
	failures     prometheus.Counter
	throttleHits prometheus.Counter
	joins        prometheus.Counter
}

// newMetrics registers the coalescer counters with reg. A nil reg yields
// working but unregistered counters.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		executions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "limitboard",
			Subsystem: "coalesce",
			Name:      "executions_total",
			Help:      "Outbound requests actually sent to the transport.",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "limitboard",
			Subsystem: "coalesce",
			Name:      "failures_total",
			Help:      "Executions that returned an error.",
		}),
		throttleHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "limitboard",
			Subsystem: "coalesce",
			Name:      "throttle_hits_total",
			Help:      "Calls answered from a result inside the throttle window.",
		}),
		joins: f.NewCounter(prometheus.CounterOpts{
			Namespace: "limitboard",
			Subsystem: "coalesce",
			Name:      "joins_total",
			Help:      "Calls that attached to an execution already in flight.",
		}),
	}
}
