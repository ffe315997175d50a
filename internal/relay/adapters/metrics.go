package adapters

import "github.com/prometheus/client_golang/prometheus"

var deliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dork",
		Subsystem: "adapters",
		Name:      "deliveries_total",
		Help:      "Envelopes routed to channel adapters.",
	},
	[]string{"adapter"},
)

var deliveryFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dork",
		Subsystem: "adapters",
		Name:      "delivery_failures_total",
		Help:      "Envelopes a channel adapter failed to transport.",
	},
	[]string{"adapter"},
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(deliveryFailures)
}
