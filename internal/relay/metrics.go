package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	publishesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "relay",
			Name:      "publishes",
			Help:      "Envelopes accepted by Publish, before fan-out",
		},
	)
	publishRefused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "relay",
			Name:      "publish_refused",
			Help:      "Publishes refused before reaching a mailbox, by reason",
		},
		[]string{"reason"},
	)
	endpointsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dork",
			Subsystem: "relay",
			Name:      "endpoints_active",
			Help:      "Registered endpoints with a running dispatcher",
		},
	)
	subscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dork",
			Subsystem: "relay",
			Name:      "subscribers_active",
			Help:      "In-process subscriptions currently registered",
		},
	)
)

func init() {
	prometheus.MustRegister(publishesTotal)
	prometheus.MustRegister(publishRefused)
	prometheus.MustRegister(endpointsActive)
	prometheus.MustRegister(subscribersActive)
}
