package signals

import "github.com/prometheus/client_golang/prometheus"

var (
	signalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "signals",
			Name:      "emitted",
			Help:      "Signals emitted, by signal type",
		},
		[]string{"type"},
	)
	signalsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "signals",
			Name:      "dropped",
			Help:      "Signals dropped because a subscriber buffer was full",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(signalsEmitted)
	prometheus.MustRegister(signalsDropped)
}
