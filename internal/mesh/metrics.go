package mesh

import "github.com/prometheus/client_golang/prometheus"

var (
	registrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "mesh",
			Name:      "registrations",
			Help:      "Agents registered or re-registered",
		},
	)
	unregistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "mesh",
			Name:      "unregistrations",
			Help:      "Agents removed from the registry",
		},
	)
	healthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "mesh",
			Name:      "health_transitions",
			Help:      "Observed agent health changes, by resulting state",
		},
		[]string{"to"},
	)
	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "mesh",
			Name:      "sweeps",
			Help:      "Completed health sweep passes",
		},
	)
)

func init() {
	prometheus.MustRegister(registrationsTotal)
	prometheus.MustRegister(unregistrationsTotal)
	prometheus.MustRegister(healthTransitions)
	prometheus.MustRegister(sweepsTotal)
}
