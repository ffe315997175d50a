package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	submittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "pipeline",
			Name:      "submitted",
			Help:      "Envelopes accepted into a mailbox (per endpoint fan-out counted separately)",
		},
	)
	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "pipeline",
			Name:      "rejected",
			Help:      "Envelopes rejected at submit, by reason",
		},
		[]string{"reason"},
	)
	deliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "pipeline",
			Name:      "delivered",
			Help:      "Envelopes successfully dispatched to their handler",
		},
	)
	dispatchFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dork",
			Subsystem: "pipeline",
			Name:      "dispatch_failed",
			Help:      "Dispatch attempts that dead-lettered the envelope, by reason",
		},
		[]string{"reason"},
	)
	dispatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dork",
			Subsystem: "pipeline",
			Name:      "dispatch_seconds",
			Help:      "Time spent inside handlers per dispatched envelope",
			Buckets:   prometheus.DefBuckets,
		},
	)
	mailboxPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dork",
			Subsystem: "pipeline",
			Name:      "mailbox_pending",
			Help:      "Messages waiting in new/ per endpoint hash",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(submittedTotal)
	prometheus.MustRegister(rejectedTotal)
	prometheus.MustRegister(deliveredTotal)
	prometheus.MustRegister(dispatchFailed)
	prometheus.MustRegister(dispatchSeconds)
	prometheus.MustRegister(mailboxPending)
}
