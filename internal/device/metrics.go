package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelOutcome = "outcome"

	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeDiscard  = "discard"
)

var (
	metricPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devicecore_polls_total",
			Help: "Total number of poll() cycles executed",
		},
	)

	metricMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecore_inbound_messages_total",
			Help: "Total number of inbound signal messages processed, by outcome",
		},
		[]string{labelOutcome},
	)

	metricActiveInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devicecore_active_instances",
			Help: "Number of currently-active signal instances",
		},
		[]string{"signal"},
	)

	metricOverflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecore_instance_overflows_total",
			Help: "Total number of instance-pool overflow events",
		},
		[]string{"signal"},
	)
)
