package queue

import "github.com/prometheus/client_golang/prometheus"

var queuedMsgs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "duraq",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Amount of queued messages",
	},
	[]string{"queue"},
)

var pushedMsgs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "duraq",
		Subsystem: "queue",
		Name:      "pushed_total",
		Help:      "Amount of messages pushed",
	},
	[]string{"queue"},
)

var pulledMsgs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "duraq",
		Subsystem: "queue",
		Name:      "pulled_total",
		Help:      "Amount of messages pulled",
	},
	[]string{"queue"},
)

func init() {
	prometheus.MustRegister(queuedMsgs, pushedMsgs, pulledMsgs)
}
