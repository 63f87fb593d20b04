package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the dispatcher's prometheus collectors.
type Metrics struct {
	Matches     *prometheus.CounterVec
	MatchErrors prometheus.Counter
	Reroutes    prometheus.Counter
	Deliveries  *prometheus.CounterVec
	Processors  prometheus.Gauge
	TaskTimers  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comms_router",
			Subsystem: "dispatch",
			Name:      "matches_total",
			Help:      "Committed task/agent pairings by trigger.",
		}, []string{"source"}),
		MatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comms_router",
			Subsystem: "dispatch",
			Name:      "match_errors_total",
			Help:      "Matching attempts that failed.",
		}),
		Reroutes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comms_router",
			Subsystem: "dispatch",
			Name:      "reroutes_total",
			Help:      "Tasks moved to their next route after a queued timeout.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comms_router",
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Assignment notification outcomes.",
		}, []string{"outcome"}),
		Processors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "comms_router",
			Subsystem: "dispatch",
			Name:      "queue_processors",
			Help:      "Live queue processors.",
		}),
		TaskTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "comms_router",
			Subsystem: "dispatch",
			Name:      "task_timers",
			Help:      "Armed queued-task timers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Matches, m.MatchErrors, m.Reroutes, m.Deliveries, m.Processors, m.TaskTimers)
	}
	return m
}

const (
	sourceQueue = "queue"
	sourceAgent = "agent"

	outcomeDelivered = "delivered"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeExhausted = "exhausted"
)
