package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_tasks_submitted_total",
		Help: "Tasks accepted into the channel.",
	}, []string{"kind", "mode"})

	tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_tasks_finished_total",
		Help: "Tasks whose result slot was resolved.",
	}, []string{"kind", "status"})

	engineCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autopilot_engine_call_duration_seconds",
		Help:    "Duration of synchronous engine calls made by the worker.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"op", "outcome"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_queue_depth",
		Help: "Tasks waiting in the channel.",
	})

	tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_tasks_in_flight",
		Help: "Tracked tasks started on the engine and not yet finished.",
	})

	workerDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_worker_degraded",
		Help: "1 while the worker is degraded, 0 otherwise.",
	})

	invariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_invariant_violations_total",
		Help: "Internal invariant violations detected.",
	})

	watchdogTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_watchdog_timeouts_total",
		Help: "Tracked tasks failed by the watchdog after their deadline.",
	})

	bridgeMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_engine_messages_total",
		Help: "Engine callback messages received, by code name.",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(
		tasksSubmitted,
		tasksFinished,
		engineCallDuration,
		queueDepth,
		tasksInFlight,
		workerDegraded,
		invariantViolations,
		watchdogTimeouts,
		bridgeMessages,
	)
}

func observeCall(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	engineCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}
