package sink

import "github.com/prometheus/client_golang/prometheus"

var (
	sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_sink_errors_total",
		Help: "Events a sink failed to write, by sink.",
	}, []string{"sink"})

	sinkPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_sink_published_total",
		Help: "Events written by a sink, by sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(sinkErrors, sinkPublished)
}
