package progress

import "github.com/prometheus/client_golang/prometheus"

var (
	registryEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_registry_entries",
		Help: "Tracked tasks currently held by the progress registry.",
	})

	registrySwept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_registry_swept_total",
		Help: "Registry entries removed by the sweeper.",
	}, []string{"reason"})

	duplicateTerminals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_duplicate_terminal_total",
		Help: "Terminal updates received for tasks that were already terminal.",
	})

	brokerSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_broker_subscribers",
		Help: "Active event stream subscribers.",
	})

	brokerDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_broker_dropped_events_total",
		Help: "Events evicted from full subscriber buffers.",
	})
)

func init() {
	prometheus.MustRegister(registryEntries, registrySwept, duplicateTerminals, brokerSubscribers, brokerDropped)
}
