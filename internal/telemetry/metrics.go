package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobRuns            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_runs_total", Help: "Job invocations by outcome"}, []string{"job", "status"})
	JobBusyRejects     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_busy_rejects_total", Help: "Invocations rejected because the job lane was held"}, []string{"job"})
	JobRetries         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retries_total", Help: "Manual retries dispatched"})
	JobRecordFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_record_failures_total", Help: "Job outcomes that could not be persisted"})
	ChatMessages       = prometheus.NewCounter(prometheus.CounterOpts{Name: "chat_messages_total", Help: "Chat messages persisted"})
	BroadcastDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hub_deliveries_total", Help: "Payloads queued to connections"}, []string{"event"})
	BroadcastDropped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hub_drops_total", Help: "Payloads dropped because a connection was gone or saturated"}, []string{"event"})
	ConnectionsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hub_connections", Help: "Live connections"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobRuns,
			JobBusyRejects,
			JobRetries,
			JobRecordFailures,
			ChatMessages,
			BroadcastDelivered,
			BroadcastDropped,
			ConnectionsGauge,
		)
	})
	return promhttp.Handler()
}
