package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "agentbridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentbridge_connected_clients",
		Help: "Number of connected application clients",
	})

	connectedAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentbridge_connected_agents",
		Help: "Number of connected agents",
	})

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_messages_total",
			Help: "Messages dispatched by kind and outcome",
		},
		[]string{"type", "outcome"},
	)

	routingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_routing_errors_total",
			Help: "Routing failures by error code",
		},
		[]string{"code"},
	)

	evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbridge_evictions_total",
		Help: "Connections evicted by the liveness monitor",
	})
)

// Register registers all collectors with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(buildInfo, connectedClients, connectedAgents, messagesTotal, routingErrors, evictions)
}

// SetBuildInfo records the running build.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetConnectionCounts updates the connection gauges.
func SetConnectionCounts(clients, agents int) {
	connectedClients.Set(float64(clients))
	connectedAgents.Set(float64(agents))
}

// RecordMessage counts one dispatched message.
func RecordMessage(msgType, outcome string) {
	messagesTotal.WithLabelValues(msgType, outcome).Inc()
}

// RecordRoutingError counts one routing failure by stable code.
func RecordRoutingError(code string) {
	routingErrors.WithLabelValues(code).Inc()
}

// RecordEvictions counts connections removed by the liveness monitor.
func RecordEvictions(n int) {
	evictions.Add(float64(n))
}
