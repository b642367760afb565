package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spanreed_frontend_clients_connected",
			Help: "Number of registered client connections",
		},
	)

	ClientsBound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spanreed_frontend_clients_bound",
			Help: "Number of client connections bound to a uid",
		},
	)

	ClientsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spanreed_frontend_clients_rejected_total",
			Help: "Connections closed for protocol violations by reason",
		},
		[]string{"reason"},
	)

	// Dispatch metrics
	CommandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spanreed_frontend_commands_dispatched_total",
			Help: "Client commands dispatched by path (local or remote)",
		},
		[]string{"path"},
	)

	CommandsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spanreed_frontend_commands_dropped_total",
			Help: "Client commands dropped by reason",
		},
		[]string{"reason"},
	)

	HandlerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spanreed_frontend_handler_failures_total",
			Help: "Local handler invocations that returned an error or panicked",
		},
	)

	ForwardedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spanreed_frontend_forwarded_bytes_total",
			Help: "Bytes of command-forward frames handed to the RPC channel",
		},
	)

	// Backend ingestion metrics
	BackendFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spanreed_frontend_backend_frames_total",
			Help: "Frames received from backend nodes by type",
		},
		[]string{"type"},
	)

	PushDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spanreed_frontend_push_deliveries_total",
			Help: "Per-uid push deliveries by result",
		},
		[]string{"result"},
	)

	// RPC channel metrics
	BackendConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spanreed_frontend_backend_connected",
			Help: "Whether the RPC channel to a backend node is connected (1 = connected)",
		},
		[]string{"node_id"},
	)
)

func init() {
	prometheus.MustRegister(ClientsConnected)
	prometheus.MustRegister(ClientsBound)
	prometheus.MustRegister(ClientsRejected)
	prometheus.MustRegister(CommandsDispatched)
	prometheus.MustRegister(CommandsDropped)
	prometheus.MustRegister(HandlerFailures)
	prometheus.MustRegister(ForwardedBytes)
	prometheus.MustRegister(BackendFrames)
	prometheus.MustRegister(PushDeliveries)
	prometheus.MustRegister(BackendConnections)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
