package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mutationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_mutations_total",
			Help: "Mutations handled by the state machine, by kind and outcome",
		}, []string{"kind", "outcome"},
	)

	invariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pos_invariant_violations_total",
			Help: "Internal state machine invariant violations",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_events_published_total",
			Help: "Events relayed from the outbox to the broker",
		}, []string{"channel"},
	)

	gatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pos_gateway_connections",
			Help: "Open real-time client connections",
		},
	)

	gatewayDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pos_gateway_slow_consumers_total",
			Help: "Connections closed because their send buffer was full",
		},
	)

	connectivityState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pos_terminal_online",
			Help: "Terminal connectivity: 0=offline, 1=online",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pos_terminal_pending_mutations",
			Help: "Mutations waiting in the local durable queue",
		},
	)

	syncResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_terminal_sync_results_total",
			Help: "Sync attempts by result: accepted, rejected, transient",
		}, []string{"result"},
	)
)

func MutationHandled(kind, outcome string) { mutationsApplied.WithLabelValues(kind, outcome).Inc() }

func InvariantViolation() { invariantViolations.Inc() }

func EventPublished(channel string) { eventsPublished.WithLabelValues(channel).Inc() }

func ConnectionOpened() { gatewayConnections.Inc() }

func ConnectionClosed() { gatewayConnections.Dec() }

func SlowConsumerDropped() { gatewayDropped.Inc() }

func SetOnline(online bool) {
	if online {
		connectivityState.Set(1)
		return
	}
	connectivityState.Set(0)
}

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func SyncResult(result string) { syncResults.WithLabelValues(result).Inc() }

func Handler() http.Handler { return promhttp.Handler() }
