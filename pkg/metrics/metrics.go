package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "node"

// Metrics contains metrics exposed by a trading peer.
type Metrics struct {
	// Number of resting orders in the local book.
	BookSize metrics.Gauge
	// Number of maker orders matched by this peer's engine.
	Fills metrics.Counter
	// Own order submissions, labelled by outcome.
	Submissions metrics.Counter
	// Orders applied from order:new requests, own and remote.
	OrdersApplied metrics.Counter
	// Number of peers currently holding a suspend on this peer.
	GateHolders metrics.Gauge
	// Failed outbound requests, labelled by service.
	RPCErrors metrics.Counter
	// Current join state as its ordinal.
	JoinState metrics.Gauge
	// Fills shipped to the external broker.
	FillsPublished metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Collectors are registered on the default registry, so call it once.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		BookSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "book_size",
			Help:      "Number of resting orders in the local book.",
		}, []string{}),
		Fills: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fills_total",
			Help:      "Number of maker orders matched by this peer.",
		}, []string{}),
		Submissions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "submissions_total",
			Help:      "Own order submissions by outcome.",
		}, []string{"outcome"}),
		OrdersApplied: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "orders_applied_total",
			Help:      "Orders applied to the local book.",
		}, []string{}),
		GateHolders: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "gate_holders",
			Help:      "Peers currently suspending this peer's submissions.",
		}, []string{}),
		RPCErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rpc_errors_total",
			Help:      "Failed outbound requests by service.",
		}, []string{"service"}),
		JoinState: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "join_state",
			Help:      "Join state machine position.",
		}, []string{}),
		FillsPublished: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fills_published_total",
			Help:      "Fills shipped to the broker.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BookSize:       discard.NewGauge(),
		Fills:          discard.NewCounter(),
		Submissions:    discard.NewCounter(),
		OrdersApplied:  discard.NewCounter(),
		GateHolders:    discard.NewGauge(),
		RPCErrors:      discard.NewCounter(),
		JoinState:      discard.NewGauge(),
		FillsPublished: discard.NewCounter(),
	}
}
