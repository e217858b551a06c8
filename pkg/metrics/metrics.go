package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uranusdex/settlement/pkg/perps"
)

// Metrics implements perps.Collector over a dedicated Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	positionsOpened   prometheus.Counter
	positionsSettled  *prometheus.CounterVec
	forceClosed       prometheus.Counter
	rebalances        prometheus.Counter
	operationFailures *prometheus.CounterVec

	feeVolume      prometheus.Counter
	ownerPayouts   prometheus.Counter
	poolAbsorbed   prometheus.Counter
	rebalanceUnits prometheus.Counter
}

// New creates and registers the settlement metrics under namespace.
func New(namespace string) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total number of positions opened",
		}),
		positionsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_settled_total",
			Help:      "Total number of positions settled, by outcome",
		}, []string{"outcome"}),
		forceClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_force_closed_total",
			Help:      "Total number of force-closed positions",
		}),
		rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_rebalances_total",
			Help:      "Total number of cross-instrument pool rebalances",
		}),
		operationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Total number of rejected operations, by operation",
		}, []string{"operation"}),
		feeVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_units_total",
			Help:      "Total fee units collected",
		}),
		ownerPayouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "owner_payout_units_total",
			Help:      "Total units paid out to position owners at settlement",
		}),
		poolAbsorbed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_absorbed_units_total",
			Help:      "Total loss units absorbed by liquidity pools",
		}),
		rebalanceUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_units_total",
			Help:      "Total units moved between pools",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.positionsOpened, m.positionsSettled, m.forceClosed, m.rebalances,
		m.operationFailures, m.feeVolume, m.ownerPayouts, m.poolAbsorbed,
		m.rebalanceUnits,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PositionOpened(feePaid uint64) {
	m.positionsOpened.Inc()
	m.feeVolume.Add(float64(feePaid))
}

func (m *Metrics) PositionSettled(outcome perps.Outcome, d perps.Distribution) {
	m.positionsSettled.WithLabelValues(string(outcome)).Inc()
	m.ownerPayouts.Add(float64(d.ToOwner))
	m.poolAbsorbed.Add(float64(d.ToPool))
	m.feeVolume.Add(float64(d.ToFeeSink))
}

func (m *Metrics) PositionForceClosed(returned uint64) {
	m.forceClosed.Inc()
	m.ownerPayouts.Add(float64(returned))
}

func (m *Metrics) Rebalanced(amount uint64) {
	m.rebalances.Inc()
	m.rebalanceUnits.Add(float64(amount))
}

func (m *Metrics) OperationFailed(op string) {
	m.operationFailures.WithLabelValues(op).Inc()
}
