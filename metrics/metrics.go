// Package metrics exposes the delivery engine's Prometheus metrics,
// grounded on the teacher's metrics.Collector (promauto-registered
// gauges/counters) but replacing the AMQP-broker surface (connections,
// channels, exchanges) with the per-consumer quantities this spec actually
// tracks: acks, ledger depth, credit, and streamer activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the delivery engine's Prometheus metrics, one label set
// per consumer id.
type Collector struct {
	AcksTotal      *prometheus.CounterVec
	AckRate        *prometheus.GaugeVec
	LedgerDepth    *prometheus.GaugeVec
	CreditRemaining *prometheus.GaugeVec
	StreamerActive  *prometheus.GaugeVec

	ConsumersTotal    prometheus.Gauge
	ConsumersCreated  prometheus.Counter
	ConsumersClosed   prometheus.Counter
	ForcedDeliveries  prometheus.Counter
	DeadLettered      prometheus.Counter
	TransactionsCommitted  prometheus.Counter
	TransactionsRolledback prometheus.Counter
}

// NewCollector creates a metrics collector under namespace (defaulting to
// "flowmq").
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "flowmq"
	}

	return &Collector{
		AcksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_acks_total",
			Help:      "Total number of references acknowledged, per consumer",
		}, []string{"consumer_id"}),
		AckRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_ack_rate",
			Help:      "Acknowledgements per second, per consumer, over the last measurement window",
		}, []string{"consumer_id"}),
		LedgerDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_ledger_depth",
			Help:      "Number of in-flight references currently held in a consumer's ledger",
		}, []string{"consumer_id"}),
		CreditRemaining: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_credit_remaining",
			Help:      "Remaining delivery credit for a consumer, or -1 if unlimited",
		}, []string{"consumer_id"}),
		StreamerActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_streamer_active",
			Help:      "1 if a consumer currently has a large-message streamer in flight, else 0",
		}, []string{"consumer_id"}),

		ConsumersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers_total",
			Help:      "Current number of attached consumers",
		}),
		ConsumersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_created_total",
			Help:      "Total number of consumers created since server start",
		}),
		ConsumersClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_closed_total",
			Help:      "Total number of consumers closed since server start",
		}),
		ForcedDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_deliveries_total",
			Help:      "Total number of forced-delivery probes sent to unblock stalled queue browsers",
		}),
		DeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Total number of references sent to a dead-letter sink",
		}),
		TransactionsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_committed_total",
			Help:      "Total number of acknowledge transactions committed",
		}),
		TransactionsRolledback: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_rolledback_total",
			Help:      "Total number of acknowledge transactions rolled back",
		}),
	}
}

func (c *Collector) RecordAck(consumerID string, count int) {
	c.AcksTotal.WithLabelValues(consumerID).Add(float64(count))
}

func (c *Collector) SetAckRate(consumerID string, perSecond float64) {
	c.AckRate.WithLabelValues(consumerID).Set(perSecond)
}

func (c *Collector) SetLedgerDepth(consumerID string, depth int) {
	c.LedgerDepth.WithLabelValues(consumerID).Set(float64(depth))
}

func (c *Collector) SetCreditRemaining(consumerID string, remaining int64) {
	c.CreditRemaining.WithLabelValues(consumerID).Set(float64(remaining))
}

func (c *Collector) SetStreamerActive(consumerID string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	c.StreamerActive.WithLabelValues(consumerID).Set(v)
}

// DeleteConsumer removes a closed consumer's label series so the metric
// cardinality doesn't grow without bound across churn.
func (c *Collector) DeleteConsumer(consumerID string) {
	c.AcksTotal.DeleteLabelValues(consumerID)
	c.AckRate.DeleteLabelValues(consumerID)
	c.LedgerDepth.DeleteLabelValues(consumerID)
	c.CreditRemaining.DeleteLabelValues(consumerID)
	c.StreamerActive.DeleteLabelValues(consumerID)
}

func (c *Collector) RecordConsumerCreated() {
	c.ConsumersCreated.Inc()
	c.ConsumersTotal.Inc()
}

func (c *Collector) RecordConsumerClosed() {
	c.ConsumersClosed.Inc()
	c.ConsumersTotal.Dec()
}

func (c *Collector) RecordForcedDelivery() {
	c.ForcedDeliveries.Inc()
}

func (c *Collector) RecordDeadLettered() {
	c.DeadLettered.Inc()
}

func (c *Collector) RecordTransactionCommitted() {
	c.TransactionsCommitted.Inc()
}

func (c *Collector) RecordTransactionRolledback() {
	c.TransactionsRolledback.Inc()
}
