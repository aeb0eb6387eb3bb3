package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorDefaultsNamespace(t *testing.T) {
	c := NewCollector("")
	c.RecordAck("c1", 1) // exercised purely to confirm the collector doesn't panic pre-namespace-default
	assert.NotNil(t, c.AcksTotal)
}

func TestRecordAckAccumulatesPerConsumer(t *testing.T) {
	c := NewCollector("flowmq_test_ack")
	c.RecordAck("c1", 3)
	c.RecordAck("c1", 2)
	c.RecordAck("c2", 1)

	m := &dto.Metric{}
	metric, err := c.AcksTotal.GetMetricWithLabelValues("c1")
	require.NoError(t, err)
	require.NoError(t, metric.Write(m))
	assert.Equal(t, float64(5), m.GetCounter().GetValue())
}

func TestSetGaugesReflectLatestValue(t *testing.T) {
	c := NewCollector("flowmq_test_gauge")
	c.SetLedgerDepth("c1", 4)
	c.SetLedgerDepth("c1", 7)
	c.SetCreditRemaining("c1", 1024)
	c.SetStreamerActive("c1", true)

	m := &dto.Metric{}
	metric, err := c.LedgerDepth.GetMetricWithLabelValues("c1")
	require.NoError(t, err)
	require.NoError(t, metric.Write(m))
	assert.Equal(t, float64(7), m.GetGauge().GetValue())
}

func TestDeleteConsumerRemovesLabelSeries(t *testing.T) {
	c := NewCollector("flowmq_test_delete")
	c.SetLedgerDepth("c1", 4)
	c.DeleteConsumer("c1")

	m := &dto.Metric{}
	metric, err := c.LedgerDepth.GetMetricWithLabelValues("c1")
	require.NoError(t, err)
	require.NoError(t, metric.Write(m))
	assert.Equal(t, float64(0), m.GetGauge().GetValue(), "a fresh series after delete starts at zero")
}

func TestRecordConsumerCreatedAndClosedTrackTotal(t *testing.T) {
	c := NewCollector("flowmq_test_lifecycle")
	c.RecordConsumerCreated()
	c.RecordConsumerCreated()
	c.RecordConsumerClosed()

	m := &dto.Metric{}
	require.NoError(t, c.ConsumersTotal.Write(m))
	assert.Equal(t, float64(1), m.GetGauge().GetValue())
}
