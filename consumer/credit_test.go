package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreditMeterTryReserve(t *testing.T) {
	m := NewCreditMeter(false)
	assert.False(t, m.TryReserve(), "no credit granted yet")

	m.Grant(10)
	assert.True(t, m.TryReserve())

	m.Consume(10)
	assert.False(t, m.TryReserve(), "fully consumed")
}

func TestCreditMeterUnlimitedAlwaysReserves(t *testing.T) {
	m := NewCreditMeter(true)
	assert.True(t, m.TryReserve())
	m.Consume(1_000_000)
	assert.True(t, m.TryReserve(), "unlimited meter never throttles")
}

func TestCreditMeterGrantReportsZeroCrossing(t *testing.T) {
	m := NewCreditMeter(false)

	assert.True(t, m.Grant(5), "first grant crosses from <=0 to >0")
	assert.False(t, m.Grant(5), "already positive, no crossing")

	m.Consume(20)
	assert.True(t, m.Remaining() <= 0)

	assert.True(t, m.Grant(13), "crossing back from <=0 to >0")
}

func TestCreditMeterDisable(t *testing.T) {
	m := NewCreditMeter(false)
	assert.False(t, m.Unlimited())

	assert.True(t, m.Disable())
	assert.True(t, m.Unlimited())
	assert.True(t, m.TryReserve())
}

func TestCreditMeterReset(t *testing.T) {
	m := NewCreditMeter(false)
	m.Grant(100)
	m.Reset()
	assert.Equal(t, int64(0), m.Remaining())
	assert.False(t, m.TryReserve())
}

func TestCreditMeterResetDoesNotAffectUnlimited(t *testing.T) {
	m := NewCreditMeter(true)
	m.Reset()
	assert.True(t, m.Unlimited())
	assert.True(t, m.TryReserve())
}
