package consumer

import "sync/atomic"

// CreditMeter tracks client-advertised byte credit for one consumer (spec
// §3/§4.1 C1). It is lock-free, mirroring the atomic-counter-plus-threshold
// pattern in the teacher's broker.MemoryManager (StateNormal/StatePaging/
// StatePaged hysteresis), collapsed here to the single 0-crossing rule the
// spec names: granting credit only needs to prompt delivery when the counter
// crosses from non-positive to positive, not on every grant.
type CreditMeter struct {
	unlimited atomic.Bool
	bytes     atomic.Int64
}

// NewCreditMeter constructs a meter. If unlimited is true the consumer never
// throttles on bytes (e.g. a browse-only or preack consumer).
func NewCreditMeter(unlimited bool) *CreditMeter {
	m := &CreditMeter{}
	m.unlimited.Store(unlimited)
	return m
}

// TryReserve reports whether the meter currently permits a send. It does not
// reserve bytes — the caller consumes the exact sent size afterward via
// Consume.
func (m *CreditMeter) TryReserve() bool {
	if m.unlimited.Load() {
		return true
	}
	return m.bytes.Load() > 0
}

// Consume subtracts n bytes after a successful send.
func (m *CreditMeter) Consume(n int64) {
	if m.unlimited.Load() {
		return
	}
	m.bytes.Add(-n)
}

// Grant adds n bytes of credit. Returns true iff this grant caused the
// counter to cross from <= 0 to > 0, which is the caller's signal to prompt
// delivery.
func (m *CreditMeter) Grant(n int64) bool {
	if m.unlimited.Load() {
		return false
	}
	for {
		cur := m.bytes.Load()
		next := cur + n
		if m.bytes.CompareAndSwap(cur, next) {
			return cur <= 0 && next > 0
		}
	}
}

// Disable switches the meter to unlimited mode. Always returns true (the
// caller should always prompt after disabling).
func (m *CreditMeter) Disable() bool {
	m.unlimited.Store(true)
	return true
}

// Reset zeroes the bounded counter — the slow-consumer throttle (spec §4's
// "ReceiveCredits(0)" case). It does not change unlimited mode.
func (m *CreditMeter) Reset() {
	m.bytes.Store(0)
}

// Remaining returns the current byte balance (meaningless, but harmless, in
// unlimited mode).
func (m *CreditMeter) Remaining() int64 { return m.bytes.Load() }

// Unlimited reports whether the meter is in unlimited mode.
func (m *CreditMeter) Unlimited() bool { return m.unlimited.Load() }
