package transport

import "time"

// minIOWindow is the shortest deadline handed to a socket call. A zero
// timeout still needs room for the syscall itself once poll reports ready.
const minIOWindow = 10 * time.Millisecond

// Budget spends one caller timeout across several steps. Layers that connect
// in stages (SOCKS4 handshake, WebSocket upgrade) pass Remaining() to each
// step so elapsed time is never counted twice or forgotten.
type Budget struct {
	start     time.Time
	deadline  time.Time
	unbounded bool
}

// NewBudget starts a budget. A negative timeout is unbounded.
func NewBudget(timeout time.Duration) Budget {
	now := time.Now()
	if timeout < 0 {
		return Budget{start: now, unbounded: true}
	}
	return Budget{start: now, deadline: now.Add(timeout)}
}

// Unbounded reports whether the budget never expires.
func (b Budget) Unbounded() bool {
	return b.unbounded
}

// Remaining returns the time left, NoTimeout for an unbounded budget, and
// never a negative value otherwise.
func (b Budget) Remaining() time.Duration {
	if b.unbounded {
		return NoTimeout
	}
	left := time.Until(b.deadline)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether a bounded budget has run out.
func (b Budget) Expired() bool {
	return !b.unbounded && !time.Now().Before(b.deadline)
}

// Deadline returns the absolute deadline, or the zero time when unbounded.
func (b Budget) Deadline() time.Time {
	return b.deadline
}

// Elapsed returns the time spent since the budget started.
func (b Budget) Elapsed() time.Duration {
	return time.Since(b.start)
}

// ioDeadline returns a socket deadline for the budget: zero when unbounded,
// otherwise the budget deadline but at least minIOWindow from now.
func (b Budget) ioDeadline() time.Time {
	if b.unbounded {
		return time.Time{}
	}
	floor := time.Now().Add(minIOWindow)
	if b.deadline.Before(floor) {
		return floor
	}
	return b.deadline
}
