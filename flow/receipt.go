package flow

import (
	"math"
	"time"

	"github.com/flowmux/flowmux/clock"
)

// WriteReceipt is returned by SendFlow.Write and tracks a single
// message's deadlines and fulfillment status, per spec.md §3.
type WriteReceipt struct {
	clk    clock.Clock
	origin time.Time

	startBy time.Duration
	endBy   time.Duration

	started   bool
	sent      bool
	abandoned bool

	onSent      func(*WriteReceipt)
	onAbandoned func(*WriteReceipt)
	fired       bool // onSent/onAbandoned invoked exactly once
}

func newReceipt(clk clock.Clock, startBy, endBy time.Duration, onSent, onAbandoned func(*WriteReceipt)) *WriteReceipt {
	if startBy <= 0 {
		startBy = time.Duration(math.MaxInt64)
	}
	if endBy <= 0 {
		endBy = time.Duration(math.MaxInt64)
	}
	return &WriteReceipt{
		clk:         clk,
		origin:      clk.Now(),
		startBy:     startBy,
		endBy:       endBy,
		onSent:      onSent,
		onAbandoned: onAbandoned,
	}
}

// Age is how long ago the message was submitted to Write.
func (r *WriteReceipt) Age() time.Duration {
	return r.clk.Now().Sub(r.origin)
}

// Started reports whether the first fragment of this message has left the
// Session toward the carrier.
func (r *WriteReceipt) Started() bool {
	return r.started
}

// Sent reports whether the last fragment of this message has left the
// Session toward the carrier.
func (r *WriteReceipt) Sent() bool {
	return r.sent
}

// Abandoned reports whether this message was abandoned: explicitly, or
// because its start/end deadline elapsed before it could be sent. Once
// Sent is true, Abandoned can never become true (spec.md §3, §8 inv. 5).
func (r *WriteReceipt) Abandoned() bool {
	if r.sent {
		return false
	}
	if r.abandoned {
		return true
	}
	age := r.Age()
	if r.started {
		return age > r.endBy
	}
	return age > r.startBy
}

// _onStarted marks the first fragment as transmitted.
func (r *WriteReceipt) _onStarted() {
	r.started = true
}

// _onSent marks the message fully transmitted and fires onSent exactly
// once, never after an abandonment has already fired.
func (r *WriteReceipt) _onSent() {
	if r.fired {
		return
	}
	r.fired = true
	r.sent = true
	if r.onSent != nil {
		r.onSent(r)
	}
}

// _abandon marks the message abandoned (explicitly, via
// abandonQueuedMessages, or as a forced exception abandonment) and fires
// onAbandoned exactly once.
func (r *WriteReceipt) _abandon() {
	if r.fired || r.sent {
		return
	}
	r.fired = true
	r.abandoned = true
	if r.onAbandoned != nil {
		r.onAbandoned(r)
	}
}

// WriteMessage is a queued, possibly-partially-sent payload awaiting
// fragmentation onto the wire.
type WriteMessage struct {
	payload []byte
	receipt *WriteReceipt
	offset  int // next-byte-to-send
}

func (m *WriteMessage) remaining() int {
	return len(m.payload) - m.offset
}
