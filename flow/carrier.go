package flow

import "time"

// Carrier is the external transport a Session multiplexes over: a single
// reliable, ordered, message-framed, full-duplex channel such as a
// WebSocket connection (spec.md §1, §6 "EXTERNAL INTERFACES").
//
// Implementations must deliver Sends in the order submitted. They may
// invoke the Receiver's callbacks from any goroutine: Session posts each
// Receiver call onto its own internal task queue before touching state.
type Carrier interface {
	// Send transmits one opaque message frame. It must not block past
	// handing the frame to the underlying transport.
	Send(frame []byte) error

	// CallLater schedules f to run after d, on the carrier's own
	// execution context, realizing the spec's callLater(task) primitive.
	// It returns a Cancel func that prevents f from running if it has
	// not already.
	CallLater(d time.Duration, f func()) (cancel func())

	// Close tears down the underlying transport.
	Close() error
}

// Receiver is implemented by Session and driven by a Carrier (spec.md §6).
type Receiver interface {
	// OnReceive is called once per inbound message frame, in order.
	OnReceive(frame []byte)

	// OnPauseProducing tells the Session to stop issuing new Sends;
	// already-queued transmit work is held until OnResumeProducing.
	OnPauseProducing()

	// OnResumeProducing lifts a prior OnPauseProducing.
	OnResumeProducing()

	// OnStopProducing tells the Session the carrier is gone for good;
	// the Session tears itself down as if Close had been called locally.
	OnStopProducing()
}
