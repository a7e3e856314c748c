package flow

import (
	"time"

	"github.com/flowmux/flowmux/configuration"
	"github.com/flowmux/flowmux/errcode"
)

// Priority is an alias of configuration.Priority so callers need not
// import both packages to open a flow.
type Priority = configuration.Priority

// SendFlowHandler receives writability and exception notification, and
// return-flow announcements, for one SendFlow (spec.md §9).
type SendFlowHandler interface {
	// OnWritable is invoked while the flow is writable, after
	// NotifyWhenWritable was called; returning true re-arms the
	// notification for the next writable transition.
	OnWritable(sf *SendFlow) bool
	// OnException reports a remote-originated FLOW_EXCEPTION.
	OnException(sf *SendFlow, code uint64, description string)
	// OnRecvFlow reports a return flow opened against this SendFlow.
	OnRecvFlow(sf *SendFlow, rf *RecvFlow)
}

// SendFlow is a locally-originated outbound stream, per spec.md §3/§4.2.
type SendFlow struct {
	session *Session
	id      FlowID

	priority Priority
	handler  SendFlowHandler

	metadata     []byte
	returnFlowID *FlowID

	buffer               []*WriteMessage
	sendBufferByteLength int
	sentByteCount        uint64

	sendThroughAllowed uint64
	rcvbuf             int
	sndbuf             int

	ackedPosition uint64

	open                     bool
	openFrameSent            bool
	closeFrameSent           bool
	shouldNotifyWhenWritable bool

	inQueue bool // scheduler bookkeeping: already enqueued for transmit
}

func newSendFlow(s *Session, id FlowID, metadata []byte, priority Priority, handler SendFlowHandler, returnFlowID *FlowID) *SendFlow {
	return &SendFlow{
		session:            s,
		id:                 id,
		priority:           priority,
		handler:            handler,
		metadata:           metadata,
		returnFlowID:       returnFlowID,
		sendThroughAllowed: uint64(s.config.DefaultRcvbuf),
		sndbuf:             s.config.DefaultRcvbuf,
		open:               true,
	}
}

// ID returns the flow's identifier.
func (sf *SendFlow) ID() FlowID { return sf.id }

// IsOpen reports whether the flow may still accept writes.
func (sf *SendFlow) IsOpen() bool { return sf.open }

// BufferLength is the number of unsent/unflushed bytes presently queued.
func (sf *SendFlow) BufferLength() int { return sf.sendBufferByteLength }

// Writable reports whether the flow is open and below its soft buffer cap.
func (sf *SendFlow) Writable() bool {
	return sf.open && sf.sendBufferByteLength < sf.sndbuf
}

// UnsentAge is the age of the first not-yet-abandoned queued message, or
// zero if the buffer holds no such message.
func (sf *SendFlow) UnsentAge() time.Duration {
	for _, m := range sf.buffer {
		if !m.receipt.Abandoned() {
			return m.receipt.Age()
		}
	}
	return 0
}

// Priority returns the flow's current transmit priority.
func (sf *SendFlow) Priority() Priority { return sf.priority }

// SetPriority changes the flow's transmit priority. The flow is
// re-enqueued under the new priority if it has pending work.
func (sf *SendFlow) SetPriority(p Priority) {
	if p == sf.priority {
		return
	}
	sf.priority = p
	sf.session.enqueueForTransmit(sf)
}

// Sndbuf returns the local soft send-buffer cap.
func (sf *SendFlow) Sndbuf() int { return sf.sndbuf }

// SetSndbuf changes the local soft send-buffer cap.
func (sf *SendFlow) SetSndbuf(n int) { sf.sndbuf = n }

// Rcvbuf returns the last window size advertised by the peer.
func (sf *SendFlow) Rcvbuf() int { return sf.rcvbuf }

// WriteOption configures an individual Write call.
type WriteOption func(*writeOptions)

type writeOptions struct {
	startBy     time.Duration
	endBy       time.Duration
	onSent      func(*WriteReceipt)
	onAbandoned func(*WriteReceipt)
}

// WithDeadlines sets the message's start-by and end-by ages; either may
// be zero to mean "no deadline" (spec.md default +infinity).
func WithDeadlines(startBy, endBy time.Duration) WriteOption {
	return func(o *writeOptions) {
		o.startBy = startBy
		o.endBy = endBy
	}
}

// WithOnSent registers a callback fired once the message is fully
// transmitted toward the carrier.
func WithOnSent(f func(*WriteReceipt)) WriteOption {
	return func(o *writeOptions) { o.onSent = f }
}

// WithOnAbandoned registers a callback fired once the message is
// abandoned, whether explicitly or via deadline expiry.
func WithOnAbandoned(f func(*WriteReceipt)) WriteOption {
	return func(o *writeOptions) { o.onAbandoned = f }
}

// Write enqueues data for transmission on this flow and returns a
// WriteReceipt tracking its fate. It fails with errcode.ErrCodeNotOpen
// if the flow has been closed.
func (sf *SendFlow) Write(data []byte, opts ...WriteOption) (*WriteReceipt, error) {
	if !sf.open {
		return nil, errcode.ErrCodeNotOpen
	}
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	payload := make([]byte, len(data))
	copy(payload, data)

	receipt := newReceipt(sf.session.clock, o.startBy, o.endBy, o.onSent, o.onAbandoned)
	sf.buffer = append(sf.buffer, &WriteMessage{payload: payload, receipt: receipt})
	sf.sendBufferByteLength += len(payload)
	sf.session.enqueueForTransmit(sf)
	return receipt, nil
}

// Close queues this flow's local half-close. No further writes are
// accepted; buffered messages still drain before FLOW_CLOSE is sent.
func (sf *SendFlow) Close() {
	if !sf.open {
		return
	}
	sf.open = false
	sf.session.enqueueForTransmit(sf)
}

// AbandonQueuedMessages abandons every queued message at the front of the
// buffer whose receipt age is at least age, stopping at the first
// younger message (spec.md §4.2).
func (sf *SendFlow) AbandonQueuedMessages(age time.Duration) {
	for _, m := range sf.buffer {
		if m.receipt.Age() < age {
			break
		}
		m.receipt._abandon()
	}
	sf.session.enqueueForTransmit(sf)
}

// NotifyWhenWritable arms a one-shot (or, per the handler's return value,
// recurring) callback invoked while the flow is writable.
func (sf *SendFlow) NotifyWhenWritable() {
	sf.shouldNotifyWhenWritable = true
	sf.session.queueWritableNotify(sf)
}

// trimSendBuffer pops abandoned messages from the front of the buffer,
// firing their onAbandoned callback and counting how many were dropped.
// Returns the count.
func (sf *SendFlow) trimSendBuffer() int {
	count := 0
	for len(sf.buffer) > 0 && sf.buffer[0].receipt.Abandoned() {
		m := sf.buffer[0]
		sf.buffer = sf.buffer[1:]
		sf.sendBufferByteLength -= len(m.payload)
		m.receipt._abandon()
		count++
	}
	return count
}

// transmit performs a single unit of transmit work for this flow, per the
// state machine of spec.md §4.2, returning whether the flow has more
// pending work (and should be re-enqueued at its current priority).
func (sf *SendFlow) transmit(priority Priority) bool {
	if priority != sf.priority {
		return false
	}

	if !sf.openFrameSent {
		sf.sendOpenFrame()
		sf.openFrameSent = true
		return true
	}

	if abandonCount := sf.trimSendBuffer(); abandonCount > 0 {
		sf.session.sendDataAbandon(sf.id, abandonCount-1)
		sf.session.recordAbandoned(abandonCount)
		sf.session.queueWritableNotify(sf)
		return true
	}

	if len(sf.buffer) == 0 && !sf.open && !sf.closeFrameSent {
		sf.session.sendFlowClose(sf.id)
		sf.closeFrameSent = true
		return true
	}

	if sf.sentByteCount >= sf.sendThroughAllowed {
		return false
	}

	return sf.transmitFragment()
}

func (sf *SendFlow) sendOpenFrame() {
	if sf.returnFlowID != nil {
		sf.session.sendFlowOpenReturn(sf.id, *sf.returnFlowID, sf.metadata)
	} else {
		sf.session.sendFlowOpen(sf.id, sf.metadata)
	}
}

func (sf *SendFlow) transmitFragment() bool {
	if len(sf.buffer) == 0 {
		return false
	}
	msg := sf.buffer[0]
	if msg.receipt.Abandoned() {
		return false
	}

	budget := int(sf.sendThroughAllowed - sf.sentByteCount)
	n := min3(sf.session.config.ChunkSize, budget, msg.remaining())
	if n <= 0 {
		return false
	}

	fragment := msg.payload[msg.offset : msg.offset+n]
	last := msg.offset+n == len(msg.payload)
	var frameLen int
	if last {
		frameLen = sf.session.sendData(sf.id, fragment, false)
	} else {
		frameLen = sf.session.sendData(sf.id, fragment, true)
	}

	msg.offset += n
	sf.sentByteCount += uint64(frameLen)
	sf.session.addFlowBytesSent(frameLen)
	msg.receipt._onStarted()

	if last {
		sf.buffer = sf.buffer[1:]
		sf.sendBufferByteLength -= len(msg.payload)
		msg.receipt._onSent()
		sf.session.recordSent()
		sf.session.queueWritableNotify(sf)
	}
	return true
}

// onAck handles an inbound DATA_ACK for this flow.
func (sf *SendFlow) onAck(position uint64, advertisement uint64) {
	if position > sf.ackedPosition {
		sf.session.addFlowBytesAcked(position - sf.ackedPosition)
		sf.ackedPosition = position
	}
	sf.rcvbuf = int(advertisement)
	sf.sendThroughAllowed = position + advertisement
	sf.session.onRTTSample()
	sf.session.enqueueForTransmit(sf)
	sf.session.queueWritableNotify(sf)
}

// onException handles a remote-originated FLOW_EXCEPTION: the flow is
// closed, its queue is unconditionally abandoned, and the app is told.
func (sf *SendFlow) onException(code uint64, description string) {
	sf.forceClose()
	if sf.handler != nil {
		sf.session.dispatchRecvCallback(func() {
			sf.handler.OnException(sf, code, description)
		})
	}
}

// forceClose abandons every queued message regardless of deadline and
// marks the flow closed, re-enqueuing it so the close-ack handshake can
// still complete.
func (sf *SendFlow) forceClose() {
	sf.open = false
	for _, m := range sf.buffer {
		m.receipt._abandon()
	}
	sf.session.recordAbandoned(len(sf.buffer))
	sf.buffer = nil
	sf.sendBufferByteLength = 0
	sf.session.enqueueForTransmit(sf)
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
