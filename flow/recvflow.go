package flow

import "unicode/utf8"

// Mode controls how a RecvFlow decodes reassembled message bytes before
// handing them to the app, per spec.md §9.
type Mode int

const (
	ModeBinary Mode = iota
	ModeText
	ModeUnicode
)

// ReadMessage accumulates the fragments of one in-progress or completed
// inbound message.
type ReadMessage struct {
	number    uint64
	fragments [][]byte
	total     int
	complete  bool
}

func newReadMessage(number uint64) *ReadMessage {
	return &ReadMessage{number: number}
}

// addFragment appends bytes to the message and marks it complete if more
// is false (this was the DATA_LAST fragment).
func (m *ReadMessage) addFragment(more bool, b []byte) {
	m.fragments = append(m.fragments, b)
	m.total += len(b)
	if !more {
		m.complete = true
	}
}

func (m *ReadMessage) concat() []byte {
	buf := make([]byte, 0, m.total)
	for _, f := range m.fragments {
		buf = append(buf, f...)
	}
	return buf
}

// RecvFlowHandler receives delivered messages and end-of-flow
// notification for one RecvFlow, per spec.md §9 ("define as a trait/
// interface set; do not rely on runtime attribute patching").
type RecvFlowHandler interface {
	// OnMessage is invoked once per deliverable message, strictly in
	// increasing messageNumber order.
	OnMessage(rf *RecvFlow, payload []byte, messageNumber uint64)
	// OnComplete fires once, after every deliverable message has been
	// dispatched and the peer has closed the flow.
	OnComplete(rf *RecvFlow)
}

// RecvFlow is a remote-originated inbound stream, per spec.md §3/§4.3.
type RecvFlow struct {
	session *Session
	id      FlowID

	metadata           []byte
	associatedSendFlow *SendFlow // non-nil only for return flows
	mode               Mode

	userOpen bool
	open     bool
	paused   bool

	handler RecvFlowHandler

	buffer                  []*ReadMessage
	receiveBufferByteLength int
	receivedByteCount       uint64

	complete     bool
	sentComplete bool
	sentCloseAck bool

	nextMessageNumber uint64
	deliveryPending   bool

	rcvbuf int

	lastAckedByteCount uint64
	ackDirty           bool
	ackForce           bool
}

func newRecvFlow(s *Session, id FlowID, metadata []byte, assoc *SendFlow) *RecvFlow {
	return &RecvFlow{
		session:           s,
		id:                id,
		metadata:          metadata,
		associatedSendFlow: assoc,
		open:              true,
		mode:              ModeBinary,
		nextMessageNumber: 1,
		rcvbuf:            s.config.DefaultRcvbuf,
	}
}

// ID returns the flow's identifier.
func (rf *RecvFlow) ID() FlowID { return rf.id }

// Metadata returns the opaque bytes the peer supplied when opening the
// flow (spec.md §9: treated as opaque with best-effort UTF-8 elsewhere).
func (rf *RecvFlow) Metadata() []byte { return rf.metadata }

// AssociatedSendFlow returns the local SendFlow this RecvFlow is a return
// flow for, or nil if it is not a return flow.
func (rf *RecvFlow) AssociatedSendFlow() *SendFlow { return rf.associatedSendFlow }

// IsOpen is true once the remote peer has not closed the flow and the app
// has called Accept.
func (rf *RecvFlow) IsOpen() bool { return rf.open && rf.userOpen }

// BufferLength is the number of bytes presently buffered, across all
// partially or fully reassembled messages.
func (rf *RecvFlow) BufferLength() int { return rf.receiveBufferByteLength }

// Advertisement is the receive-window value to report in the next
// DATA_ACK: remaining capacity while paused, full rcvbuf otherwise.
func (rf *RecvFlow) Advertisement() int {
	if rf.paused {
		if rf.rcvbuf-rf.receiveBufferByteLength < 0 {
			return 0
		}
		return rf.rcvbuf - rf.receiveBufferByteLength
	}
	return rf.rcvbuf
}

// SetRcvbuf changes the advertised receive-window ceiling. A change
// requests an immediate ACK so the peer learns of it promptly.
func (rf *RecvFlow) SetRcvbuf(n int) {
	if n == rf.rcvbuf {
		return
	}
	rf.rcvbuf = n
	rf.session.scheduleAck(rf, true)
}

// Paused reports whether delivery is presently held back.
func (rf *RecvFlow) Paused() bool { return rf.paused }

// SetPaused pauses or resumes delivery. Resuming requests an immediate
// ACK and reschedules delivery, per spec.md §9's resolution of the
// paused-setter open question.
func (rf *RecvFlow) SetPaused(p bool) {
	wasPaused := rf.paused
	rf.paused = p
	if wasPaused && !p {
		rf.session.scheduleAck(rf, true)
		rf.session.queueDelivery(rf)
	}
}

// Mode returns the current payload-decoding mode.
func (rf *RecvFlow) Mode() Mode { return rf.mode }

// SetMode changes the payload-decoding mode applied at delivery.
func (rf *RecvFlow) SetMode(m Mode) { rf.mode = m }

// Accept allows the flow to begin delivering messages to handler. Until
// Accept is called the Session will close the flow as "not accepted"
// once its onrecvflow callback returns (spec.md §4.3).
func (rf *RecvFlow) Accept(handler RecvFlowHandler) {
	rf.userOpen = true
	rf.handler = handler
	rf.session.queueDelivery(rf)
}

// OpenReturnFlow opens a new locally-originated SendFlow associated with
// this RecvFlow as its return flow (spec.md GLOSSARY: "a flow opened by
// the receiver-side peer ... associated with a specific SendFlow on the
// opener side").
func (rf *RecvFlow) OpenReturnFlow(metadata []byte, priority Priority, handler SendFlowHandler) (*SendFlow, error) {
	return rf.session.openFlow(metadata, priority, handler, &rf.id)
}

// Close tears the flow down from the app's side. If the peer has not
// already signaled completion, a FLOW_EXCEPTION is sent with the given
// code and description (spec.md §9: Close takes the pair explicitly).
func (rf *RecvFlow) Close(code uint64, description string) {
	rf.closeWithReason(&code, description)
}

// CloseSilently tears the flow down without transmitting a code,
// equivalent to spec.md's Close(code=None).
func (rf *RecvFlow) CloseSilently() {
	rf.closeWithReason(nil, "")
}

func (rf *RecvFlow) closeWithReason(code *uint64, description string) {
	if !rf.open {
		return
	}
	rf.open = false
	rf.userOpen = false
	rf.rcvbuf = 0
	if !rf.complete && code != nil {
		rf.session.sendFlowException(rf.id, *code, description)
	}
	rf.session.removeRecvFlow(rf)
}

// onData handles an inbound DATA_MORE/DATA_LAST fragment.
func (rf *RecvFlow) onData(more bool, fragment []byte, chunkLength int) {
	rf.receivedByteCount += uint64(chunkLength)
	rf.receiveBufferByteLength += len(fragment)

	var msg *ReadMessage
	if n := len(rf.buffer); n > 0 && !rf.buffer[n-1].complete {
		msg = rf.buffer[n-1]
	} else {
		msg = newReadMessage(rf.nextMessageNumber)
		rf.nextMessageNumber++
		rf.buffer = append(rf.buffer, msg)
	}
	msg.addFragment(more, fragment)
	if msg.complete {
		rf.session.queueDelivery(rf)
	}
	rf.session.scheduleAck(rf, false)
}

// onDataAbandon handles an inbound DATA_ABANDON, dropping any in-progress
// tail message and skipping the remaining announced message numbers.
func (rf *RecvFlow) onDataAbandon(countMinusOne uint64) {
	count := countMinusOne + 1
	if n := len(rf.buffer); n > 0 && !rf.buffer[n-1].complete {
		tail := rf.buffer[n-1]
		rf.buffer = rf.buffer[:n-1]
		rf.receiveBufferByteLength -= tail.total
		count--
	}
	rf.nextMessageNumber += count
	rf.session.scheduleAck(rf, true)
}

// onFlowCloseMessage handles an inbound FLOW_CLOSE: drops any partial
// tail message, marks the flow complete, and schedules delivery/ack so
// the app sees oncomplete and the peer sees FLOW_CLOSE_ACK.
func (rf *RecvFlow) onFlowCloseMessage() {
	rf.complete = true
	rf.onDataAbandon(0)
	rf.session.queueDelivery(rf)
	rf.session.scheduleAck(rf, true)
}

// deliver pops and dispatches every complete ReadMessage at the front of
// the buffer, in order, stopping at the first incomplete one (a gap
// blocks further delivery). On drain, if the peer has completed the flow
// and oncomplete has not yet fired, it fires now and the flow tears down.
func (rf *RecvFlow) deliver() {
	rf.deliveryPending = false
	if !rf.IsOpen() {
		return
	}
	for len(rf.buffer) > 0 && !rf.paused {
		msg := rf.buffer[0]
		if !msg.complete {
			break
		}
		rf.buffer = rf.buffer[1:]
		rf.receiveBufferByteLength -= msg.total

		raw := msg.concat()
		payload, ok := rf.decode(raw)
		if !ok {
			rf.session.closeRecvFlowOnDecodeError(rf)
			return
		}
		if rf.handler != nil {
			rf.session.dispatchRecvCallback(func() {
				rf.handler.OnMessage(rf, payload, msg.number)
			})
		}
	}
	if len(rf.buffer) == 0 && rf.complete && !rf.sentComplete {
		rf.sentComplete = true
		if rf.handler != nil {
			rf.session.dispatchRecvCallback(func() {
				rf.handler.OnComplete(rf)
			})
		}
		rf.CloseSilently()
	}
}

// decode applies this flow's Mode to raw reassembled bytes. In ModeText
// and ModeUnicode it performs strict UTF-8 validation (spec.md §9); a
// failure returns ok=false.
func (rf *RecvFlow) decode(raw []byte) (payload []byte, ok bool) {
	switch rf.mode {
	case ModeText, ModeUnicode:
		if !utf8.Valid(raw) {
			return nil, false
		}
		return raw, true
	default:
		return raw, true
	}
}
