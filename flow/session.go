package flow

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	events "github.com/docker/go-events"

	"github.com/flowmux/flowmux/clock"
	"github.com/flowmux/flowmux/configuration"
	"github.com/flowmux/flowmux/errcode"
	"github.com/flowmux/flowmux/internal/dcontext"
	"github.com/flowmux/flowmux/metrics"
)

var sessionSeq uint64

// SessionHandler receives session-level lifecycle notifications (spec.md
// §9's interface-based callback pattern).
type SessionHandler interface {
	// OnRecvFlow is invoked when the peer opens a new, non-return flow.
	// The app must call rf.Accept before returning, or the flow is closed
	// with errcode.ErrCodeNotAccepted once this call returns.
	OnRecvFlow(s *Session, rf *RecvFlow)
	// OnClose is invoked once the session has torn down, whether locally
	// initiated or because the carrier reported it is gone.
	OnClose(s *Session, cause error)
}

// taskFunc adapts a plain closure to events.Event so it can be posted to
// a Session's dedicated dispatch queue.
type taskFunc func()

// taskSink drains posted closures one at a time, on the single goroutine
// events.NewQueue dedicates to it, containing panics at this one site per
// spec.md §7 ("no app callback may bring down the session").
type taskSink struct{}

func (s *taskSink) Write(event events.Event) (err error) {
	fn, ok := event.(taskFunc)
	if !ok {
		return fmt.Errorf("flow: unexpected task type %T", event)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flow: recovered panic in session task: %v", r)
		}
	}()
	fn()
	return nil
}

func (s *taskSink) Close() error { return nil }

// Session multiplexes many Flows over one Carrier, per spec.md §1-§5.
// Inbound traffic is owned by a single goroutine: every Receiver entry
// point (OnReceive, OnPauseProducing, ...) posts its work to an internal
// events.Queue rather than mutating state directly, so the carrier may
// call into a Session from any goroutine. App-facing calls (OpenFlow,
// SendFlow.Write, RecvFlow.Accept, and similar) mutate state directly and
// are not safe to call concurrently with each other; an application
// should drive one Session's app-facing API from a single goroutine,
// typically the same goroutine that receives its callbacks.
type Session struct {
	carrier Carrier
	config  *configuration.Configuration
	clock   clock.Clock
	handler SessionHandler

	logger dcontext.Logger

	tasks *events.Queue

	sendIDs   *idpool
	sendFlows map[FlowID]*SendFlow
	recvFlows map[FlowID]*RecvFlow

	sched *scheduler
	rtt   *rttEstimator

	bytesSent  uint64
	bytesAcked uint64

	pendingAcks []*RecvFlow

	paused bool
	closed bool

	pumping           bool
	pumpAgain         bool
	sentBytesThisPass int

	label string

	lastAckProgressAt time.Time
	keepalive         time.Duration
	pingNonce         uint64
}

// Option configures a Session at construction.
type Option func(*Session)

// WithConfiguration overrides the default configuration.
func WithConfiguration(c *configuration.Configuration) Option {
	return func(s *Session) { s.config = c }
}

// WithClock overrides the session's time source, primarily for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger attaches a structured logger; defaults to dcontext's
// background logger.
func WithLogger(l dcontext.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithLabel sets the label this Session reports its metrics under.
// Defaults to a process-unique sequential label.
func WithLabel(label string) Option {
	return func(s *Session) { s.label = label }
}

// WithKeepalive schedules a PING, via the carrier's CallLater, every
// interval for as long as the session stays open. PING traffic is not
// counted toward flow bytes and does not feed RTT/bandwidth estimation.
func WithKeepalive(interval time.Duration) Option {
	return func(s *Session) { s.keepalive = interval }
}

// NewSession constructs a Session driving carrier, dispatching
// session-level events to handler.
func NewSession(carrier Carrier, handler SessionHandler, opts ...Option) *Session {
	s := &Session{
		carrier:   carrier,
		handler:   handler,
		config:    configuration.Default(),
		clock:     clock.Real{},
		sendFlows: make(map[FlowID]*SendFlow),
		recvFlows: make(map[FlowID]*RecvFlow),
		sched:     newScheduler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = dcontext.GetLogger(dcontext.Background())
	}
	if s.label == "" {
		s.label = fmt.Sprintf("session-%d", atomic.AddUint64(&sessionSeq, 1))
	}
	s.sendIDs = newIDPool(s.config.SendFlowIDBatchSize, s.config.SendFlowIDRefresh)
	s.rtt = newRTTEstimator(s.clock, s.config.RTTHistoryThresh, s.config.RTTHistoryCapacity,
		s.config.MinOutstandingThresh, s.config.InitialOutstandingThresh, int64(s.config.AckThresh),
		s.config.MaxAdditionalDelay)
	s.tasks = events.NewQueue(&taskSink{})
	if s.keepalive > 0 {
		s.scheduleKeepalive()
	}
	return s
}

func (s *Session) scheduleKeepalive() {
	s.carrier.CallLater(s.keepalive, func() {
		s.post(func() {
			if s.closed {
				return
			}
			s.sendPing()
			s.scheduleKeepalive()
		})
	})
}

func (s *Session) sendPing() {
	s.pingNonce++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], s.pingNonce)
	buf := append([]byte{byte(codePing)}, nonce[:]...)
	s.send(buf)
}

// post submits f to run, in order, on this Session's dedicated goroutine.
func (s *Session) post(f func()) {
	if err := s.tasks.Write(taskFunc(f)); err != nil {
		s.logger.WithError(err).Warn("flow: dropped task on closed session queue")
	}
}

// OnReceive implements Receiver: each inbound frame is handled in order on
// the Session's dedicated goroutine.
func (s *Session) OnReceive(frame []byte) {
	s.post(func() { s.handleFrame(frame) })
}

// OnPauseProducing implements Receiver.
func (s *Session) OnPauseProducing() {
	s.post(func() {
		s.paused = true
	})
}

// OnResumeProducing implements Receiver.
func (s *Session) OnResumeProducing() {
	s.post(func() {
		s.paused = false
		s.pump()
	})
}

// OnStopProducing implements Receiver: the carrier is gone, so the
// Session tears itself down exactly as a local Close would.
func (s *Session) OnStopProducing() {
	s.post(func() {
		s.teardown(fmt.Errorf("flow: carrier stopped producing"))
	})
}

// OpenFlow opens a new, locally-originated flow at the given priority.
func (s *Session) OpenFlow(metadata []byte, priority Priority, handler SendFlowHandler) (*SendFlow, error) {
	return s.openFlow(metadata, priority, handler, nil)
}

func (s *Session) openFlow(metadata []byte, priority Priority, handler SendFlowHandler, returnFlowID *FlowID) (*SendFlow, error) {
	if s.closed {
		return nil, errcode.ErrCodeNotOpen
	}
	id := s.sendIDs.Take()
	sf := newSendFlow(s, id, metadata, priority, handler, returnFlowID)
	s.sendFlows[id] = sf
	s.enqueueForTransmit(sf)
	return sf, nil
}

// Close tears the session down locally: every flow is abandoned or
// force-closed, a best-effort notification cascades to the carrier, and
// OnClose fires once.
func (s *Session) Close() {
	s.post(func() {
		s.teardown(nil)
	})
}

func (s *Session) teardown(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	for _, sf := range s.sendFlows {
		sf.forceClose()
	}
	for _, rf := range s.recvFlows {
		rf.CloseSilently()
	}
	_ = s.carrier.Close()
	if s.handler != nil {
		s.handler.OnClose(s, cause)
	}
}

// ---- scheduling primitives used by SendFlow/RecvFlow ----

func (s *Session) enqueueForTransmit(sf *SendFlow) {
	s.sched.enqueue(sf)
	s.pump()
}

func (s *Session) queueWritableNotify(sf *SendFlow) {
	if !sf.shouldNotifyWhenWritable || sf.handler == nil {
		return
	}
	if !sf.Writable() {
		return
	}
	sf.shouldNotifyWhenWritable = false
	s.dispatchRecvCallback(func() {
		if sf.handler.OnWritable(sf) {
			sf.shouldNotifyWhenWritable = true
		}
	})
}

func (s *Session) queueDelivery(rf *RecvFlow) {
	if rf.deliveryPending {
		return
	}
	rf.deliveryPending = true
	rf.deliver()
}

func (s *Session) scheduleAck(rf *RecvFlow, force bool) {
	if force {
		rf.ackForce = true
	}
	if !rf.ackDirty {
		rf.ackDirty = true
		s.pendingAcks = append(s.pendingAcks, rf)
	}
	if force {
		s.flushAck(rf)
	}
}

// flushPendingAcks is called once per inbound frame, coalescing any ACKs
// that have not individually crossed the byte threshold.
func (s *Session) flushPendingAcks() {
	if len(s.pendingAcks) == 0 {
		return
	}
	remaining := s.pendingAcks[:0]
	for _, rf := range s.pendingAcks {
		if !rf.ackDirty {
			continue
		}
		unacked := rf.receivedByteCount - rf.lastAckedByteCount
		if rf.ackForce || unacked >= uint64(s.config.AckThresh) {
			s.flushAck(rf)
		} else {
			remaining = append(remaining, rf)
		}
	}
	s.pendingAcks = remaining
}

func (s *Session) flushAck(rf *RecvFlow) {
	if !rf.ackDirty {
		return
	}
	rf.ackDirty = false
	rf.ackForce = false
	rf.lastAckedByteCount = rf.receivedByteCount
	s.sendDataAck(rf.id, rf.receivedByteCount, uint64(rf.Advertisement()))
}

func (s *Session) dispatchRecvCallback(f func()) {
	s.post(f)
}

func (s *Session) removeRecvFlow(rf *RecvFlow) {
	delete(s.recvFlows, rf.id)
	if rf.complete && !rf.sentCloseAck {
		rf.sentCloseAck = true
		s.sendFlowCloseAck(rf.id)
	}
}

func (s *Session) closeRecvFlowOnDecodeError(rf *RecvFlow) {
	s.sendFlowException(rf.id, uint64(errcode.ErrCodeInvalidText), "invalid encoded payload")
	rf.CloseSilently()
}

// ---- byte/RTT accounting ----

func (s *Session) addFlowBytesSent(n int) {
	s.rtt.arm(s.bytesSent)
	s.bytesSent += uint64(n)
}

func (s *Session) addFlowBytesAcked(n uint64) {
	if n > 0 {
		s.lastAckProgressAt = s.clock.Now()
	}
	s.bytesAcked += n
}

// StalledFor reports how long it has been since any ACK advanced this
// session's cumulative acked-byte count while bytes were outstanding, for
// use by a health.Checker.
func (s *Session) StalledFor() time.Duration {
	if s.outstandingBytes() <= 0 {
		return 0
	}
	if s.lastAckProgressAt.IsZero() {
		return 0
	}
	return s.clock.Now().Sub(s.lastAckProgressAt)
}

func (s *Session) onRTTSample() {
	s.rtt.sample(s.bytesAcked, s.bytesSent)
}

func (s *Session) outstandingBytes() int64 {
	return int64(s.bytesSent - s.bytesAcked)
}

func (s *Session) shouldStopTransmit() bool {
	return s.paused || s.outstandingBytes() >= s.rtt.Threshold() || s.sentBytesThisPass >= s.config.SendThresh
}

func (s *Session) pump() {
	if s.pumping {
		s.pumpAgain = true
		return
	}
	s.pumping = true
	defer func() { s.pumping = false }()
	for {
		s.pumpAgain = false
		s.sentBytesThisPass = 0
		s.sched.runPass(s.shouldStopTransmit)
		if !s.pumpAgain {
			return
		}
	}
}

// ---- wire encode ----

func (s *Session) sendFlowOpen(id FlowID, metadata []byte) {
	buf := []byte{byte(codeFlowOpen)}
	buf = putVLU(buf, uint64(id))
	buf = append(buf, metadata...)
	s.send(buf)
}

func (s *Session) sendFlowOpenReturn(id, returnFlowID FlowID, metadata []byte) {
	buf := []byte{byte(codeFlowOpenReturn)}
	buf = putVLU(buf, uint64(id))
	buf = putVLU(buf, uint64(returnFlowID))
	buf = append(buf, metadata...)
	s.send(buf)
}

// sendData returns the full wire frame's length, which sender and receiver
// must both count toward their byte accounting so DATA_ACK positions and
// outstandingBytes stay consistent.
func (s *Session) sendData(id FlowID, fragment []byte, more bool) int {
	c := codeDataLast
	if more {
		c = codeDataMore
	}
	buf := []byte{byte(c)}
	buf = putVLU(buf, uint64(id))
	buf = append(buf, fragment...)
	s.send(buf)
	return len(buf)
}

// sendDataAbandon omits the countMinusOne VLU entirely when abandoning a
// single message, matching the wire table's optional trailing field.
func (s *Session) sendDataAbandon(id FlowID, countMinusOne int) {
	buf := []byte{byte(codeDataAbandon)}
	buf = putVLU(buf, uint64(id))
	if countMinusOne > 0 {
		buf = putVLU(buf, uint64(countMinusOne))
	}
	s.send(buf)
}

func (s *Session) sendFlowClose(id FlowID) {
	buf := []byte{byte(codeFlowClose)}
	buf = putVLU(buf, uint64(id))
	s.send(buf)
}

func (s *Session) sendDataAck(id FlowID, position, advertisement uint64) {
	buf := []byte{byte(codeDataAck)}
	buf = putVLU(buf, uint64(id))
	buf = putVLU(buf, position)
	buf = putVLU(buf, advertisement)
	s.send(buf)
}

func (s *Session) sendFlowCloseAck(id FlowID) {
	buf := []byte{byte(codeFlowCloseAck)}
	buf = putVLU(buf, uint64(id))
	s.send(buf)
}

func (s *Session) sendFlowException(id FlowID, errCode uint64, description string) {
	buf := []byte{byte(codeFlowException)}
	buf = putVLU(buf, uint64(id))
	buf = putVLU(buf, errCode)
	buf = append(buf, description...)
	s.send(buf)
}

func (s *Session) send(frame []byte) {
	if err := s.carrier.Send(frame); err != nil {
		s.logger.WithError(err).Warn("flow: carrier send failed")
	}
	s.sentBytesThisPass += len(frame)
}

// ---- wire decode / dispatch ----

func (s *Session) handleFrame(frame []byte) {
	if s.closed || len(frame) == 0 {
		return
	}
	defer s.flushPendingAcks()
	defer s.reportMetrics()

	c := code(frame[0])
	cursor := 1
	var err error
	switch c {
	case codeFlowOpen:
		err = s.handleFlowOpen(frame, cursor)
	case codeFlowOpenReturn:
		err = s.handleFlowOpenReturn(frame, cursor)
	case codeDataMore, codeDataLast:
		err = s.handleData(frame, cursor, c == codeDataMore)
	case codeDataAbandon:
		err = s.handleDataAbandon(frame, cursor)
	case codeFlowClose:
		err = s.handleFlowClose(frame, cursor)
	case codeDataAck:
		err = s.handleDataAck(frame, cursor)
	case codeFlowCloseAck:
		err = s.handleFlowCloseAck(frame, cursor)
	case codeFlowException:
		err = s.handleFlowException(frame, cursor)
	case codePing:
		s.handlePing(frame, cursor)
	case codePingReply:
		// no session-level action; apps observe RTT via metrics.
	default:
		s.logger.WithField("code", c).Warn("flow: unrecognized frame code, ignoring")
	}
	if err != nil {
		s.logger.WithError(err).Warn("flow: protocol violation, closing session")
		s.teardown(errcode.ErrCodeProtocolViolation.WithDetail(err))
	}
}

func (s *Session) handleFlowOpen(frame []byte, cursor int) error {
	cursor, id, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	if _, exists := s.recvFlows[FlowID(id)]; exists {
		return fmt.Errorf("flow: duplicate FLOW_OPEN for %s", FlowID(id))
	}
	metadata := frame[cursor:]
	rf := newRecvFlow(s, FlowID(id), metadata, nil)
	s.recvFlows[rf.id] = rf
	if s.handler == nil {
		s.sendFlowException(rf.id, uint64(errcode.ErrCodeNotAccepted), "no session handler")
		return nil
	}
	s.dispatchRecvCallback(func() {
		s.handler.OnRecvFlow(s, rf)
		if !rf.userOpen {
			s.sendFlowException(rf.id, uint64(errcode.ErrCodeNotAccepted), "flow not accepted")
			s.removeRecvFlow(rf)
		}
	})
	return nil
}

func (s *Session) handleFlowOpenReturn(frame []byte, cursor int) error {
	cursor, id, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	cursor, retID, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	metadata := frame[cursor:]

	origSF, ok := s.sendFlows[FlowID(retID)]
	if !ok {
		s.sendFlowException(FlowID(id), uint64(errcode.ErrCodeReturnAssociationNotFound), "unknown return flow association")
		return nil
	}
	rf := newRecvFlow(s, FlowID(id), metadata, origSF)
	s.recvFlows[rf.id] = rf
	if origSF.handler == nil {
		s.sendFlowException(rf.id, uint64(errcode.ErrCodeNotAccepted), "no send-flow handler")
		return nil
	}
	s.dispatchRecvCallback(func() {
		origSF.handler.OnRecvFlow(origSF, rf)
		if !rf.userOpen {
			s.sendFlowException(rf.id, uint64(errcode.ErrCodeNotAccepted), "return flow not accepted")
			s.removeRecvFlow(rf)
		}
	})
	return nil
}

func (s *Session) handleData(frame []byte, cursor int, more bool) error {
	cursor, id, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	rf, ok := s.recvFlows[FlowID(id)]
	if !ok {
		return nil // flow already closed locally; peer may not know yet
	}
	fragment := frame[cursor:]
	rf.onData(more, fragment, len(frame))
	return nil
}

// handleDataAbandon tolerates an absent countMinusOne, which the wire
// table treats as equivalent to 0 (a single abandoned message).
func (s *Session) handleDataAbandon(frame []byte, cursor int) error {
	cursor, id, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	var countMinusOne uint64
	if cursor < len(frame) {
		_, countMinusOne, err = parseVLU(frame, cursor)
		if err != nil {
			return err
		}
	}
	if rf, ok := s.recvFlows[FlowID(id)]; ok {
		rf.onDataAbandon(countMinusOne)
	}
	return nil
}

func (s *Session) handleFlowClose(frame []byte, cursor int) error {
	_, id, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	if rf, ok := s.recvFlows[FlowID(id)]; ok {
		rf.onFlowCloseMessage()
	}
	return nil
}

func (s *Session) handleDataAck(frame []byte, cursor int) error {
	cursor, id, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	cursor, position, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	_, advertisement, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	if sf, ok := s.sendFlows[FlowID(id)]; ok {
		sf.onAck(position, advertisement)
	}
	return nil
}

func (s *Session) handleFlowCloseAck(frame []byte, cursor int) error {
	_, id, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	if sf, ok := s.sendFlows[FlowID(id)]; ok {
		delete(s.sendFlows, sf.id)
		s.sendIDs.Release(sf.id)
	}
	return nil
}

func (s *Session) handleFlowException(frame []byte, cursor int) error {
	cursor, id, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	cursor, errCode, err := parseVLU(frame, cursor)
	if err != nil {
		return err
	}
	description := string(frame[cursor:])
	if sf, ok := s.sendFlows[FlowID(id)]; ok {
		sf.onException(errCode, description)
		delete(s.sendFlows, sf.id)
		s.sendIDs.Release(sf.id)
	}
	return nil
}

func (s *Session) handlePing(frame []byte, cursor int) {
	reply := []byte{byte(codePingReply)}
	reply = append(reply, frame[cursor:]...)
	s.send(reply)
}

// Metrics exposes read-only session counters for the metrics package.
func (s *Session) Metrics() (flowsOpen int, bytesInFlight int64, rttSeconds float64, outstandingThresh int64) {
	flowsOpen = len(s.sendFlows) + len(s.recvFlows)
	bytesInFlight = s.outstandingBytes()
	rttSeconds = s.rtt.Smoothed().Seconds()
	outstandingThresh = s.rtt.Threshold()
	return
}

// reportMetrics publishes the current session counters to the package's
// prometheus gauges.
func (s *Session) reportMetrics() {
	flowsOpen, bytesInFlight, rttSeconds, outstandingThresh := s.Metrics()
	metrics.FlowsOpen.WithValues(s.label).Set(float64(flowsOpen))
	metrics.BytesInFlight.WithValues(s.label).Set(float64(bytesInFlight))
	metrics.RTTSeconds.WithValues(s.label).Set(rttSeconds)
	metrics.OutstandingThreshBytes.WithValues(s.label).Set(float64(outstandingThresh))
}

func (s *Session) recordSent() {
	metrics.SentMessages.WithValues(s.label).Inc(1)
}

func (s *Session) recordAbandoned(n int) {
	if n <= 0 {
		return
	}
	metrics.AbandonedMessages.WithValues(s.label).Inc(float64(n))
}
