package flow

import (
	"sync"
	"testing"
	"time"
)

// recvRecorder is a RecvFlowHandler that records deliveries. OnMessage and
// OnComplete are invoked off the caller's goroutine via the session's task
// queue, so tests synchronize on the delivered/completed channels rather
// than asserting immediately after driving a frame in.
type recvRecorder struct {
	mu        sync.Mutex
	messages  []recvMsg
	delivered chan struct{}
	completed chan struct{}
}

type recvMsg struct {
	payload []byte
	number  uint64
}

func newRecvRecorder() *recvRecorder {
	return &recvRecorder{delivered: make(chan struct{}, 64), completed: make(chan struct{})}
}

func (r *recvRecorder) OnMessage(rf *RecvFlow, payload []byte, messageNumber uint64) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.mu.Lock()
	r.messages = append(r.messages, recvMsg{cp, messageNumber})
	r.mu.Unlock()
	r.delivered <- struct{}{}
}

func (r *recvRecorder) OnComplete(rf *RecvFlow) {
	close(r.completed)
}

func (r *recvRecorder) waitDelivered(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.delivered:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d/%d", i+1, n)
		}
	}
}

func (r *recvRecorder) waitCompleted(t *testing.T) {
	t.Helper()
	select {
	case <-r.completed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnComplete")
	}
}

func (r *recvRecorder) snapshot() []recvMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recvMsg, len(r.messages))
	copy(out, r.messages)
	return out
}

// TestRecvFlowDeliversCompleteMessagesInOrder exercises reassembly and the
// gap-blocks-delivery rule of spec.md §8/§9: a complete message delivers
// immediately, but a following incomplete message withholds delivery of
// nothing after it until its own tail fragment arrives.
func TestRecvFlowDeliversCompleteMessagesInOrder(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rec := newRecvRecorder()
	rf.Accept(rec)

	rf.onData(false, []byte("first"), len("first"))   // DATA_LAST: message 1 complete
	rf.onData(true, []byte("second-a"), len("second-a")) // DATA_MORE: message 2 still open

	rec.waitDelivered(t, 1)
	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 delivery before message 2 completes, got %d", len(got))
	}
	if got[0].number != 1 || string(got[0].payload) != "first" {
		t.Errorf("unexpected first delivery: %+v", got[0])
	}

	rf.onData(false, []byte("second-b"), len("second-b")) // DATA_LAST: message 2 completes
	rec.waitDelivered(t, 1)

	got = rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries total, got %d", len(got))
	}
	if got[1].number != 2 || string(got[1].payload) != "second-asecond-b" {
		t.Errorf("unexpected second delivery: %+v", got[1])
	}
}

// TestRecvFlowOnDataAbandonSkipsGapAndAnnouncedCount exercises DATA_ABANDON
// handling: an in-progress tail message is dropped, and the remaining
// announced message numbers are skipped so the next delivered message picks
// up at the correct number.
func TestRecvFlowOnDataAbandonSkipsGapAndAnnouncedCount(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rec := newRecvRecorder()
	rf.Accept(rec)

	rf.onData(true, []byte("partial"), len("partial")) // message 1, left incomplete
	rf.onDataAbandon(2)                                 // abandons messages 1, 2, 3

	if rf.BufferLength() != 0 {
		t.Fatalf("expected the in-progress tail to be dropped, buffer length = %d", rf.BufferLength())
	}
	if rf.nextMessageNumber != 4 {
		t.Fatalf("nextMessageNumber = %d, want 4 after abandoning messages 1-3", rf.nextMessageNumber)
	}

	rf.onData(false, []byte("next"), len("next"))
	rec.waitDelivered(t, 1)

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", len(got))
	}
	if got[0].number != 4 || string(got[0].payload) != "next" {
		t.Errorf("unexpected delivery after abandonment: %+v", got[0])
	}
}

// TestRecvFlowFlowCloseFiresOnCompleteAfterDrain exercises FLOW_CLOSE
// handling: any buffered complete message still delivers, OnComplete fires
// exactly once after the buffer drains, and the flow is then closed.
func TestRecvFlowFlowCloseFiresOnCompleteAfterDrain(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rec := newRecvRecorder()
	rf.Accept(rec)

	rf.onData(false, []byte("only"), len("only"))
	rec.waitDelivered(t, 1)

	rf.onFlowCloseMessage()
	rec.waitCompleted(t)

	if rf.IsOpen() {
		t.Fatal("expected the flow to be closed once OnComplete has fired")
	}
}

// TestRecvFlowAdvertisementReflectsPauseAndBuffer exercises spec.md §9's
// paused-setter resolution: the advertised window shrinks with buffered
// bytes only while paused, and resuming restores the full rcvbuf.
func TestRecvFlowAdvertisementReflectsPauseAndBuffer(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rf.rcvbuf = 100
	rec := newRecvRecorder()
	rf.Accept(rec)

	if rf.Advertisement() != 100 {
		t.Fatalf("Advertisement() = %d, want 100 while not paused", rf.Advertisement())
	}

	rf.SetPaused(true)
	rf.onData(true, make([]byte, 40), 40) // left incomplete so it stays buffered

	if adv := rf.Advertisement(); adv != 60 {
		t.Errorf("Advertisement() = %d, want 60 (100 - 40 buffered) while paused", adv)
	}

	rf.SetPaused(false)
	if adv := rf.Advertisement(); adv != 100 {
		t.Errorf("Advertisement() = %d, want 100 once resumed", adv)
	}
}

// TestRecvFlowAdvertisementNeverNegative guards the clamp in Advertisement
// when buffered bytes exceed rcvbuf.
func TestRecvFlowAdvertisementNeverNegative(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rf.rcvbuf = 10
	rec := newRecvRecorder()
	rf.Accept(rec)

	rf.SetPaused(true)
	rf.onData(true, make([]byte, 50), 50)

	if adv := rf.Advertisement(); adv != 0 {
		t.Errorf("Advertisement() = %d, want 0 when buffered bytes exceed rcvbuf", adv)
	}
}

// TestRecvFlowInvalidUTF8ClosesFlowWithException exercises the ModeText
// decode-failure path of spec.md §9: an invalid payload never reaches the
// handler, and the flow closes with a FLOW_EXCEPTION instead.
func TestRecvFlowInvalidUTF8ClosesFlowWithException(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rf.SetMode(ModeText)
	rec := newRecvRecorder()
	rf.Accept(rec)

	invalid := []byte{0xff, 0xfe, 0xfd}
	rf.onData(false, invalid, len(invalid))

	if rf.IsOpen() {
		t.Fatal("expected the flow to close after an invalid UTF-8 payload in ModeText")
	}
	var sawException bool
	for _, f := range carrier.Frames() {
		if code(f[0]) == codeFlowException {
			sawException = true
		}
	}
	if !sawException {
		t.Fatal("expected a FLOW_EXCEPTION frame after a decode failure")
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("expected no delivered messages for an invalid payload, got %d", n)
	}
}

// TestRecvFlowValidUTF8PassesThroughInTextMode is the positive counterpart:
// well-formed UTF-8 in ModeText delivers normally.
func TestRecvFlowValidUTF8PassesThroughInTextMode(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rf.SetMode(ModeText)
	rec := newRecvRecorder()
	rf.Accept(rec)

	payload := []byte("héllo wörld")
	rf.onData(false, payload, len(payload))
	rec.waitDelivered(t, 1)

	got := rec.snapshot()
	if len(got) != 1 || string(got[0].payload) != string(payload) {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

// TestRecvFlowCloseSendsExceptionUnlessAlreadyComplete exercises Close's
// code/description pairing (spec.md §9): an app-initiated Close before the
// peer signaled completion transmits a FLOW_EXCEPTION; one after completion
// does not.
func TestRecvFlowCloseSendsExceptionUnlessAlreadyComplete(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rec := newRecvRecorder()
	rf.Accept(rec)

	rf.Close(42, "no longer interested")

	var sawException bool
	for _, f := range carrier.Frames() {
		if code(f[0]) == codeFlowException {
			sawException = true
		}
	}
	if !sawException {
		t.Fatal("expected a FLOW_EXCEPTION frame from an app-initiated Close before peer completion")
	}
	if rf.IsOpen() {
		t.Fatal("expected the flow to be closed after Close")
	}

	done := newRecvFlow(s, 2, nil, nil)
	done.Accept(newRecvRecorder())
	done.complete = true // the peer has already sent FLOW_CLOSE
	framesBefore := len(carrier.Frames())
	done.Close(42, "no longer interested")
	for _, f := range carrier.Frames()[framesBefore:] {
		if code(f[0]) == codeFlowException {
			t.Fatal("expected no FLOW_EXCEPTION frame from a Close after peer completion")
		}
	}
}

func TestRecvFlowCloseIsIdempotent(t *testing.T) {
	carrier := &recordingCarrier{}
	s := NewSession(carrier, nopSessionHandler{})
	rf := newRecvFlow(s, 1, nil, nil)
	rec := newRecvRecorder()
	rf.Accept(rec)

	rf.Close(1, "first")
	framesAfterFirst := len(carrier.Frames())
	rf.Close(2, "second") // must be a no-op: flow already closed

	if got := len(carrier.Frames()); got != framesAfterFirst {
		t.Errorf("Close on an already-closed flow emitted %d additional frames", got-framesAfterFirst)
	}
}
