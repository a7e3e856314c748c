package flow_test

import (
	"testing"
	"time"

	"github.com/flowmux/flowmux/carrier/pipe"
	"github.com/flowmux/flowmux/configuration"
	"github.com/flowmux/flowmux/flow"
)

// recvSpy is a flow.RecvFlowHandler that reports every delivered message and
// the final OnComplete over channels, for synchronizing against a Session's
// asynchronous inbound dispatch goroutine.
type recvSpy struct {
	messages  chan string
	completed chan struct{}
}

func newRecvSpy() *recvSpy {
	return &recvSpy{messages: make(chan string, 32), completed: make(chan struct{})}
}

func (s *recvSpy) OnMessage(rf *flow.RecvFlow, payload []byte, messageNumber uint64) {
	s.messages <- string(payload)
}

func (s *recvSpy) OnComplete(rf *flow.RecvFlow) {
	close(s.completed)
}

func (s *recvSpy) expectMessage(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-s.messages:
		if got != want {
			t.Errorf("delivered message = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery of %q", want)
	}
}

func (s *recvSpy) expectComplete(t *testing.T) {
	t.Helper()
	select {
	case <-s.completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnComplete")
	}
}

// acceptingSessionHandler accepts every incoming flow onto a fresh recvSpy
// and hands the pair out over a channel, so the test can inspect whichever
// flow the peer opened.
type acceptingSessionHandler struct {
	accepted chan *recvSpy
}

func newAcceptingSessionHandler() *acceptingSessionHandler {
	return &acceptingSessionHandler{accepted: make(chan *recvSpy, 8)}
}

func (h *acceptingSessionHandler) OnRecvFlow(s *flow.Session, rf *flow.RecvFlow) {
	spy := newRecvSpy()
	rf.Accept(spy)
	h.accepted <- spy
}

func (h *acceptingSessionHandler) OnClose(s *flow.Session, cause error) {}

func (h *acceptingSessionHandler) waitAccepted(t *testing.T) *recvSpy {
	t.Helper()
	select {
	case spy := <-h.accepted:
		return spy
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the peer to accept a flow")
		return nil
	}
}

// nopSendFlowHandler discards writability/exception/return-flow
// notifications for a SendFlow whose only role in a test is to carry
// outbound writes.
type nopSendFlowHandler struct {
	onRecvFlow func(sf *flow.SendFlow, rf *flow.RecvFlow)
}

func (h nopSendFlowHandler) OnWritable(sf *flow.SendFlow) bool { return false }
func (h nopSendFlowHandler) OnException(sf *flow.SendFlow, code uint64, description string) {
}
func (h nopSendFlowHandler) OnRecvFlow(sf *flow.SendFlow, rf *flow.RecvFlow) {
	if h.onRecvFlow != nil {
		h.onRecvFlow(sf, rf)
		return
	}
	rf.Close(0, "unexpected return flow")
}

func newSessionPair(t *testing.T, clientHandler, serverHandler flow.SessionHandler) (*flow.Session, *flow.Session) {
	t.Helper()
	a, b := pipe.NewPair()
	client := flow.NewSession(a, clientHandler)
	server := flow.NewSession(b, serverHandler)
	a.Attach(client)
	b.Attach(server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// TestIntegrationOpenWriteAndReceive exercises spec.md §8 scenario 1 end to
// end across two real Sessions joined by an in-memory carrier pair: opening
// a flow, writing one message, and closing it delivers exactly that message
// and then OnComplete to the peer.
func TestIntegrationOpenWriteAndReceive(t *testing.T) {
	serverHandler := newAcceptingSessionHandler()
	client, _ := newSessionPair(t, nopSessionHandlerForTest{}, serverHandler)

	sf, err := client.OpenFlow([]byte("greeting"), configuration.PriorityData, nopSendFlowHandler{})
	if err != nil {
		t.Fatalf("OpenFlow: %v", err)
	}
	if _, err := sf.Write([]byte("hello, flowmux")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sf.Close()

	spy := serverHandler.waitAccepted(t)
	spy.expectMessage(t, "hello, flowmux")
	spy.expectComplete(t)
}

// TestIntegrationReturnFlowEchoRoundTrip exercises OpenReturnFlow: the
// server echoes every message it receives back on a return flow, and the
// client observes it as an unsolicited return flow on its own SendFlow.
func TestIntegrationReturnFlowEchoRoundTrip(t *testing.T) {
	returnSpy := newRecvSpy()
	clientFlowHandler := nopSendFlowHandler{
		onRecvFlow: func(sf *flow.SendFlow, rf *flow.RecvFlow) {
			rf.Accept(returnSpy)
		},
	}

	serverHandler := &echoingSessionHandler{}
	client, _ := newSessionPair(t, nopSessionHandlerForTest{}, serverHandler)

	sf, err := client.OpenFlow([]byte("echo-me"), configuration.PriorityData, clientFlowHandler)
	if err != nil {
		t.Fatalf("OpenFlow: %v", err)
	}
	if _, err := sf.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	returnSpy.expectMessage(t, "ping")
}

// echoingSessionHandler accepts every incoming flow, opens a return flow
// against it, and echoes every message it receives back on that return
// flow, closing the return flow once the peer completes.
type echoingSessionHandler struct{}

func (echoingSessionHandler) OnRecvFlow(s *flow.Session, rf *flow.RecvFlow) {
	eh := &echoHandler{}
	rf.Accept(eh)
	ret, err := rf.OpenReturnFlow(rf.Metadata(), configuration.PriorityData, eh)
	if err == nil {
		eh.ret = ret
	}
}

func (echoingSessionHandler) OnClose(s *flow.Session, cause error) {}

type echoHandler struct {
	ret *flow.SendFlow
}

func (h *echoHandler) OnMessage(rf *flow.RecvFlow, payload []byte, messageNumber uint64) {
	if h.ret != nil {
		h.ret.Write(payload)
	}
}

func (h *echoHandler) OnComplete(rf *flow.RecvFlow) {
	if h.ret != nil {
		h.ret.Close()
	}
}

func (h *echoHandler) OnWritable(sf *flow.SendFlow) bool { return false }
func (h *echoHandler) OnException(sf *flow.SendFlow, code uint64, description string) {
}
func (h *echoHandler) OnRecvFlow(sf *flow.SendFlow, rf *flow.RecvFlow) {
	rf.Close(0, "unexpected nested return flow")
}

// TestIntegrationLargeMessageFragmentsAcrossChunks writes a payload many
// times larger than the default chunk size and confirms it is reassembled
// byte-for-byte on the other end, exercising the DATA_MORE/DATA_LAST
// fragmentation path of spec.md §4.
func TestIntegrationLargeMessageFragmentsAcrossChunks(t *testing.T) {
	serverHandler := newAcceptingSessionHandler()
	client, _ := newSessionPair(t, nopSessionHandlerForTest{}, serverHandler)

	payload := make([]byte, 10*configuration.Default().ChunkSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	sf, err := client.OpenFlow(nil, configuration.PriorityBulk, nopSendFlowHandler{})
	if err != nil {
		t.Fatalf("OpenFlow: %v", err)
	}
	if _, err := sf.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sf.Close()

	spy := serverHandler.waitAccepted(t)
	select {
	case got := <-spy.messages:
		if got != string(payload) {
			t.Error("reassembled payload did not match what was written")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the fragmented message to be delivered")
	}
	spy.expectComplete(t)
}

// nopSessionHandlerForTest refuses any flow opened against it; the client
// side of these tests never expects an unsolicited incoming flow except via
// its own SendFlowHandler.OnRecvFlow for return flows.
type nopSessionHandlerForTest struct{}

func (nopSessionHandlerForTest) OnRecvFlow(s *flow.Session, rf *flow.RecvFlow) {
	rf.Close(0, "client accepts no unsolicited flows")
}
func (nopSessionHandlerForTest) OnClose(s *flow.Session, cause error) {}
