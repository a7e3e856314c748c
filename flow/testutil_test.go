package flow

import (
	"sync"
	"time"
)

// recordingCarrier is a minimal Carrier that records every frame handed to
// Send, for white-box assertions on session/scheduler behavior without a
// real transport.
type recordingCarrier struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *recordingCarrier) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *recordingCarrier) CallLater(d time.Duration, f func()) (cancel func()) {
	return func() {}
}

func (c *recordingCarrier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingCarrier) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

type nopSessionHandler struct{}

func (nopSessionHandler) OnRecvFlow(s *Session, rf *RecvFlow) { rf.Close(0, "unused in test") }
func (nopSessionHandler) OnClose(s *Session, cause error)     {}
