// Package websocket adapts a *websocket.Conn (gorilla/websocket) into a
// flow.Carrier, the transport spec.md §1 describes as the typical
// "single reliable ordered message-framed channel" a Session multiplexes
// over.
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmux/flowmux/flow"
	"github.com/flowmux/flowmux/internal/dcontext"
)

// Carrier wraps a gorilla/websocket connection as a flow.Carrier. Each
// Carrier owns one read goroutine; Attach must be called with the
// Session (or other flow.Receiver) that should receive inbound frames
// before traffic can flow in either direction.
type Carrier struct {
	conn   *websocket.Conn
	logger dcontext.Logger

	writeMu sync.Mutex

	receiver flow.Receiver
	done     chan struct{}
	once     sync.Once
}

// New wraps conn. BinaryMessage frames are used on the wire, matching the
// protocol's own binary framing.
func New(conn *websocket.Conn, logger dcontext.Logger) *Carrier {
	if logger == nil {
		logger = dcontext.GetLogger(dcontext.Background())
	}
	return &Carrier{conn: conn, logger: logger, done: make(chan struct{})}
}

// Attach registers r as the Receiver for inbound frames and starts the
// read loop.
func (c *Carrier) Attach(r flow.Receiver) {
	c.receiver = r
	go c.readLoop()
}

func (c *Carrier) readLoop() {
	defer func() {
		if c.receiver != nil {
			c.receiver.OnStopProducing()
		}
	}()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.WithError(err).Debug("flow/carrier/websocket: read loop exiting")
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case <-c.done:
			return
		default:
		}
		if c.receiver != nil {
			c.receiver.OnReceive(data)
		}
	}
}

// Send writes frame as one binary WebSocket message. gorilla/websocket
// connections support only one concurrent writer, so Sends are serialized.
func (c *Carrier) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// CallLater implements flow.Carrier with a plain timer.
func (c *Carrier) CallLater(d time.Duration, f func()) (cancel func()) {
	if d <= 0 {
		f()
		return func() {}
	}
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// Close closes the underlying connection, ending the read loop.
func (c *Carrier) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
