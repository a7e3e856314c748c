// Command flowmux-client dials a flowmuxd server, opens a flow, writes a
// message, and prints whatever comes back on the return flow, as an
// end-to-end demonstration of the flow package's public API.
package main

import (
	"fmt"
	"os"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/flowmux/flowmux/carrier/websocket"
	"github.com/flowmux/flowmux/configuration"
	"github.com/flowmux/flowmux/flow"
	"github.com/flowmux/flowmux/internal/dcontext"
	"github.com/flowmux/flowmux/version"
)

var (
	url         string
	message     string
	showVersion bool
)

func init() {
	RootCmd.Flags().StringVarP(&url, "url", "u", "ws://127.0.0.1:8585/flowmux", "URL of the flowmuxd server to dial")
	RootCmd.Flags().StringVarP(&message, "message", "M", "hello from flowmux-client", "message to send")
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the flowmux-client binary.
var RootCmd = &cobra.Command{
	Use:   "flowmux-client",
	Short: "`flowmux-client` dials a flowmuxd server and round-trips a message",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		if err := run(); err != nil {
			fmt.Fprintln(os.Stderr, "flowmux-client:", err)
			os.Exit(1)
		}
	},
}

func run() error {
	ctx := dcontext.Background()
	logger := dcontext.GetLogger(ctx)

	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	carrier := websocket.New(conn, logger)
	done := make(chan struct{})
	sh := &clientSessionHandler{logger: logger}
	s := flow.NewSession(carrier, sh, flow.WithConfiguration(configuration.Default()))
	carrier.Attach(s)

	fh := &clientFlowHandler{logger: logger, done: done}
	sf, err := s.OpenFlow([]byte("demo"), configuration.PriorityData, fh)
	if err != nil {
		return fmt.Errorf("open flow: %w", err)
	}
	if _, err := sf.Write([]byte(message)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	sf.Close()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for reply")
	}
	s.Close()
	return nil
}

// clientSessionHandler implements flow.SessionHandler for the demo session.
// This client does not expect unsolicited incoming flows, only a return
// flow on the one it opens itself (handled by clientFlowHandler).
type clientSessionHandler struct {
	logger dcontext.Logger
}

func (c *clientSessionHandler) OnRecvFlow(s *flow.Session, rf *flow.RecvFlow) {
	rf.Close(0, "client accepts no unsolicited flows")
}

func (c *clientSessionHandler) OnClose(s *flow.Session, cause error) {
	if cause != nil {
		c.logger.WithError(cause).Info("flowmux-client: session closed")
	}
}

// clientFlowHandler implements flow.SendFlowHandler for the outbound flow
// and flow.RecvFlowHandler for its return flow.
type clientFlowHandler struct {
	logger dcontext.Logger
	done   chan struct{}
}

func (c *clientFlowHandler) OnWritable(sf *flow.SendFlow) bool { return false }

func (c *clientFlowHandler) OnException(sf *flow.SendFlow, code uint64, description string) {
	c.logger.WithField("code", code).Warn("flowmux-client: flow exception: " + description)
}

func (c *clientFlowHandler) OnRecvFlow(sf *flow.SendFlow, rf *flow.RecvFlow) {
	rf.Accept(c)
}

func (c *clientFlowHandler) OnMessage(rf *flow.RecvFlow, payload []byte, messageNumber uint64) {
	fmt.Printf("reply: %s\n", payload)
}

func (c *clientFlowHandler) OnComplete(rf *flow.RecvFlow) {
	close(c.done)
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
