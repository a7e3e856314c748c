// Command flowmuxd runs a flowmux echo server over WebSocket, primarily
// as a demonstration harness for the flow package.
package main

import (
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"
	metrics "github.com/docker/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flowmux/flowmux/carrier/websocket"
	"github.com/flowmux/flowmux/configuration"
	"github.com/flowmux/flowmux/flow"
	"github.com/flowmux/flowmux/health"
	"github.com/flowmux/flowmux/internal/dcontext"
	"github.com/flowmux/flowmux/version"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var (
	addr       string
	metricsAddr string
	showVersion bool
)

func init() {
	RootCmd.Flags().StringVarP(&addr, "addr", "a", ":8585", "address to listen for WebSocket connections on")
	RootCmd.Flags().StringVarP(&metricsAddr, "metrics-addr", "m", ":8586", "address to serve /metrics and /debug/health on")
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the flowmuxd binary.
var RootCmd = &cobra.Command{
	Use:   "flowmuxd",
	Short: "`flowmuxd` runs a flowmux echo server",
	Long:  "`flowmuxd` runs a flowmux echo server over WebSocket",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		if err := serve(); err != nil {
			logrus.WithError(err).Fatal("flowmuxd: exiting")
		}
	},
}

func serve() error {
	ctx := dcontext.Background()
	logger := dcontext.GetLogger(ctx)

	// health's own init() already registers /debug/health on the default
	// mux; only /metrics needs adding here.
	http.Handle("/metrics", metrics.Handler())
	go func() {
		logger.WithField("addr", metricsAddr).Info("flowmuxd: debug server listening")
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logger.WithError(err).Warn("flowmuxd: debug server exited")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/flowmux", handleWebsocket(logger))
	logger.WithField("addr", addr).Info("flowmuxd: listening")
	return http.ListenAndServe(addr, mux)
}

var connSeq uint64

func handleWebsocket(logger dcontext.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("flowmuxd: upgrade failed")
			return
		}
		label := fmt.Sprintf("conn-%d", atomic.AddUint64(&connSeq, 1))
		carrier := websocket.New(conn, logger)
		sh := &echoSessionHandler{logger: logger}
		s := flow.NewSession(carrier, sh,
			flow.WithConfiguration(configuration.Default()),
			flow.WithKeepalive(30*time.Second),
			flow.WithLabel(label))
		sh.session = s
		health.RegisterFunc(label, flow.NewSessionChecker(s, 2*time.Minute).Check)
		carrier.Attach(s)
	}
}

// echoSessionHandler accepts every incoming flow and echoes each message
// back on a return flow, demonstrating OpenReturnFlow.
type echoSessionHandler struct {
	logger  dcontext.Logger
	session *flow.Session
}

func (h *echoSessionHandler) OnRecvFlow(s *flow.Session, rf *flow.RecvFlow) {
	eh := &echoFlowHandler{logger: h.logger}
	rf.Accept(eh)
	ret, err := rf.OpenReturnFlow(rf.Metadata(), configuration.PriorityData, eh)
	if err != nil {
		h.logger.WithError(err).Warn("flowmuxd: failed to open return flow")
		return
	}
	eh.ret = ret
}

func (h *echoSessionHandler) OnClose(s *flow.Session, cause error) {
	if cause != nil {
		h.logger.WithError(cause).Info("flowmuxd: session closed")
	}
}

type echoFlowHandler struct {
	logger dcontext.Logger
	ret    *flow.SendFlow
}

func (h *echoFlowHandler) OnMessage(rf *flow.RecvFlow, payload []byte, messageNumber uint64) {
	if h.ret == nil {
		return
	}
	if _, err := h.ret.Write(payload); err != nil {
		h.logger.WithError(err).Warn("flowmuxd: echo write failed")
	}
}

func (h *echoFlowHandler) OnComplete(rf *flow.RecvFlow) {
	if h.ret != nil {
		h.ret.Close()
	}
}

func (h *echoFlowHandler) OnWritable(sf *flow.SendFlow) bool { return false }

func (h *echoFlowHandler) OnException(sf *flow.SendFlow, code uint64, description string) {
	h.logger.WithField("code", code).Warn("flowmuxd: return flow exception: " + description)
}

func (h *echoFlowHandler) OnRecvFlow(sf *flow.SendFlow, rf *flow.RecvFlow) {
	// the echo server never expects a return flow on its own return flow
	rf.Close(0, "unexpected nested return flow")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
