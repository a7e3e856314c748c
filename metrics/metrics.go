// Package metrics registers the flowmux prometheus namespace and exposes
// the gauges and counters a Session reports against, following the same
// docker/go-metrics registration pattern as the teacher registry's own
// metrics package.
package metrics

import "github.com/docker/go-metrics"

// NamespacePrefix names the flowmux prometheus namespace.
const NamespacePrefix = "flowmux"

// SessionNamespace holds every session-scoped metric.
var SessionNamespace = metrics.NewNamespace(NamespacePrefix, "session", nil)

var (
	// FlowsOpen is the number of send and receive flows presently open,
	// labeled by session.
	FlowsOpen = SessionNamespace.NewLabeledGauge("flows_open", "The number of open send and receive flows", metrics.Total, "session")

	// BytesInFlight is the number of bytes sent but not yet acked.
	BytesInFlight = SessionNamespace.NewLabeledGauge("bytes_inflight", "The number of bytes sent but not yet acknowledged", metrics.Total, "session")

	// RTTSeconds is the current smoothed round-trip time estimate.
	RTTSeconds = SessionNamespace.NewLabeledGauge("rtt_seconds", "The smoothed round-trip time estimate", metrics.Total, "session")

	// OutstandingThreshBytes is the current outstanding-bytes congestion
	// cap derived from the bandwidth-delay product.
	OutstandingThreshBytes = SessionNamespace.NewLabeledGauge("outstanding_thresh_bytes", "The current outstanding-bytes congestion cap", metrics.Total, "session")

	// AbandonedMessages counts messages abandoned before being fully
	// sent, labeled by session.
	AbandonedMessages = SessionNamespace.NewLabeledCounter("abandoned_messages", "The number of messages abandoned before being sent", "session")

	// SentMessages counts messages fully transmitted toward the carrier.
	SentMessages = SessionNamespace.NewLabeledCounter("sent_messages", "The number of messages fully transmitted", "session")
)

func init() {
	metrics.Register(SessionNamespace)
}
