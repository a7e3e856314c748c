// Package configuration defines the tunables of a Session, loadable from a
// YAML document and overridable from the environment, following the same
// scheme as the teacher registry's configuration package: a field
// v.Abc.Xyz may be overridden by FLOWMUX_ABC_XYZ.
package configuration

import "time"

// Priority is the transmit priority of a SendFlow, 0 (lowest) through 7
// (highest), matching the eight named priority queues of spec.md §2/§6.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityBulk
	PriorityData
	PriorityRoutine
	PriorityPriority
	PriorityImmediate
	PriorityFlash
	PriorityFlashOverride
)

// NumPriorities is the number of distinct priority levels.
const NumPriorities = int(PriorityFlashOverride) + 1

var priorityNames = [NumPriorities]string{
	"background", "bulk", "data", "routine", "priority", "immediate",
	"flash", "flash_override",
}

func (p Priority) String() string {
	if p < 0 || int(p) >= NumPriorities {
		return "invalid"
	}
	return priorityNames[p]
}

// Configuration holds every tunable named in spec.md §6. Zero-valued
// fields are filled in from Default() by Normalize.
type Configuration struct {
	// ChunkSize is the maximum bytes carried in a single DATA_MORE/
	// DATA_LAST fragment.
	ChunkSize int `yaml:"chunk_size"`

	// AckThresh is the byte-count delta that drives whether an RTT sample
	// is "significant enough" to recompute OutstandingThresh.
	AckThresh int `yaml:"ack_thresh"`

	// SendThresh is the per-transmit-pass byte cap (named sendThresh in
	// spec.md §6; enforced as the scheduler's per-pass cap).
	SendThresh int `yaml:"send_thresh"`

	// DefaultRcvbuf is the initial receive-window advertised by a new
	// RecvFlow.
	DefaultRcvbuf int `yaml:"default_rcvbuf"`

	// RTTHistoryThresh is the width of one RTT-history bucket.
	RTTHistoryThresh time.Duration `yaml:"rtt_history_thresh"`

	// RTTHistoryCapacity is the number of RTT-history buckets retained.
	RTTHistoryCapacity int `yaml:"rtt_history_capacity"`

	// MinOutstandingThresh is the floor for the outstanding-bytes cap.
	MinOutstandingThresh int64 `yaml:"min_outstanding_thresh"`

	// InitialOutstandingThresh seeds OutstandingThresh before the first
	// RTT/bandwidth sample arrives.
	InitialOutstandingThresh int64 `yaml:"initial_outstanding_thresh"`

	// MaxAdditionalDelay is added to baseRTT when recomputing
	// OutstandingThresh from a bandwidth sample.
	MaxAdditionalDelay time.Duration `yaml:"max_additional_delay"`

	// SendFlowIDBatchSize is how many IDs are minted at once when the
	// free-ID queue needs refreshing.
	SendFlowIDBatchSize int `yaml:"send_flow_id_batch_size"`

	// SendFlowIDRefresh is the free-ID queue low-water mark that triggers
	// a refresh.
	SendFlowIDRefresh int `yaml:"send_flow_id_refresh"`

	// Log configures the structured logger.
	Log Log `yaml:"log"`
}

// Log mirrors the teacher's Log section: a level and an output formatter
// name understood by logrus.
type Log struct {
	Level     string            `yaml:"level"`
	Formatter string            `yaml:"formatter,omitempty"`
	Fields    map[string]string `yaml:"fields,omitempty"`
}

// Default returns the tunables from spec.md §6.
func Default() *Configuration {
	return &Configuration{
		ChunkSize:                1400,
		AckThresh:                2800,
		SendThresh:               32 * 1400,
		DefaultRcvbuf:            2097151,
		RTTHistoryThresh:         60 * time.Second,
		RTTHistoryCapacity:       5,
		MinOutstandingThresh:     16384,
		InitialOutstandingThresh: 32768,
		MaxAdditionalDelay:       20 * time.Millisecond,
		SendFlowIDBatchSize:      16,
		SendFlowIDRefresh:        4,
		Log:                      Log{Level: "info"},
	}
}

// Normalize fills zero-valued fields from Default(), so a caller may
// supply a partially-populated Configuration (e.g. parsed from a YAML
// document that only overrides ChunkSize).
func (c *Configuration) Normalize() {
	d := Default()
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.AckThresh == 0 {
		c.AckThresh = d.AckThresh
	}
	if c.SendThresh == 0 {
		c.SendThresh = d.SendThresh
	}
	if c.DefaultRcvbuf == 0 {
		c.DefaultRcvbuf = d.DefaultRcvbuf
	}
	if c.RTTHistoryThresh == 0 {
		c.RTTHistoryThresh = d.RTTHistoryThresh
	}
	if c.RTTHistoryCapacity == 0 {
		c.RTTHistoryCapacity = d.RTTHistoryCapacity
	}
	if c.MinOutstandingThresh == 0 {
		c.MinOutstandingThresh = d.MinOutstandingThresh
	}
	if c.InitialOutstandingThresh == 0 {
		c.InitialOutstandingThresh = d.InitialOutstandingThresh
	}
	if c.MaxAdditionalDelay == 0 {
		c.MaxAdditionalDelay = d.MaxAdditionalDelay
	}
	if c.SendFlowIDBatchSize == 0 {
		c.SendFlowIDBatchSize = d.SendFlowIDBatchSize
	}
	if c.SendFlowIDRefresh == 0 {
		c.SendFlowIDRefresh = d.SendFlowIDRefresh
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}
