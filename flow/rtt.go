package flow

import (
	"time"

	"github.com/flowmux/flowmux/clock"
)

// rttBucket is one bounded-duration sample window in the RTT history,
// per spec.md §4.1's bandwidth-delay-product estimator.
type rttBucket struct {
	start time.Time
	min   time.Duration
}

// rttEstimator tracks a smoothed round-trip time and a bounded history of
// per-interval minima, from which a baseRTT (the smallest recent minimum)
// is derived. It drives the outstanding-bytes congestion threshold.
type rttEstimator struct {
	clk clock.Clock

	smoothed time.Duration
	have     bool

	history    []rttBucket
	bucketSpan time.Duration
	capacity   int

	minThresh     int64
	initialThresh int64
	maxExtraDelay time.Duration
	ackThresh     int64

	outstandingThresh int64

	anchorPosition      uint64
	anchorAt            time.Time
	armed               bool
	rttPreviousPosition uint64
}

func newRTTEstimator(clk clock.Clock, bucketSpan time.Duration, capacity int, minThresh, initialThresh, ackThresh int64, maxExtraDelay time.Duration) *rttEstimator {
	return &rttEstimator{
		clk:               clk,
		bucketSpan:        bucketSpan,
		capacity:          capacity,
		minThresh:         minThresh,
		initialThresh:     initialThresh,
		maxExtraDelay:     maxExtraDelay,
		ackThresh:         ackThresh,
		outstandingThresh: initialThresh,
	}
}

// arm records the current (position, time) as the anchor for the next RTT
// sample, if no sample is presently in flight. Session.addFlowBytesSent
// calls it before counting each fragment's bytes; it is a no-op while a
// sample is already armed.
func (e *rttEstimator) arm(position uint64) {
	if e.armed {
		return
	}
	e.anchorPosition = position
	e.anchorAt = e.clk.Now()
	e.armed = true
}

// sample processes an incoming ACK's cumulative position; if it reaches or
// passes the armed anchor, a fresh RTT observation is derived and folded
// into the smoothed RTT and bucketed history. currentPosition is the
// sender's current flowBytesSent, used to measure the bandwidth achieved
// over the sampled interval.
func (e *rttEstimator) sample(ackedPosition, currentPosition uint64) {
	if !e.armed || ackedPosition < e.anchorPosition {
		return
	}
	rtt := e.clk.Now().Sub(e.anchorAt)
	if rtt <= 0 {
		rtt = time.Microsecond
	}
	numBytes := currentPosition - e.rttPreviousPosition
	bandwidth := float64(numBytes) / rtt.Seconds()
	e.rttPreviousPosition = currentPosition
	e.armed = false
	e.observe(rtt)
	if int64(numBytes) >= e.outstandingThresh-e.ackThresh {
		e.recomputeThreshold(bandwidth)
	}
}

func (e *rttEstimator) observe(rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}
	if !e.have {
		e.smoothed = rtt
		e.have = true
	} else {
		// EWMA with a 1/8 gain, the conventional TCP-style smoothing
		// weight.
		e.smoothed += (rtt - e.smoothed) / 8
	}
	e.addHistorySample(rtt)
}

func (e *rttEstimator) addHistorySample(rtt time.Duration) {
	now := e.clk.Now()
	if n := len(e.history); n > 0 && now.Sub(e.history[n-1].start) < e.bucketSpan {
		if rtt < e.history[n-1].min {
			e.history[n-1].min = rtt
		}
		return
	}
	e.history = append(e.history, rttBucket{start: now, min: rtt})
	if len(e.history) > e.capacity {
		e.history = e.history[len(e.history)-e.capacity:]
	}
}

// baseRTT is the smallest bucket minimum presently retained, i.e. the best
// recent estimate of the path's propagation delay absent queuing.
func (e *rttEstimator) baseRTT() time.Duration {
	if len(e.history) == 0 {
		return e.smoothed
	}
	base := e.history[0].min
	for _, b := range e.history[1:] {
		if b.min < base {
			base = b.min
		}
	}
	return base
}

// recomputeThreshold derives the outstanding-bytes congestion cap as the
// bandwidth-delay product: the measured bandwidth over the just-sampled
// interval times (baseRTT + maxAdditionalDelay), floored at minThresh.
func (e *rttEstimator) recomputeThreshold(bandwidth float64) {
	target := int64(bandwidth * (e.baseRTT() + e.maxExtraDelay).Seconds())
	if target < e.minThresh {
		target = e.minThresh
	}
	e.outstandingThresh = target
}

// Threshold returns the current outstanding-bytes congestion cap.
func (e *rttEstimator) Threshold() int64 { return e.outstandingThresh }

// Smoothed returns the current EWMA-smoothed RTT estimate.
func (e *rttEstimator) Smoothed() time.Duration { return e.smoothed }

// BaseRTT exposes the current baseline RTT estimate for metrics/health.
func (e *rttEstimator) BaseRTT() time.Duration { return e.baseRTT() }
