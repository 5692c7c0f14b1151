package conversation

import (
	"math"

	"github.com/m-lab/tcp-dissect/segment"
)

// JitterTracker estimates one-way-delay jitter from a stream of TCP
// timestamp-option samples, adapted from tcp.go's JitterTracker to work
// off segment.UnixNano instead of time.Time (this module avoids
// time.Time on the per-segment hot path the same way segment.Segment
// does).
type JitterTracker struct {
	initialized  bool
	firstTSVal   uint32
	firstPktTime segment.UnixNano
	tickRate     float64 // seconds per tick; 0.001 unless told otherwise

	ValCount       int
	ValOffsetSum   float64
	ValOffsetSumSq float64

	EchoCount       int
	EchoOffsetSum   float64
	EchoOffsetSumSq float64
}

// adjust maps a TSVal/TSecr sample and its arrival time onto a common
// "seconds since first sample" axis, using the fixed 1 ms tick rate
// that Add sets on the first observation.
func (jt *JitterTracker) adjust(tsval uint32, pktTime segment.UnixNano) (float64, float64) {
	tickSeconds := float64(tsval-jt.firstTSVal) * jt.tickRate
	pktSeconds := float64(pktTime-jt.firstPktTime) / 1e9
	return tickSeconds, pktSeconds
}

// Add records a new TSval observation.
func (jt *JitterTracker) Add(tsval uint32, pktTime segment.UnixNano) {
	if !jt.initialized {
		jt.tickRate = 0.001
		jt.firstTSVal = tsval
		jt.firstPktTime = pktTime
		jt.initialized = true
		return
	}
	t, p := jt.adjust(tsval, pktTime)
	offset := t - p
	jt.ValCount++
	jt.ValOffsetSum += offset
	jt.ValOffsetSumSq += offset * offset
}

// AddEcho records a new TSecr observation (the echo of a TSval this
// host previously sent).
func (jt *JitterTracker) AddEcho(tsecr uint32, pktTime segment.UnixNano) {
	if !jt.initialized {
		return
	}
	t, p := jt.adjust(tsecr, pktTime)
	offset := t - p
	jt.EchoCount++
	jt.EchoOffsetSum += offset
	jt.EchoOffsetSumSq += offset * offset
}

// Mean returns the mean TSval/arrival-time offset.
func (jt *JitterTracker) Mean() float64 {
	if jt.ValCount == 0 {
		return 0
	}
	return jt.ValOffsetSum / float64(jt.ValCount)
}

// Jitter returns the standard deviation of the TSval/arrival-time
// offset, in seconds.
func (jt *JitterTracker) Jitter() float64 {
	if jt.ValCount == 0 {
		return 0
	}
	return math.Sqrt(jt.ValOffsetSumSq/float64(jt.ValCount) - jt.Mean()*jt.Mean())
}

// Delay estimates one-way delay as the difference between the mean
// TSval offset and the mean TSecr (echo) offset.
func (jt *JitterTracker) Delay() float64 {
	if jt.EchoCount == 0 || jt.ValCount == 0 {
		return 0
	}
	return jt.ValOffsetSum/float64(jt.ValCount) - jt.EchoOffsetSum/float64(jt.EchoCount)
}

// Timing is component G's per-packet output (spec §4.G): arrival time
// relative to the conversation's first segment, delta since the
// previous segment seen on this conversation, and the handshake's
// initial RTT once it can be computed.
type Timing struct {
	TsRelative     float64
	TsDelta        float64
	TsFirstRTT     float64
	HaveTsFirstRTT bool
}

// Tick updates the conversation-level timing fields (spec §3
// Conversation's ts_first/ts_prev/ts_mru_syn/ts_first_rtt, formulas in
// §4.G) for a newly arrived segment and returns the resulting Timing.
// ts_mru_syn is (re-)armed to the timestamp of the most recent pure
// SYN (no ACK) seen on either direction; ts_first_rtt is latched once,
// on the first pure ACK (flags == ACK) after a SYN has armed it.
func (c *Conversation) Tick(s *segment.Segment) Timing {
	if !c.HaveTsFirst {
		c.TsFirst, c.HaveTsFirst = s.Timestamp, true
		c.TsPrev = s.Timestamp
	}

	var t Timing
	t.TsRelative = s.Timestamp.Sub(c.TsFirst).Seconds()
	t.TsDelta = s.Timestamp.Sub(c.TsPrev).Seconds()
	c.TsPrev = s.Timestamp

	if s.Flags.SYN() && !s.Flags.ACK() {
		c.TsMruSyn, c.HaveTsMruSyn = s.Timestamp, true
	}
	if !c.HaveTsFirstRTT && c.HaveTsMruSyn && s.Flags == segment.FlagACK {
		c.TsFirstRTT = s.Timestamp.Sub(c.TsMruSyn).Seconds()
		c.HaveTsFirstRTT = true
	}
	t.TsFirstRTT, t.HaveTsFirstRTT = c.TsFirstRTT, c.HaveTsFirstRTT
	return t
}

// updateRTT folds a fresh ack_rtt sample into the flow's smoothed RTT
// estimate with a simple EWMA (alpha=1/8, the classic Jacobson/Karels
// weighting), the way component G's supplemental smoothed-RTT tracking
// is specified.
func (fs *FlowState) updateRTT(sample float64) {
	if !fs.haveRTT {
		fs.SmoothedRTT = sample
		fs.haveRTT = true
		return
	}
	const alpha = 0.125
	fs.SmoothedRTT = fs.SmoothedRTT + alpha*(sample-fs.SmoothedRTT)
}
