package conversation

import (
	"github.com/m-lab/tcp-dissect/metrics"
	"github.com/m-lab/tcp-dissect/segment"
)

// Analyze classifies one segment travelling in direction dir against
// the conversation's running state (spec §4.D), updates that state,
// and returns the resulting AnalysisRecord. Flags are evaluated in a
// fixed order matching Wireshark's tcp_analyze_sequence_number: window
// conditions first, then the no-payload-ack special cases, then the
// retransmission family, since a segment can legitimately carry more
// than one flag (a zero-window probe is very often also a
// retransmission).
func (c *Conversation) Analyze(dir Direction, s *segment.Segment) *AnalysisRecord {
	this := &c.Flows[dir]
	other := &c.Flows[dir.Other()]

	rec := &AnalysisRecord{Frame: s.Frame, Dir: dir}

	if c.ReusedPorts {
		rec.addFlag(FlagReusedPorts)
		c.ReusedPorts = false
	}

	if s.Flags.SYN() && !this.HaveBase {
		this.BaseSeq = s.Seq
		this.HaveBase = true
	}
	if rel, ok := this.RelativeSeq(s.Seq); ok {
		rec.RelSeq, rec.RelSeqValid = rel, true
	}
	if s.Flags.ACK() {
		if rel, ok := other.RelativeSeq(s.Ack); ok {
			rec.RelAck, rec.RelAckValid = rel, true
		}
	}

	segLen := s.SegLen()
	consumesSeq := segLen > 0 || s.Flags.SYN() || s.Flags.FIN()
	effWindow := this.EffectiveWindow(s.Window)

	analyzeWindow(this, other, s, effWindow, rec)
	analyzeNoPayloadAck(this, other, s, segLen, rec)
	analyzeAckLostPacket(this, other, s, rec)
	if consumesSeq {
		analyzeLostAndRetransmission(this, other, s, segLen, rec)
	}

	for _, f := range rec.Flags {
		metrics.AnomalyCount.WithLabelValues(string(f)).Inc()
	}

	if s.Flags.ACK() {
		if oldest, found := other.ackUpTo(s.Ack); found {
			rtt := s.Timestamp.Sub(oldest.Timestamp).Seconds()
			if rtt >= 0 {
				rec.AckRTTSeconds, rec.HaveAckRTT = rtt, true
				other.updateRTT(rtt)
			}
		}
		// this.LastAck records what this flow itself has acknowledged,
		// used both for duplicate-ack detection on this flow's later
		// segments and for spurious-retransmission detection on other's.
		if !this.HaveAck || seqLT(this.LastAck, s.Ack) {
			this.LastAck, this.HaveAck = s.Ack, true
		}
	}

	if consumesSeq {
		this.pushUnacked(UnackedSegment{Seq: s.Seq, SegLen: segLen, Frame: s.Frame, Timestamp: s.Timestamp},
			func() { metrics.UnackedSegmentsDroppedCount.Inc() })
		if !this.HaveSeq || seqLT(this.MaxSeq, s.NextSeq()) {
			this.MaxSeq, this.HaveSeq = s.NextSeq(), true
		}
		if !this.HaveSeq || seqLE(this.NextSeq, s.NextSeq()) {
			this.NextSeq = s.NextSeq()
		}
	}

	this.Window, this.HaveWindow = effWindow, true
	rec.BytesInFlight = this.BytesInFlight()
	return rec
}

func analyzeWindow(this, other *FlowState, s *segment.Segment, effWindow uint32, rec *AnalysisRecord) {
	if effWindow == 0 && s.Flags.ACK() && !s.Flags.RST() {
		rec.addFlag(FlagZeroWindow)
		this.sentZeroWindow = true
		return
	}
	if this.HaveWindow && this.Window == 0 && effWindow > 0 {
		rec.addFlag(FlagWindowUpdate)
		this.sentZeroWindow = false
		return
	}
	// Window-full: this sender has filled the window the peer most
	// recently advertised toward it.
	if s.SegLen() > 0 && other.HaveWindow {
		inFlight := this.BytesInFlight() + s.SegLen()
		if uint32(inFlight) >= other.Window && other.Window > 0 {
			rec.addFlag(FlagWindowFull)
		}
	}
}

func analyzeNoPayloadAck(this, other *FlowState, s *segment.Segment, segLen int, rec *AnalysisRecord) {
	if segLen > 1 || s.Flags.SYN() || s.Flags.FIN() || s.Flags.RST() {
		return
	}
	isProbeShape := segLen == 1 && this.HaveSeq && s.Seq == this.NextSeq-1
	isKeepAliveShape := segLen <= 1 && this.HaveSeq && s.Seq == this.NextSeq-1

	switch {
	case isProbeShape && other.sentZeroWindow:
		rec.addFlag(FlagZeroWindowProbe)
		this.awaitingZeroWindowProbeAck = true
	case other.awaitingZeroWindowProbeAck && segLen == 0 && s.Flags.ACK():
		rec.addFlag(FlagZeroWindowProbeAck)
		other.awaitingZeroWindowProbeAck = false
	case isKeepAliveShape && !other.sentZeroWindow:
		rec.addFlag(FlagKeepAlive)
		this.awaitingKeepAliveAck = true
	case other.awaitingKeepAliveAck && segLen == 0 && s.Flags.ACK():
		rec.addFlag(FlagKeepAliveAck)
		other.awaitingKeepAliveAck = false
	case segLen == 0 && s.Flags.ACK() && this.HaveAck && s.Ack == this.LastAck && this.HaveWindow && uint32(s.Window) == this.lastRawWindow:
		this.DupAckCount++
		this.DupAckFrame = s.Frame
		rec.addFlag(FlagDuplicateAck)
	}
	this.lastRawWindow = uint32(s.Window)
}

func analyzeAckLostPacket(this, other *FlowState, s *segment.Segment, rec *AnalysisRecord) {
	if !s.Flags.ACK() || !other.HaveSeq {
		return
	}
	if seqLT(other.MaxSeq, s.Ack) {
		rec.addFlag(FlagAckLostPacket)
	}
}

func analyzeLostAndRetransmission(this, other *FlowState, s *segment.Segment, segLen int, rec *AnalysisRecord) {
	if !this.HaveSeq {
		return
	}
	if seqLT(this.NextSeq, s.Seq) {
		rec.addFlag(FlagLostPacket)
		this.MissingPackets++
		return
	}
	if !seqLT(s.Seq, this.NextSeq) {
		return // s.Seq >= this.NextSeq: new data, not a retransmission
	}

	end := s.Seq + uint32(segLen)
	switch {
	case other.HaveAck && seqLE(end, other.LastAck):
		// The peer already acknowledged this range: this retransmission
		// was unnecessary.
		rec.addFlag(FlagSpuriousRetrans)
	case other.DupAckCount >= 3:
		// The peer sent 3+ duplicate acks for this data before this
		// retransmission arrived: a fast-retransmit response to them.
		rec.addFlag(FlagFastRetransmission)
		other.DupAckCount = 0
	case seqLE(end, this.MaxSeq):
		rec.addFlag(FlagOutOfOrder)
	default:
		rec.addFlag(FlagRetransmission)
		this.BadDeltas++
	}
}
