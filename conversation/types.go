package conversation

import (
	"github.com/m-lab/tcp-dissect/segment"
)

// AnomalyFlag is one sequence-analyzer classification raised against a
// segment (spec §4.D). A segment may carry more than one flag (e.g. a
// zero-window probe that is also a retransmission).
type AnomalyFlag string

const (
	FlagZeroWindowProbe     AnomalyFlag = "ZERO_WINDOW_PROBE"
	FlagZeroWindow          AnomalyFlag = "ZERO_WINDOW"
	FlagLostPacket          AnomalyFlag = "LOST_PACKET"
	FlagKeepAlive           AnomalyFlag = "KEEP_ALIVE"
	FlagWindowUpdate        AnomalyFlag = "WINDOW_UPDATE"
	FlagWindowFull          AnomalyFlag = "WINDOW_FULL"
	FlagKeepAliveAck        AnomalyFlag = "KEEP_ALIVE_ACK"
	FlagZeroWindowProbeAck  AnomalyFlag = "ZERO_WINDOW_PROBE_ACK"
	FlagDuplicateAck        AnomalyFlag = "DUPLICATE_ACK"
	FlagAckLostPacket       AnomalyFlag = "ACK_LOST_PACKET"
	FlagFastRetransmission  AnomalyFlag = "FAST_RETRANSMISSION"
	FlagOutOfOrder          AnomalyFlag = "OUT_OF_ORDER"
	FlagSpuriousRetrans     AnomalyFlag = "SPURIOUS_RETRANSMISSION"
	FlagRetransmission      AnomalyFlag = "RETRANSMISSION"
	FlagReusedPorts         AnomalyFlag = "REUSED_PORTS"
)

// UnackedSegment is one not-yet-cumulatively-acked segment recorded by
// the sequence analyzer, used both for RTT sampling (ack_rtt) and for
// bytes-in-flight accounting. Capped per FlowState at unackedCap
// entries (spec §5) so a pathologically silent receiver cannot grow
// this list without bound.
type UnackedSegment struct {
	Seq       uint32
	SegLen    int
	Frame     uint64
	Timestamp segment.UnixNano
}

// unackedCap is the per-direction cap on outstanding UnackedSegment
// entries (spec §5: "~10,000").
const unackedCap = 10000

// FlowState is the per-direction half of a Conversation (spec §3
// "FlowState"): everything needed to classify the next segment seen
// travelling in this direction.
type FlowState struct {
	Dir Direction

	HaveBase  bool
	BaseSeq   uint32 // ISN, for relative-sequence-number display
	NextSeq   uint32 // expected next seq (seq + seglen of last segment, +1 for SYN/FIN)
	MaxSeq    uint32 // highest seq+seglen ever observed, for out-of-order/retransmission tests
	HaveSeq   bool

	Window     uint32 // last window size seen, already left-shifted by WinScale if known
	WinScale   int8   // shift from this flow's SYN WS option; stays 0 when none was seen (no separate unknown/not-negotiated value), and values <= 0 leave Window unscaled
	HaveWindow bool

	LastAck      uint32 // last ack value this flow itself has sent
	HaveAck      bool
	DupAckCount  int
	DupAckFrame  uint64
	lastRawWindow uint32

	sentZeroWindow             bool
	awaitingZeroWindowProbeAck bool
	awaitingKeepAliveAck       bool

	PushBytesUnseen int // bytes announced via PSH not yet matched with a seen segment boundary

	Unacked []UnackedSegment

	// Jitter/RTT tracking (supplemental feature, carried from the
	// teacher's JitterTracker): TSval/TSecr-derived one-way delay jitter.
	Jitter JitterTracker

	// SmoothedRTT is an EWMA of ack_rtt samples (component G supplement).
	SmoothedRTT float64
	haveRTT     bool

	// OptionCounts is a per-option-kind histogram (teacher's
	// TcpStats.OptionCounts, supplemental feature).
	OptionCounts [256]int64

	// BadDeltas/MissingPackets/SendNextExceededLimit are diagnostic
	// counters carried from tcp.go's TcpStats (supplemental feature).
	BadDeltas             int64
	MissingPackets        int64
	SendNextExceededLimit int64
}

// pushUnacked appends a new outstanding segment, evicting the oldest
// entry (and counting the eviction) once the cap is reached.
func (fs *FlowState) pushUnacked(u UnackedSegment, onDrop func()) {
	if len(fs.Unacked) >= unackedCap {
		fs.Unacked = fs.Unacked[1:]
		if onDrop != nil {
			onDrop()
		}
	}
	fs.Unacked = append(fs.Unacked, u)
}

// ackUpTo removes every unacked entry fully covered by ack (cumulative
// ack semantics) and returns the earliest-sent matching entry, which is
// the one the RTT sample should be measured against.
func (fs *FlowState) ackUpTo(ack uint32) (oldest UnackedSegment, found bool) {
	kept := fs.Unacked[:0]
	for _, u := range fs.Unacked {
		end := u.Seq + uint32(u.SegLen)
		if seqLE(end, ack) {
			if !found {
				oldest = u
				found = true
			}
			continue
		}
		kept = append(kept, u)
	}
	fs.Unacked = kept
	return oldest, found
}

// BytesInFlight sums the payload length of every still-outstanding
// segment (spec §3 "bytes in flight").
func (fs *FlowState) BytesInFlight() int {
	n := 0
	for _, u := range fs.Unacked {
		n += u.SegLen
	}
	return n
}

// RelativeSeq renders seq relative to this flow's ISN, once known.
func (fs *FlowState) RelativeSeq(seq uint32) (uint32, bool) {
	if !fs.HaveBase {
		return 0, false
	}
	return seq - fs.BaseSeq, true
}

// EffectiveWindow returns the advertised window scaled by the
// negotiated window-scale shift, when known.
func (fs *FlowState) EffectiveWindow(rawWindow uint16) uint32 {
	if fs.WinScale <= 0 {
		return uint32(rawWindow)
	}
	return uint32(rawWindow) << uint(fs.WinScale)
}

// AnalysisRecord is the per-segment output of the sequence analyzer
// (spec §3 "AnalysisRecord"): the anomaly flags raised, the relative
// sequence/ack numbers (when available), the RTT sample derived from
// this segment's ack (if it closed out an outstanding segment), and the
// bytes-in-flight snapshot after processing it.
type AnalysisRecord struct {
	Frame         uint64
	Dir           Direction
	Flags         []AnomalyFlag
	RelSeq        uint32
	RelSeqValid   bool
	RelAck        uint32
	RelAckValid   bool
	AckRTTSeconds float64
	HaveAckRTT    bool
	BytesInFlight int
}

// HasFlag reports whether flag was raised on this record.
func (r *AnalysisRecord) HasFlag(flag AnomalyFlag) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (r *AnalysisRecord) addFlag(flag AnomalyFlag) {
	r.Flags = append(r.Flags, flag)
}

// seqLE reports whether a <= b in sequence-number (mod 2^32, wraparound
// aware) order, treating numbers within half the sequence space ahead
// of a as "not yet reached" rather than wrapped-around-and-behind.
func seqLE(a, b uint32) bool {
	return int32(b-a) >= 0
}

// seqLT is the strict form of seqLE.
func seqLT(a, b uint32) bool {
	return int32(b-a) > 0
}
