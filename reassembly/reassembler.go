package reassembly

import (
	"log"
	"os"
	"sort"

	"github.com/m-lab/tcp-dissect/metrics"
)

var streamLog = log.New(os.Stdout, "reassembly: ", log.LstdFlags|log.Lshortfile)

// ooSegment is one buffered out-of-order segment awaiting its
// predecessor.
type ooSegment struct {
	seq  Seq
	data []byte
}

// Stream reassembles one direction of one TCP conversation (spec §4.E).
// Create one per direction; segments must be handed to Accept in frame
// (capture) order even when their sequence numbers are not contiguous.
type Stream struct {
	dir       Dir
	desegment DesegmentFunc

	haveNext bool
	nextSeq  Seq // lowest seq not yet delivered to the in-progress MSP

	current *MSP

	// outOfOrder holds segments that arrived ahead of nextSeq, kept
	// sorted by seq so draining after a gap fill is a linear scan
	// rather than a re-sort.
	outOfOrder []ooSegment

	finSeen bool
}

// NewStream returns a Stream that reassembles using desegment to decide
// PDU boundaries.
func NewStream(dir Dir, desegment DesegmentFunc) *Stream {
	return &Stream{dir: dir, desegment: desegment}
}

// Init tells the stream the sequence number its first payload byte
// will carry, normally derived from the SYN's ISN once the three-way
// handshake completes. Without a call to Init, the stream instead
// bootstraps nextSeq from whichever segment Accept sees first — the
// right fallback when the capture starts mid-connection, but it means
// a segment that is genuinely the first one to arrive out of order
// would be mistaken for the stream's start.
func (s *Stream) Init(seq Seq) {
	s.nextSeq = seq
	s.haveNext = true
}

// Accept feeds one segment's payload into the stream and returns any
// PDUs that complete as a result (normally zero or one, but a single
// segment can complete one PDU and start enough of the next that a
// buffered out-of-order segment completes a second).
func (s *Stream) Accept(seq Seq, frame uint64, payload []byte, fin bool) []PDU {
	if len(payload) == 0 {
		if fin {
			return s.handleFin()
		}
		return nil
	}
	if !s.haveNext {
		s.nextSeq = seq
		s.haveNext = true
	}

	if seq != s.nextSeq {
		if seq.Less(s.nextSeq) {
			// Fully-covered retransmission of already-delivered bytes;
			// the sequence analyzer (component D) is responsible for
			// flagging this, reassembly just ignores it.
			return nil
		}
		s.insertOutOfOrder(seq, frame, payload)
		return nil
	}

	var pdus []PDU
	pdus = append(pdus, s.deliver(frame, payload)...)
	pdus = append(pdus, s.drainOutOfOrder()...)
	if fin {
		pdus = append(pdus, s.handleFin()...)
	}
	return pdus
}

func (s *Stream) insertOutOfOrder(seq Seq, frame uint64, payload []byte) {
	i := sort.Search(len(s.outOfOrder), func(i int) bool {
		return !s.outOfOrder[i].seq.Less(seq)
	})
	if i < len(s.outOfOrder) && s.outOfOrder[i].seq == seq {
		return // duplicate of an already-buffered out-of-order segment
	}
	s.outOfOrder = append(s.outOfOrder, ooSegment{})
	copy(s.outOfOrder[i+1:], s.outOfOrder[i:])
	s.outOfOrder[i] = ooSegment{seq: seq, data: payload}
	_ = frame
}

func (s *Stream) drainOutOfOrder() []PDU {
	var pdus []PDU
	for len(s.outOfOrder) > 0 && s.outOfOrder[0].seq == s.nextSeq {
		next := s.outOfOrder[0]
		s.outOfOrder = s.outOfOrder[1:]
		pdus = append(pdus, s.deliver(0, next.data)...)
	}
	return pdus
}

// deliver appends payload (already known to start at s.nextSeq) to the
// in-progress MSP, advances nextSeq, and asks the subdissector whether
// a full PDU is now available, repeating as long as there is leftover
// data that might start (and even complete) a following PDU.
func (s *Stream) deliver(frame uint64, payload []byte) []PDU {
	var pdus []PDU
	startSeq := s.nextSeq
	if s.current == nil {
		s.current = &MSP{Dir: s.dir, FirstFrame: frame, StartSeq: startSeq}
		if len(s.outOfOrder) > 0 || !s.haveNext {
			s.current.Flags |= FlagMissingFirstSegment
		}
	}
	s.current.Data = append(s.current.Data, payload...)
	s.nextSeq = s.nextSeq.Add(len(payload))

	for {
		res := s.desegment(s.current.Data)
		switch {
		case res.Complete:
			consumed := res.Length
			if consumed > len(s.current.Data) {
				streamLog.Println("desegment func reported a length longer than the buffered data; waiting for more")
				return pdus
			}
			pdu := PDU{
				Dir:        s.current.Dir,
				FirstFrame: s.current.FirstFrame,
				LastFrame:  frame,
				StartSeq:   s.current.StartSeq,
				Data:       s.current.Data[:consumed],
				Flags:      s.current.Flags | FlagGotAllSegments,
			}
			if consumed == len(s.current.Data) {
				pdu.Flags |= FlagReassembleEntireSegment
			}
			pdus = append(pdus, pdu)
			metrics.ReassembledPDUCount.WithLabelValues(dirLabel(s.dir)).Inc()
			metrics.ReassembledPDUBytes.Observe(float64(len(pdu.Data)))

			leftover := s.current.Data[consumed:]
			if len(leftover) == 0 {
				s.current = nil
				return pdus
			}
			s.current = &MSP{Dir: s.dir, FirstFrame: frame, StartSeq: startSeq.Add(consumed), Data: append([]byte(nil), leftover...)}
			continue // the leftover might itself already be a full PDU
		case res.NeedUntilFin:
			// DESEGMENT_UNTIL_FIN: keep buffering silently until the
			// stream's FIN arrives (see handleFin).
			return pdus
		default:
			// DESEGMENT_ONE_MORE_SEGMENT: wait for the next in-order
			// segment.
			return pdus
		}
	}
}

// handleFin flushes whatever is buffered in the in-progress MSP as a
// final, possibly-incomplete PDU — the DESEGMENT_UNTIL_FIN case, and
// the fallback for a connection that closes mid-PDU.
func (s *Stream) handleFin() []PDU {
	s.finSeen = true
	if s.current == nil || len(s.current.Data) == 0 {
		return nil
	}
	pdu := PDU{
		Dir:        s.current.Dir,
		FirstFrame: s.current.FirstFrame,
		LastFrame:  s.current.FirstFrame,
		StartSeq:   s.current.StartSeq,
		Data:       s.current.Data,
		Flags:      s.current.Flags | FlagReassembleEntireSegment,
	}
	s.current = nil
	metrics.ReassembledPDUCount.WithLabelValues(dirLabel(s.dir)).Inc()
	metrics.ReassembledPDUBytes.Observe(float64(len(pdu.Data)))
	return []PDU{pdu}
}

func dirLabel(d Dir) string {
	if d == DirA {
		return "a_to_b"
	}
	return "b_to_a"
}
