package reassembly

// DesegmentResult is what a subdissector hook returns after inspecting
// the bytes accumulated so far for the in-progress PDU.
type DesegmentResult struct {
	// Complete is true when Length bytes of buf form one whole PDU.
	Complete bool
	// Length is the PDU's total byte length, valid only when Complete.
	Length int
	// NeedUntilFin requests DESEGMENT_UNTIL_FIN semantics (spec §4.E):
	// the subdissector cannot predict a length at all and wants
	// everything up to the connection's FIN treated as one PDU. Valid
	// only when Complete is false.
	NeedUntilFin bool
}

// DesegmentFunc inspects the bytes buffered so far for the
// in-progress MSP and reports whether they form a complete PDU yet.
// Returning Complete:false with NeedUntilFin:false is the
// DESEGMENT_ONE_MORE_SEGMENT case — the classic "come back once you
// have one more segment's worth of bytes" request.
type DesegmentFunc func(buf []byte) DesegmentResult

// MSPFlags record why an MSP ended the way it did (spec §4.E).
type MSPFlags uint8

const (
	// FlagReassembleEntireSegment marks an MSP that consumed every byte
	// of its final contributing segment (no leftover bytes belonging to
	// a following PDU).
	FlagReassembleEntireSegment MSPFlags = 1 << iota
	// FlagGotAllSegments marks an MSP that completed normally (as
	// opposed to being flushed early by a FIN under
	// DESEGMENT_UNTIL_FIN).
	FlagGotAllSegments
	// FlagMissingFirstSegment marks an MSP whose first byte's sequence
	// number was never observed (the capture started, or a segment was
	// dropped, mid-PDU) — the PDU is delivered anyway, short its prefix.
	FlagMissingFirstSegment
)

// MSP is one multisegment PDU under construction or completed (spec §3
// "MSP").
type MSP struct {
	Dir        Dir
	FirstFrame uint64
	StartSeq   Seq
	Data       []byte
	Flags      MSPFlags
}

// PDU is a completed, delivered multisegment PDU (component E's output,
// spec §4.E "subdissector hook").
type PDU struct {
	Dir        Dir
	FirstFrame uint64
	LastFrame  uint64
	StartSeq   Seq
	Data       []byte
	Flags      MSPFlags
}

// Dir distinguishes the two halves of the conversation this
// reassembler is tracking, mirroring conversation.Direction without
// importing that package (reassembly has no other reason to depend on
// conversation, and conversation already depends on segment; keeping
// reassembly free of both keeps the dependency graph a DAG rooted at
// engine).
type Dir uint8

const (
	DirA Dir = iota
	DirB
)
