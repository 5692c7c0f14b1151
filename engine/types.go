package engine

import (
	"github.com/m-lab/tcp-dissect/conversation"
	"github.com/m-lab/tcp-dissect/mptcp"
	"github.com/m-lab/tcp-dissect/reassembly"
	"github.com/m-lab/tcp-dissect/segment"
)

// PduView is a reassembled PDU annotated with the conversation it came
// from, the engine's equivalent of reassembly.PDU plus the addressing
// context a caller needs to make sense of it on its own (spec §4.E/H).
type PduView struct {
	Conversation conversation.ID
	reassembly.PDU
}

// MptcpOutcome is the per-segment MPTCP analysis result (component F):
// which meta-flow and subflow this segment belongs to, and whatever
// DSS mapping or reinjection was observed on it.
type MptcpOutcome struct {
	Meta          mptcp.ConversationId
	Subflow       mptcp.SubflowId
	HasMeta       bool
	SubOption     *mptcp.SubOption
	Reinjection   bool
	MappingMissed bool

	// Notes holds the non-fatal, "attach to the packet" MPTCP findings
	// from spec §7 (missing/unsupported crypto algorithm, an echoed key
	// that doesn't match what the handshake recorded, an infinite
	// mapping) — surfaced on Outcome.Experts alongside the other
	// expert-info notes.
	Notes []string
}

// ExpertInfo is a short, severity-free diagnostic note attached to a
// segment the way Wireshark's expert-info system annotates frames that
// parsed but looked unusual (spec §6 "expert-info-like notes" on the
// output surface) — distinct from a hard parse error, which aborts
// processing of that segment.
type ExpertInfo struct {
	Frame   uint64
	Message string
}

// Outcome is everything ProcessSegment produces for one segment (spec
// §4.H): the parsed header, the conversation it belongs to and which
// direction it travelled, the sequence-analyzer record, any completed
// PDUs, and the MPTCP outcome if applicable.
type Outcome struct {
	Segment      *segment.Segment
	Options      []segment.Option
	Conversation conversation.ID
	Direction    conversation.Direction
	IsNewConv    bool
	Analysis     *conversation.AnalysisRecord
	Timing       conversation.Timing
	PDUs         []PduView
	Mptcp        *MptcpOutcome
	Experts       []ExpertInfo
}
