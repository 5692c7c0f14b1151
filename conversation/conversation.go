package conversation

import (
	"github.com/m-lab/tcp-dissect/mptcp"
	"github.com/m-lab/tcp-dissect/segment"
)

// ID is an arena-style handle for a Conversation, in the same spirit as
// mptcp.ConversationId (spec §9): a Table owns every Conversation in a
// flat slice and hands out indices rather than pointers, so other
// components can hold a small integer instead of a long-lived pointer
// into a growing slice.
type ID int

// Conversation is one TCP 4-tuple's tracked state (spec §3
// "Conversation"): the two directional FlowStates plus whatever MPTCP
// meta-flow this conversation's subflow belongs to, if any.
type Conversation struct {
	ID         ID
	Key        Key
	Flows      [2]FlowState
	StartFrame uint64
	ClosedFIN  [2]bool // have we seen a FIN travelling in each direction
	ClosedRST  bool

	// ReusedPorts is set by Table.Lookup when this Conversation replaced
	// an existing one for the same 4-tuple (spec §4.C "port reuse"); it
	// is consumed (and cleared) the first time Analyze runs, so only the
	// conversation's first AnalysisRecord is tagged REUSED_PORTS.
	ReusedPorts bool

	// Component G timing state (spec §3 Conversation fields, §4.G).
	TsFirst        segment.UnixNano
	HaveTsFirst    bool
	TsPrev         segment.UnixNano
	TsMruSyn       segment.UnixNano
	HaveTsMruSyn   bool
	TsFirstRTT     float64
	HaveTsFirstRTT bool

	// MPTCP linkage, populated once an MP_CAPABLE or MP_JOIN is seen on
	// this conversation (component F).
	IsMptcpSubflow bool
	MptcpMeta      mptcp.ConversationId
	MptcpSubflow   mptcp.SubflowId
}

// NewConversation returns a freshly initialized Conversation for key,
// to be stored in a Table under handle id.
func NewConversation(id ID, key Key, startFrame uint64) *Conversation {
	c := &Conversation{ID: id, Key: key, StartFrame: startFrame}
	c.Flows[DirAtoB].Dir = DirAtoB
	c.Flows[DirBtoA].Dir = DirBtoA
	return c
}

// Done reports whether both sides have sent a FIN (or either side sent
// an RST), i.e. the conversation has closed out normally. This is pure
// bookkeeping for callers — it no longer gates port reuse (spec §4.C:
// that is a seq-vs-base_seq test on a SYN, not a close-state check; see
// Table.Lookup).
func (c *Conversation) Done() bool {
	return c.ClosedRST || (c.ClosedFIN[DirAtoB] && c.ClosedFIN[DirBtoA])
}

// Observe updates close-tracking state from one segment's flags; it
// does not perform sequence-number analysis (see Analyze).
func (c *Conversation) Observe(dir Direction, fin, rst bool) {
	if fin {
		c.ClosedFIN[dir] = true
	}
	if rst {
		c.ClosedRST = true
	}
}
