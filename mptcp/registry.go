package mptcp

import "github.com/m-lab/tcp-dissect/metrics"

// MptcpAnalysisId, ConversationId and SubflowId are arena-style integer
// handles (spec §9 design note): rather than subflows and meta-flows
// holding pointers or map keys into each other, every entity is an
// index into a flat slice owned by a single Registry, and cross-entity
// references are plain integers. This avoids the shared-ownership
// graph a pointer-based design would need and matches spec §5's
// single-arena-per-capture lifetime.
type (
	MptcpAnalysisId int
	ConversationId  int
	SubflowId       int
)

// invalidID marks an unset handle, analogous to a nil pointer.
const invalidID = -1

// MetaFlow is the MPTCP-level state shared by every subflow of one
// multipath connection: the token derived from each end's key, the
// IDSN each end announced, and the list of subflows currently attached.
type MetaFlow struct {
	ID ConversationId

	ClientToken uint32
	ServerToken uint32
	ClientIDSN  uint64
	ServerIDSN  uint64
	HasKeys     bool

	// ClientKey/ServerKey are the raw 64-bit keys the SYN and SYN-ACK
	// recorded, kept alongside the derived token/IDSN so the final ACK's
	// echoed keys can be compared against them (spec §7 "echoed_key").
	ClientKey    uint64
	ServerKey    uint64
	HasClientKey bool
	HasServerKey bool

	Subflows []SubflowId
}

// Subflow is one TCP connection belonging to a MetaFlow.
type Subflow struct {
	ID       SubflowId
	MetaID   ConversationId
	IsMaster bool // the original MP_CAPABLE subflow, vs. a later MP_JOIN
	Backup   bool
}

// Registry owns every MetaFlow and Subflow for one capture (spec §5:
// a fresh Registry per engine instance, never reused across captures).
type Registry struct {
	metaFlows   []MetaFlow
	subflows    []Subflow
	tokenToMeta map[uint32]ConversationId
}

// NewRegistry returns an empty Registry sized for a typical capture.
func NewRegistry() *Registry {
	return &Registry{
		tokenToMeta: make(map[uint32]ConversationId, 16),
	}
}

// NewMetaFlow allocates a new MetaFlow and returns its handle.
func (r *Registry) NewMetaFlow() ConversationId {
	id := ConversationId(len(r.metaFlows))
	r.metaFlows = append(r.metaFlows, MetaFlow{ID: id})
	return id
}

// MetaFlow returns a pointer into the arena for the given handle. The
// pointer is valid only until the next NewMetaFlow call grows the
// backing slice (mirrors the teacher's avoidance of long-lived pointers
// into growable slices; callers re-fetch by ID rather than hold this
// across registry mutations).
func (r *Registry) MetaFlow(id ConversationId) *MetaFlow {
	if int(id) < 0 || int(id) >= len(r.metaFlows) {
		return nil
	}
	return &r.metaFlows[id]
}

// NewSubflow allocates a new Subflow attached to meta and returns its
// handle.
func (r *Registry) NewSubflow(meta ConversationId, isMaster bool) SubflowId {
	id := SubflowId(len(r.subflows))
	r.subflows = append(r.subflows, Subflow{ID: id, MetaID: meta, IsMaster: isMaster})
	if m := r.MetaFlow(meta); m != nil {
		m.Subflows = append(m.Subflows, id)
	}
	return id
}

// Subflow returns a pointer into the arena for the given handle.
func (r *Registry) Subflow(id SubflowId) *Subflow {
	if int(id) < 0 || int(id) >= len(r.subflows) {
		return nil
	}
	return &r.subflows[id]
}

// RegisterToken binds a token observed on the wire to a meta-flow. If
// the token is already bound to a different meta-flow, this is a token
// collision (spec §9 open question): the documented resolution is
// "last writer wins" — the new binding replaces the old one — and the
// event is counted rather than treated as an error, since a 32-bit
// truncated SHA-1 hash colliding is rare but not a protocol violation
// the analyzer can reject.
func (r *Registry) RegisterToken(token uint32, meta ConversationId) {
	if existing, ok := r.tokenToMeta[token]; ok && existing != meta {
		metrics.MptcpTokenCollisionCount.Inc()
	}
	r.tokenToMeta[token] = meta
}

// LookupToken returns the meta-flow bound to token, if any.
func (r *Registry) LookupToken(token uint32) (ConversationId, bool) {
	id, ok := r.tokenToMeta[token]
	return id, ok
}
