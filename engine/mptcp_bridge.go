package engine

import (
	"github.com/m-lab/tcp-dissect/conversation"
	"github.com/m-lab/tcp-dissect/metrics"
	"github.com/m-lab/tcp-dissect/mptcp"
	"github.com/m-lab/tcp-dissect/segment"
)

const mptcpOptionKind segment.Kind = 30

// MetaFlow returns the MPTCP meta-flow state for handle id, for callers
// inspecting token/IDSN derivation results (e.g. a CLI printing a
// session summary). Returns false if id was never allocated.
func (e *Engine) MetaFlow(id mptcp.ConversationId) (mptcp.MetaFlow, bool) {
	m := e.registry.MetaFlow(id)
	if m == nil {
		return mptcp.MetaFlow{}, false
	}
	return *m, true
}

func (e *Engine) convMptcp(conv *conversation.Conversation) *mptcpConvState {
	st, ok := e.mptcpSt[conv.ID]
	if !ok {
		st = &mptcpConvState{mappings: mptcp.NewMappingStore()}
		e.mptcpSt[conv.ID] = st
	}
	return st
}

// processMptcp decodes every MPTCP suboption on the segment (there is
// normally at most one, but a DSS can coexist with an ADD_ADDR on the
// same segment) and updates the conversation's meta-flow/subflow
// linkage and DSS mapping store (component F).
func (e *Engine) processMptcp(conv *conversation.Conversation, dir conversation.Direction, s *segment.Segment, opts []segment.Option) *MptcpOutcome {
	st := e.convMptcp(conv)
	out := &MptcpOutcome{}

	for _, o := range opts {
		if o.Kind != mptcpOptionKind {
			continue
		}
		so, err := mptcp.Parse(o.MPTCP)
		if err != nil {
			engineLog.Println("frame", s.Frame, "mptcp suboption error:", err)
			continue
		}
		out.SubOption = so

		switch so.Type {
		case mptcp.SubTypeCapable:
			e.handleCapable(conv, st, s, so.Capable, out)
		case mptcp.SubTypeJoin:
			e.handleJoin(conv, st, so.Join)
		case mptcp.SubTypeDSS:
			e.handleDSS(st, dir, s, so.DSS, out)
		}
	}

	if st.hasMeta {
		out.HasMeta = true
		out.Meta = st.meta
		out.Subflow = st.subflow
	}
	return out
}

// handleCapable folds one MP_CAPABLE sighting into the meta-flow: the
// SYN and SYN-ACK each carry one end's own key (derived into that
// end's token/IDSN), and the final ACK echoes both keys back, which
// must match what the handshake already recorded (spec §7 "echoed_key").
// It also reports the crypto-algorithm conditions spec §4.B/§7 name.
func (e *Engine) handleCapable(conv *conversation.Conversation, st *mptcpConvState, s *segment.Segment, c *mptcp.Capable, out *MptcpOutcome) {
	if c == nil {
		return
	}
	if !st.hasMeta {
		st.meta = e.registry.NewMetaFlow()
		st.subflow = e.registry.NewSubflow(st.meta, true)
		st.hasMeta = true
		conv.IsMptcpSubflow = true
		conv.MptcpMeta = st.meta
		conv.MptcpSubflow = st.subflow
	}
	meta := e.registry.MetaFlow(st.meta)
	if meta == nil {
		return
	}

	switch {
	case c.MissingAlgorithm:
		metrics.MptcpMissingAlgorithmCount.Inc()
		out.Notes = append(out.Notes, mptcp.ErrMptcpMissingAlgorithm.Error())
	case c.UnsupportedAlgorithm:
		metrics.MptcpUnsupportedAlgorithmCount.Inc()
		out.Notes = append(out.Notes, mptcp.ErrMptcpUnsupportedAlgorithm.Error())
	}

	switch {
	case s.Flags.SYN() && !s.Flags.ACK():
		// Client's SYN: carries the client's own key.
		meta.ClientKey, meta.HasClientKey = c.SenderKey, true
		meta.ClientToken, meta.ClientIDSN = mptcp.DeriveTokenAndIDSN(c.SenderKey)
		e.registry.RegisterToken(meta.ClientToken, st.meta)
	case s.Flags.SYN() && s.Flags.ACK():
		// Server's SYN-ACK: carries the server's own key.
		meta.ServerKey, meta.HasServerKey = c.SenderKey, true
		meta.ServerToken, meta.ServerIDSN = mptcp.DeriveTokenAndIDSN(c.SenderKey)
		e.registry.RegisterToken(meta.ServerToken, st.meta)
	case c.HasReceiver:
		// Final ACK: echoes the client's key as SenderKey and the
		// server's key as ReceiverKey.
		mismatch := meta.HasClientKey && c.SenderKey != meta.ClientKey ||
			meta.HasServerKey && c.ReceiverKey != meta.ServerKey
		if mismatch {
			metrics.MptcpEchoedKeyMismatchCount.Inc()
			out.Notes = append(out.Notes, mptcp.ErrMptcpEchoedKeyMismatch.Error())
		}
	}
	if meta.HasClientKey && meta.HasServerKey {
		meta.HasKeys = true
	}
}

func (e *Engine) handleJoin(conv *conversation.Conversation, st *mptcpConvState, j *mptcp.Join) {
	if j == nil || !j.HasToken {
		return
	}
	meta, ok := e.registry.LookupToken(j.Token)
	if !ok {
		metrics.MptcpUnknownTokenCount.Inc()
		return
	}
	st.meta = meta
	st.subflow = e.registry.NewSubflow(meta, false)
	st.hasMeta = true
	conv.IsMptcpSubflow = true
	conv.MptcpMeta = meta
	conv.MptcpSubflow = st.subflow
}

func (e *Engine) handleDSS(st *mptcpConvState, dir conversation.Direction, s *segment.Segment, d *mptcp.DSS, out *MptcpOutcome) {
	if d == nil || !d.HasMapping {
		return
	}
	if d.DataLevelLen == 0 {
		metrics.MptcpInfiniteMappingCount.Inc()
		out.Notes = append(out.Notes, mptcp.ErrMptcpInfiniteMapping.Error())
	}
	mapping := mptcp.DssMapping{
		DataSeqStart:    d.DataSeq,
		Length:          uint32(d.DataLevelLen),
		Subflow:         st.subflow,
		SubflowSeqStart: d.SubflowSeq,
	}
	if st.mappings.Register(mapping) {
		out.Reinjection = true
	}
	if _, ok := st.mappings.Lookup(d.DataSeq); !ok {
		out.MappingMissed = true
		metrics.MptcpMappingMissCount.Inc()
	}
}
