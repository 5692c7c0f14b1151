package engine

import (
	"fmt"
	"strings"
)

// FlagString renders a segment's flag bits the way spec §6's output
// surface does: 12 glyph characters, one per bit, a dot where the bit
// is unset. Thin wrapper over segment.Flags.Glyphs kept here (rather
// than leaving callers to reach into the segment package) since the
// rest of this file's renderers live alongside it.
func (o *Outcome) FlagString() string {
	return o.Segment.Flags.Glyphs()
}

// FlagNames renders the comma-joined flag name list spec §6 names, in
// segment.Flags.Names order (a SYN+ACK segment renders as "ACK, SYN").
func (o *Outcome) FlagNames() string {
	return o.Segment.Flags.Names()
}

// AnomalySummary renders the comma-joined list of AnomalyFlags raised
// against this segment, or "" if none were (spec §6 "info column"
// style summary).
func (o *Outcome) AnomalySummary() string {
	if o.Analysis == nil || len(o.Analysis.Flags) == 0 {
		return ""
	}
	names := make([]string, len(o.Analysis.Flags))
	for i, f := range o.Analysis.Flags {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// InfoLine renders a one-line summary of the outcome in the style of a
// packet-list "Info" column: ports, flags, seq/ack (relative when the
// flow's ISN is known), window, and any anomaly flags or MPTCP note.
func (o *Outcome) InfoLine() string {
	s := o.Segment
	var b strings.Builder

	fmt.Fprintf(&b, "%d -> %d [%s] Seq=%d", s.SrcPort, s.DstPort, o.FlagNames(), o.relSeqOrRaw())
	if s.Flags.ACK() {
		fmt.Fprintf(&b, " Ack=%d", o.relAckOrRaw())
	}
	fmt.Fprintf(&b, " Win=%d Len=%d", s.Window, s.SegLen())

	if a := o.AnomalySummary(); a != "" {
		fmt.Fprintf(&b, " [%s]", a)
	}
	if o.Mptcp != nil && o.Mptcp.HasMeta {
		fmt.Fprintf(&b, " MPTCP(meta=%d,subflow=%d)", o.Mptcp.Meta, o.Mptcp.Subflow)
		if o.Mptcp.Reinjection {
			b.WriteString(" [reinjection]")
		}
	}
	return b.String()
}

func (o *Outcome) relSeqOrRaw() uint32 {
	if o.Analysis != nil && o.Analysis.RelSeqValid {
		return o.Analysis.RelSeq
	}
	return o.Segment.Seq
}

func (o *Outcome) relAckOrRaw() uint32 {
	if o.Analysis != nil && o.Analysis.RelAckValid {
		return o.Analysis.RelAck
	}
	return o.Segment.Ack
}
