// Package reassembly reassembles a TCP byte stream in one direction
// into multisegment PDUs (MSPs), honoring both in-order delivery and
// out-of-order arrival, and hands completed PDUs to a subdissector hook
// (spec §4.E). Grounded on the wraparound-sequence-arithmetic and
// buffered-out-of-order-page style of the pack's gopacket-based
// reassembly assembler, adapted from a page/ring-buffer design to the
// simpler per-direction byte-buffer model spec §3's MSP entity implies.
package reassembly

// Seq is a TCP sequence number with wraparound-aware comparisons, the
// same arithmetic segment/conversation use but kept local so this
// package doesn't need to import either just for comparisons.
type Seq uint32

// Less reports whether a comes strictly before b in sequence-number
// order, accounting for wraparound the way RFC 793 §3.3 describes (any
// number within half the sequence space ahead is "later", not
// "wrapped around and earlier").
func (a Seq) Less(b Seq) bool {
	return int32(b-a) > 0
}

// LessEq is the non-strict form of Less.
func (a Seq) LessEq(b Seq) bool {
	return int32(b-a) >= 0
}

// Add returns a+n as a Seq, wrapping at 2^32 the way real sequence
// numbers do.
func (a Seq) Add(n int) Seq {
	return a + Seq(n)
}
