// Package conversation tracks per-TCP-conversation state: the two
// directional FlowStates, sequence-number anomaly classification, and
// round-trip timing. Grounded on tcp.go's State/StatsWrapper/TcpStats
// trio, generalized from a single aggregate struct into the richer
// per-direction model spec §3 names.
package conversation

import (
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
)

// Key identifies a TCP conversation by its unordered 4-tuple: the
// same Key results regardless of which endpoint is "A" or "B", the way
// gopacket.Flow pairs do for a bidirectional stream.
type Key struct {
	addrLo, addrHi string
	portLo, portHi layers.TCPPort
}

// NewKey builds the conversation Key for one segment's addresses and
// ports, also returning whether the segment's own (src,dst) matches the
// "lo" or "hi" side of the normalized key — i.e. its Direction.
func NewKey(srcIP, dstIP net.IP, srcPort, dstPort layers.TCPPort) (Key, Direction) {
	src, dst := srcIP.String(), dstIP.String()
	if src < dst || (src == dst && srcPort <= dstPort) {
		return Key{addrLo: src, addrHi: dst, portLo: srcPort, portHi: dstPort}, DirAtoB
	}
	return Key{addrLo: dst, addrHi: src, portLo: dstPort, portHi: srcPort}, DirBtoA
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d<->%s:%d", k.addrLo, k.portLo, k.addrHi, k.portHi)
}

// Direction distinguishes the two halves of a conversation. DirAtoB is
// traffic flowing from the lexicographically-lower endpoint to the
// higher one; DirBtoA is the reverse. The meaning is arbitrary but
// stable for a given Key, which is all the sequence analyzer needs.
type Direction uint8

const (
	DirAtoB Direction = iota
	DirBtoA
)

// Other returns the opposite direction.
func (d Direction) Other() Direction {
	if d == DirAtoB {
		return DirBtoA
	}
	return DirAtoB
}
