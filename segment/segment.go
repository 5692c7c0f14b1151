// Package segment decodes a raw TCP segment (over IPv4 or IPv6) into a
// typed record: fixed 20-byte header, option list, and payload. It
// validates header length and computes the optional checksum. It does
// not know about link or IP layer framing — callers hand it pre-parsed
// source/destination addresses the way a capture source or IP dissector
// would (spec §1 Non-goals).
//
// The wire-decoding helpers here are adapted from the unsafe-pointer /
// big-endian-swap style used by m-lab/etl's headers and tcp packages,
// generalized to cover the full TCP option-kind table instead of just
// MSS/WindowScale/Timestamps/SACK.
package segment

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/m-lab/go/logx"
)

var (
	errLog        = log.New(os.Stdout, "segment: ", log.LstdFlags|log.Lshortfile)
	sparseBogus   = logx.NewLogEvery(errLog, 500*time.Millisecond)
	sparseOptions = logx.NewLogEvery(errLog, 500*time.Millisecond)

	// ErrShortSegment is reported when the captured length is below the
	// fixed 20-byte TCP header size.
	ErrShortSegment = fmt.Errorf("tcp segment shorter than the fixed header")

	// ErrBogusHeaderLength is reported when the data-offset nibble names
	// a header shorter than 20 bytes or longer than the reported segment
	// length.
	ErrBogusHeaderLength = fmt.Errorf("bogus tcp header length")

	// ErrBadChecksum is reported when the computed checksum does not
	// match the received one and is not the RFC 1624 0xFFFF/0x0000 case.
	ErrBadChecksum = fmt.Errorf("tcp checksum mismatch")

	// ErrOptionLengthInvalid is reported when an option's length byte is
	// too small, too large for the remaining header, or wrong for its
	// fixed-size kind.
	ErrOptionLengthInvalid = fmt.Errorf("tcp option length invalid")
)

// UnixNano is a Unix timestamp in nanoseconds, used for arrival
// timestamps throughout this module. Adapted from headers.UnixNano: a
// plain int64 avoids the allocation and comparison cost of time.Time on
// the per-packet hot path.
type UnixNano int64

// Sub returns the duration between two timestamps.
func (t UnixNano) Sub(other UnixNano) time.Duration {
	return time.Duration(t - other)
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Flags is the set of 12 TCP header flag bits: the 9 defined flags plus
// the 3 reserved bits. FIN..CWR occupy bits 0-7 (the same positions they
// have in byte 13), then NS, then the 3 reserved bits.
type Flags uint16

// Flag bit constants, ordered to match the wire layout of byte 13
// (CWR ECE URG ACK PSH RST SYN FIN) plus NS and the 3 reserved bits
// that share byte 12 with the data offset.
const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
	FlagReserved0
	FlagReserved1
	FlagReserved2
)

const flagReservedMask = FlagReserved0 | FlagReserved1 | FlagReserved2

func (f Flags) FIN() bool      { return f&FlagFIN != 0 }
func (f Flags) SYN() bool      { return f&FlagSYN != 0 }
func (f Flags) RST() bool      { return f&FlagRST != 0 }
func (f Flags) PSH() bool      { return f&FlagPSH != 0 }
func (f Flags) ACK() bool      { return f&FlagACK != 0 }
func (f Flags) URG() bool      { return f&FlagURG != 0 }
func (f Flags) ECE() bool      { return f&FlagECE != 0 }
func (f Flags) CWR() bool      { return f&FlagCWR != 0 }
func (f Flags) NS() bool       { return f&FlagNS != 0 }
func (f Flags) Reserved() bool { return f&flagReservedMask != 0 }

// Glyphs renders the spec §6 output-surface flag string: 12 one-char
// glyphs for reserved(x3)/NS/CWR/ECE/URG/ACK/PSH/RST/SYN/FIN, using a
// middle-dot for unset bits.
func (f Flags) Glyphs() string {
	bit := func(set bool, ch byte) byte {
		if set {
			return ch
		}
		return '\xb7' // middle dot, ISO-8859-1; callers rendering UTF-8 should use "·"
	}
	out := make([]byte, 12)
	out[0] = bit(f&FlagReserved0 != 0, 'R')
	out[1] = bit(f&FlagReserved1 != 0, 'R')
	out[2] = bit(f&FlagReserved2 != 0, 'R')
	out[3] = bit(f.NS(), 'N')
	out[4] = bit(f.CWR(), 'C')
	out[5] = bit(f.ECE(), 'E')
	out[6] = bit(f.URG(), 'U')
	out[7] = bit(f.ACK(), 'A')
	out[8] = bit(f.PSH(), 'P')
	out[9] = bit(f.RST(), 'R')
	out[10] = bit(f.SYN(), 'S')
	out[11] = bit(f.FIN(), 'F')
	return string(out)
}

// Names renders the comma-joined flag name list from spec §6, in the
// order NS, CWR, ECE, URG, ACK, PSH, RST, SYN, FIN (so SYN+ACK renders as
// "ACK, SYN"), plus "Reserved" if any reserved bit is set.
func (f Flags) Names() string {
	var names []string
	add := func(set bool, name string) {
		if set {
			names = append(names, name)
		}
	}
	add(f.NS(), "NS")
	add(f.CWR(), "CWR")
	add(f.ECE(), "ECE")
	add(f.URG(), "URG")
	add(f.ACK(), "ACK")
	add(f.PSH(), "PSH")
	add(f.RST(), "RST")
	add(f.SYN(), "SYN")
	add(f.FIN(), "FIN")
	add(f.Reserved(), "Reserved")
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// Meta carries the per-segment arrival metadata the capture source
// supplies alongside the raw bytes (spec §1 "capture source" collaborator).
type Meta struct {
	SrcIP, DstIP net.IP
	Timestamp    UnixNano
	Frame        uint64
	Visited      bool
	Fragmented   bool
	InError      bool
}

// Segment is the immutable per-call input record (spec §3 "Segment
// (input)"): a decoded TCP header plus its raw options and payload
// bytes, alongside the arrival metadata. It never changes after
// Decode returns it.
type Segment struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort layers.TCPPort

	Seq, Ack   uint32
	DataOffset uint8 // header length in 32-bit words (the raw nibble)
	Flags      Flags
	Window     uint16
	Checksum   uint16
	Urgent     uint16

	Options []byte // raw option bytes, length = HeaderLen()-20
	Payload []byte

	Timestamp  UnixNano
	Frame      uint64
	Visited    bool
	Fragmented bool
	InError    bool
}

// HeaderLen returns the header length in bytes named by the data-offset
// nibble, without validating it against the captured length.
func (s *Segment) HeaderLen() int {
	return int(s.DataOffset) * 4
}

// SegLen returns the segment payload length (spec §3 HeaderRecord
// "segment payload length"), the "seglen" used throughout spec §4.D's
// sequence-analyzer rules. SYN and FIN are not counted here; NextSeq
// adds their one sequence number each.
func (s *Segment) SegLen() int {
	n := len(s.Payload)
	return n
}

// NextSeq returns seq + seglen, plus one for SYN or FIN, i.e. the
// sequence number the next segment in this direction is expected to
// carry.
func (s *Segment) NextSeq() uint32 {
	n := uint32(s.SegLen())
	if s.Flags.SYN() || s.Flags.FIN() {
		n++
	}
	return s.Seq + n
}

// Decode parses the fixed 20-byte TCP header plus options/payload split
// out of raw wire bytes (component A). Decode itself does not checksum
// (see Checksum and Verify).
//
// On ErrShortSegment, nothing is returned — the bytes do not even
// contain ports. On ErrBogusHeaderLength, a partial Segment is still
// returned with SrcPort/DstPort/Seq/Ack/Flags/Window decoded (the
// header's first 16 bytes are always present once we know seglen >= 20)
// so that higher layers (e.g. ICMP error dissection) can still display
// the ports, matching spec §4.A.
func Decode(raw []byte, meta Meta) (*Segment, error) {
	if len(raw) < 20 {
		sparseBogus.Println("short tcp segment:", len(raw), "bytes")
		return nil, ErrShortSegment
	}

	s := &Segment{
		SrcIP:      meta.SrcIP,
		DstIP:      meta.DstIP,
		SrcPort:    layers.TCPPort(be16(raw[0:2])),
		DstPort:    layers.TCPPort(be16(raw[2:4])),
		Seq:        be32(raw[4:8]),
		Ack:        be32(raw[8:12]),
		DataOffset: raw[12] >> 4,
		Window:     be16(raw[14:16]),
		Checksum:   be16(raw[16:18]),
		Urgent:     be16(raw[18:20]),
		Timestamp:  meta.Timestamp,
		Frame:      meta.Frame,
		Visited:    meta.Visited,
		Fragmented: meta.Fragmented,
		InError:    meta.InError,
	}
	s.Flags = decodeFlags(raw[12], raw[13])

	hlen := s.HeaderLen()
	if hlen < 20 || hlen > len(raw) {
		sparseBogus.Println("bogus tcp header length:", hlen, "captured:", len(raw))
		return s, ErrBogusHeaderLength
	}

	s.Options = raw[20:hlen]
	s.Payload = raw[hlen:]
	return s, nil
}

func decodeFlags(b12, b13 byte) Flags {
	var f Flags
	if b12&0x01 != 0 {
		f |= FlagNS
	}
	if b12&0x02 != 0 {
		f |= FlagReserved0
	}
	if b12&0x04 != 0 {
		f |= FlagReserved1
	}
	if b12&0x08 != 0 {
		f |= FlagReserved2
	}
	if b13&0x01 != 0 {
		f |= FlagFIN
	}
	if b13&0x02 != 0 {
		f |= FlagSYN
	}
	if b13&0x04 != 0 {
		f |= FlagRST
	}
	if b13&0x08 != 0 {
		f |= FlagPSH
	}
	if b13&0x10 != 0 {
		f |= FlagACK
	}
	if b13&0x20 != 0 {
		f |= FlagURG
	}
	if b13&0x40 != 0 {
		f |= FlagECE
	}
	if b13&0x80 != 0 {
		f |= FlagCWR
	}
	return f
}
