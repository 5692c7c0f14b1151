// Package mptcp decodes Multipath TCP (RFC 6824) suboptions carried
// inside a TCP option of kind 30, and derives the token/IDSN pair every
// MP_CAPABLE handshake establishes.
//
// Grounded on spec §4.F and §8's S6 scenario (key -> token/IDSN via
// SHA-1) and generalized from the dispatch-table style
// segment.ParseOptions uses for plain TCP options.
package mptcp

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"log"
	"os"
)

var errLog = log.New(os.Stdout, "mptcp: ", log.LstdFlags|log.Lshortfile)

var (
	// ErrSubOptionMalformed is reported when an MPTCP suboption's
	// declared length does not match its subtype's fixed shape.
	ErrSubOptionMalformed = fmt.Errorf("mptcp suboption malformed")

	// ErrMptcpMissingAlgorithm is reported when an MP_CAPABLE's flags
	// byte does not advertise the H (HMAC-SHA1) bit at all — RFC 6824
	// Table 3's sole mandatory algorithm (spec §4.B/§7 "missing_algorithm").
	ErrMptcpMissingAlgorithm = fmt.Errorf("mptcp crypto algorithm not supported")

	// ErrMptcpUnsupportedAlgorithm is reported when an MP_CAPABLE's
	// flags byte sets one of the reserved crypto-algorithm bits
	// alongside H, naming an algorithm other than HMAC-SHA1 (spec §7
	// "unsupported_algorithm").
	ErrMptcpUnsupportedAlgorithm = fmt.Errorf("mptcp crypto algorithm unsupported")

	// ErrMptcpEchoedKeyMismatch is reported when a MP_CAPABLE ACK's
	// echoed sender/receiver keys don't match the keys the handshake's
	// SYN and SYN-ACK already recorded (spec §7 "echoed_key").
	ErrMptcpEchoedKeyMismatch = fmt.Errorf("mptcp echoed key does not match handshake")

	// ErrMptcpInfiniteMapping is reported when a DSS mapping carries
	// length 0 — a legal but notable "infinite mapping" (spec §7
	// "infinite_mapping").
	ErrMptcpInfiniteMapping = fmt.Errorf("mptcp infinite mapping")
)

// MP_CAPABLE flags-byte bit layout (RFC 6824 §3.1 Figure 4): bit A
// (0x80) is the checksum-required flag; bits B-G (0x7E) are reserved
// for crypto algorithms other than HMAC-SHA1; bit H (0x01) is the
// HMAC-SHA1 support flag, the only algorithm this package understands.
const (
	mpCapableChecksumReqBit = 0x80
	mpCapableReservedMask   = 0x7E
	mpCapableHmacSha1Bit    = 0x01
)

// SubType is an MPTCP suboption's 4-bit subtype, the high nibble of its
// first byte.
type SubType uint8

const (
	SubTypeCapable     SubType = 0x0
	SubTypeJoin        SubType = 0x1
	SubTypeDSS         SubType = 0x2
	SubTypeAddAddr     SubType = 0x3
	SubTypeRemoveAddr  SubType = 0x4
	SubTypePrio        SubType = 0x5
	SubTypeFail        SubType = 0x6
	SubTypeFastclose   SubType = 0x7
)

// Capable is the decoded MP_CAPABLE suboption (initial handshake: key
// exchange that both ends separately fold into a token and an IDSN).
type Capable struct {
	Version      uint8
	ChecksumReq  bool
	SenderKey    uint64
	ReceiverKey  uint64 // present only on the 18-byte ACK form; zero on SYN and SYN/ACK
	HasReceiver  bool

	// HMACSHA1 reports whether the flags byte's H bit is set. When it
	// isn't, MissingAlgorithm is set; when a reserved bit is set instead
	// (naming some other algorithm), UnsupportedAlgorithm is set.
	HMACSHA1             bool
	MissingAlgorithm     bool
	UnsupportedAlgorithm bool
}

// Join is the decoded MP_JOIN suboption, in its three shapes
// (SYN / SYN-ACK / ACK carry different fields at the same subtype).
type Join struct {
	Backup     bool
	AddressID  uint8
	Token      uint32 // only on the SYN
	Nonce      uint32 // SYN and SYN-ACK
	MAC        []byte // 8 bytes on SYN-ACK, 20 bytes (HMAC) on ACK
	HasToken   bool
}

// DSSFlags are the 4 meaningful bits of a DSS suboption's flag byte.
type DSSFlags struct {
	DataFin    bool
	DSNHas8    bool // data sequence number is 8 bytes, not 4
	DataAckHas8 bool
}

// DSS is the decoded Data Sequence Signal suboption: a mapping from a
// contiguous range of the MPTCP-level data sequence space onto this
// subflow's sequence space, plus an optional cumulative data ack.
type DSS struct {
	Flags         DSSFlags
	DataAck       uint64
	DataSeq       uint64
	SubflowSeq    uint32
	DataLevelLen  uint16
	Checksum      uint16
	HasChecksum   bool
	HasMapping    bool
	HasDataAck    bool
}

// AddAddr is the decoded ADD_ADDR suboption.
type AddAddr struct {
	AddressID uint8
	IsV6      bool
	Address   []byte // 4 or 16 bytes
	Port      uint16
	HasPort   bool
}

// RemoveAddr is the decoded REMOVE_ADDR suboption (one or more address
// IDs packed after the header byte).
type RemoveAddr struct {
	AddressIDs []uint8
}

// Prio is the decoded MP_PRIO suboption.
type Prio struct {
	Backup    bool
	AddressID uint8
	HasAddr   bool
}

// Fail is the decoded MP_FAIL suboption: the data sequence number at
// which the sender is falling back to regular TCP.
type Fail struct {
	DataSeq uint64
}

// Fastclose is the decoded MP_FASTCLOSE suboption.
type Fastclose struct {
	ReceiverKey uint64
}

// SubOption is a decoded MPTCP suboption; exactly one of the typed
// fields below is meaningful, selected by Type.
type SubOption struct {
	Type       SubType
	Capable    *Capable
	Join       *Join
	DSS        *DSS
	AddAddr    *AddAddr
	RemoveAddr *RemoveAddr
	Prio       *Prio
	Fail       *Fail
	Fastclose  *Fastclose
}

// Parse decodes the raw bytes of a single TCP option of kind 30 (the
// value after the kind and length bytes) into a SubOption.
func Parse(data []byte) (*SubOption, error) {
	if len(data) < 1 {
		return nil, ErrSubOptionMalformed
	}
	subtype := SubType(data[0] >> 4)
	so := &SubOption{Type: subtype}

	switch subtype {
	case SubTypeCapable:
		c, err := parseCapable(data)
		if err != nil {
			return nil, err
		}
		so.Capable = c
	case SubTypeJoin:
		j, err := parseJoin(data)
		if err != nil {
			return nil, err
		}
		so.Join = j
	case SubTypeDSS:
		d, err := parseDSS(data)
		if err != nil {
			return nil, err
		}
		so.DSS = d
	case SubTypeAddAddr:
		a, err := parseAddAddr(data)
		if err != nil {
			return nil, err
		}
		so.AddAddr = a
	case SubTypeRemoveAddr:
		so.RemoveAddr = &RemoveAddr{AddressIDs: append([]uint8(nil), data[1:]...)}
	case SubTypePrio:
		p := &Prio{Backup: data[0]&0x01 != 0}
		if len(data) >= 2 {
			p.HasAddr = true
			p.AddressID = data[1]
		}
		so.Prio = p
	case SubTypeFail:
		if len(data) < 9 {
			return nil, ErrSubOptionMalformed
		}
		so.Fail = &Fail{DataSeq: binary.BigEndian.Uint64(data[1:9])}
	case SubTypeFastclose:
		if len(data) < 9 {
			return nil, ErrSubOptionMalformed
		}
		so.Fastclose = &Fastclose{ReceiverKey: binary.BigEndian.Uint64(data[1:9])}
	default:
		errLog.Println("unrecognized mptcp subtype", subtype)
	}
	return so, nil
}

func parseCapable(data []byte) (*Capable, error) {
	if len(data) < 2 {
		return nil, ErrSubOptionMalformed
	}
	c := &Capable{
		Version:     data[0] & 0x0F,
		ChecksumReq: data[1]&mpCapableChecksumReqBit != 0,
		HMACSHA1:    data[1]&mpCapableHmacSha1Bit != 0,
	}
	switch {
	case !c.HMACSHA1:
		c.MissingAlgorithm = true
	case data[1]&mpCapableReservedMask != 0:
		c.UnsupportedAlgorithm = true
	}
	switch len(data) {
	case 2: // no keys at all (rare, malformed in practice but not fatal)
	case 10:
		c.SenderKey = binary.BigEndian.Uint64(data[2:10])
	case 18:
		c.SenderKey = binary.BigEndian.Uint64(data[2:10])
		c.ReceiverKey = binary.BigEndian.Uint64(data[10:18])
		c.HasReceiver = true
	default:
		return nil, ErrSubOptionMalformed
	}
	return c, nil
}

func parseJoin(data []byte) (*Join, error) {
	if len(data) < 1 {
		return nil, ErrSubOptionMalformed
	}
	j := &Join{Backup: data[0]&0x01 != 0}
	switch len(data) {
	case 10: // SYN: addr id, token, nonce
		j.AddressID = data[1]
		j.Token = binary.BigEndian.Uint32(data[2:6])
		j.Nonce = binary.BigEndian.Uint32(data[6:10])
		j.HasToken = true
	case 16: // SYN/ACK: addr id, truncated HMAC (8 bytes), nonce
		j.AddressID = data[1]
		j.MAC = append([]byte(nil), data[2:10]...)
		j.Nonce = binary.BigEndian.Uint32(data[10:14])
		_ = data[14:16] // reserved padding in some captures
	case 22: // ACK: reserved byte, then full HMAC (20 bytes)
		j.MAC = append([]byte(nil), data[2:22]...)
	default:
		return nil, ErrSubOptionMalformed
	}
	return j, nil
}

func parseDSS(data []byte) (*DSS, error) {
	if len(data) < 1 {
		return nil, ErrSubOptionMalformed
	}
	flagByte := data[0]
	d := &DSS{Flags: DSSFlags{
		DataFin:     flagByte&0x10 != 0,
		DSNHas8:     flagByte&0x08 != 0,
		DataAckHas8: flagByte&0x02 != 0,
	}}
	d.HasDataAck = flagByte&0x01 != 0
	d.HasMapping = flagByte&0x04 != 0

	off := 1
	if d.HasDataAck {
		if d.Flags.DataAckHas8 {
			if len(data) < off+8 {
				return nil, ErrSubOptionMalformed
			}
			d.DataAck = binary.BigEndian.Uint64(data[off : off+8])
			off += 8
		} else {
			if len(data) < off+4 {
				return nil, ErrSubOptionMalformed
			}
			d.DataAck = uint64(binary.BigEndian.Uint32(data[off : off+4]))
			off += 4
		}
	}
	if d.HasMapping {
		dsnWidth := 4
		if d.Flags.DSNHas8 {
			dsnWidth = 8
		}
		if len(data) < off+dsnWidth+4+2 {
			return nil, ErrSubOptionMalformed
		}
		if dsnWidth == 8 {
			d.DataSeq = binary.BigEndian.Uint64(data[off : off+8])
		} else {
			d.DataSeq = uint64(binary.BigEndian.Uint32(data[off : off+4]))
		}
		off += dsnWidth
		d.SubflowSeq = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		d.DataLevelLen = binary.BigEndian.Uint16(data[off : off+2])
		off += 2
		if len(data) >= off+2 {
			d.Checksum = binary.BigEndian.Uint16(data[off : off+2])
			d.HasChecksum = true
		}
	}
	return d, nil
}

func parseAddAddr(data []byte) (*AddAddr, error) {
	if len(data) < 2 {
		return nil, ErrSubOptionMalformed
	}
	a := &AddAddr{AddressID: data[1]}
	version := data[0] & 0x0F
	a.IsV6 = version == 6
	addrLen := 4
	if a.IsV6 {
		addrLen = 16
	}
	if len(data) < 2+addrLen {
		return nil, ErrSubOptionMalformed
	}
	a.Address = append([]byte(nil), data[2:2+addrLen]...)
	rest := data[2+addrLen:]
	if len(rest) >= 2 {
		a.Port = binary.BigEndian.Uint16(rest[:2])
		a.HasPort = true
	}
	return a, nil
}

// DeriveTokenAndIDSN computes the per-host token and initial data
// sequence number (IDSN) RFC 6824 §3.1 derives from a 64-bit MPTCP key:
// the token is the truncated (most significant 32 bits) SHA-1 hash of
// the key, and the IDSN is the least significant 64 bits of the same
// hash.
func DeriveTokenAndIDSN(key uint64) (token uint32, idsn uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], key)
	digest := sha1.Sum(buf[:])
	token = binary.BigEndian.Uint32(digest[0:4])
	idsn = binary.BigEndian.Uint64(digest[12:20])
	return token, idsn
}
