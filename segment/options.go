package segment

import (
	"github.com/google/gopacket/layers"
)

// Kind re-exports gopacket's TCP option kind byte so callers don't need
// to import gopacket/layers just to compare Kind values.
type Kind = layers.TCPOptionKind

// Experimental TCP option kinds (RFC 4727) and the magic number that
// marks one as a TCP Fast Open cookie carried experimentally (RFC 7413
// §3 before kind 34 was assigned).
const (
	KindExperimental253 Kind = 253
	KindExperimental254 Kind = 254
	kindMPTCP           Kind = 30
	kindTFO             Kind = 34
	kindRiverbedProbe   Kind = 76
	kindRiverbedTrans   Kind = 78
	kindUserTimeout     Kind = 28
	kindQuickStart      Kind = 27
	kindMD5Signature    Kind = 19
	kindSCPSCapability  Kind = 20
	kindSNACK           Kind = 21
	kindRecordBoundary  Kind = 22
	kindCorruption      Kind = 23
	kindCC              Kind = 11
	kindCCNew           Kind = 12
	kindCCEcho          Kind = 13

	tfoExperimentalMagic uint16 = 0xF989
)

// SackRange is one (left, right) block of a SACK option, spec §6.
type SackRange struct {
	Left, Right uint32
}

// Option is a single decoded TCP option (component B). Only the fields
// relevant to Kind are populated; the rest are left at their zero
// value, mirroring how tcp.go's tcpOption keeps one small fixed-size
// data array and interprets it per kind on demand.
type Option struct {
	Kind Kind
	Len  uint8 // total length including kind+len bytes; 1 for NOP/EOL

	raw [40]byte // overlay of the option's value bytes, sans kind/len

	MSS            uint16
	WindowScale    uint8 // clamped to [0,14] per spec; raw value kept in WindowScaleRaw
	WindowScaleRaw uint8
	TSval, TSecr   uint32
	SackRanges     []SackRange
	CCValue        uint32
	MD5Digest      [16]byte
	UserTimeout    uint16
	QuickStartRate uint8
	QuickStartTTL  uint8
	QuickStartNonce uint32
	SCPSCapability uint8
	SCPSConnectionID uint16
	IsTFOCookie      bool
	TFOCookie        []byte
	MPTCP            []byte // raw MPTCP suboption bytes, decoded by package mptcp
}

func (o *Option) getUint16(i int) uint16 {
	return be16(o.raw[2*i : 2*i+2])
}

func (o *Option) getUint32(i int) uint32 {
	return be32(o.raw[4*i : 4*i+4])
}

// nopRunLimit is the number of consecutive NOPs after which the parser
// logs a pathological NOP run (spec §4.B "4-in-a-row" edge case); the
// NOPs are still skipped and parsing continues.
const nopRunLimit = 4

// ParseOptions decodes the raw option bytes of a segment into an
// ordered list of Options (component B). It mirrors tcp.go's
// NextOption/ParseTCPOptions loop, generalized to the full kind space
// (not just kinds 0-15) and without the unsafe.Pointer overlay, since
// option kinds here are not known to be register-aligned the way the
// teacher's narrower kind set was.
func ParseOptions(data []byte) ([]Option, error) {
	if len(data) == 0 {
		return nil, nil
	}
	options := make([]Option, 0, 4)
	nopRun := 0

	for len(data) > 0 {
		kind := Kind(data[0])

		if kind == layers.TCPOptionKindEndList {
			break
		}
		if kind == layers.TCPOptionKindNop {
			nopRun++
			if nopRun >= nopRunLimit {
				sparseOptions.Println("4 or more consecutive NOP options")
			}
			data = data[1:]
			continue
		}
		nopRun = 0

		if len(data) < 2 {
			OptionParseErrorInc("OptionLengthInvalid")
			return options, ErrOptionLengthInvalid
		}
		olen := data[1]
		if olen < 2 || int(olen) > len(data) {
			OptionParseErrorInc("OptionLengthInvalid")
			return options, ErrOptionLengthInvalid
		}

		opt := Option{Kind: kind, Len: olen}
		vlen := int(olen) - 2
		if vlen > len(opt.raw) {
			OptionParseErrorInc("OptionLengthInvalid")
			return options, ErrOptionLengthInvalid
		}
		copy(opt.raw[:vlen], data[2:2+vlen])

		if err := decodeOption(&opt, vlen); err != nil {
			OptionParseErrorInc(kindLabel(kind))
			return options, err
		}

		options = append(options, opt)
		data = data[olen:]
	}
	return options, nil
}

// decodeOption fills in the typed fields of opt based on its Kind,
// following the dispatch-table style of tcp.go's GetMSS/GetWS/
// GetTimestamps, generalized across every kind spec §6 names.
func decodeOption(opt *Option, vlen int) error {
	switch opt.Kind {
	case layers.TCPOptionKindMSS:
		if vlen != 2 {
			return ErrOptionLengthInvalid
		}
		opt.MSS = opt.getUint16(0)

	case layers.TCPOptionKindWindowScale:
		if vlen != 1 {
			return ErrOptionLengthInvalid
		}
		opt.WindowScaleRaw = opt.raw[0]
		if opt.raw[0] > 14 {
			opt.WindowScale = 14
		} else {
			opt.WindowScale = opt.raw[0]
		}

	case layers.TCPOptionKindSACKPermitted:
		if vlen != 0 {
			return ErrOptionLengthInvalid
		}

	case layers.TCPOptionKindSACK:
		if vlen%8 != 0 {
			return ErrOptionLengthInvalid
		}
		n := vlen / 8
		if n > 4 {
			n = 4 // spec §6: at most 4 SACK ranges are retained.
		}
		opt.SackRanges = make([]SackRange, n)
		for i := 0; i < n; i++ {
			opt.SackRanges[i] = SackRange{
				Left:  opt.getUint32(2 * i),
				Right: opt.getUint32(2*i + 1),
			}
		}

	case layers.TCPOptionKindEcho, layers.TCPOptionKindEchoReply:
		if vlen != 4 {
			return ErrOptionLengthInvalid
		}
		opt.CCValue = opt.getUint32(0)

	case layers.TCPOptionKindTimestamps:
		if vlen != 8 {
			return ErrOptionLengthInvalid
		}
		opt.TSval = opt.getUint32(0)
		opt.TSecr = opt.getUint32(1)

	case kindCC, kindCCNew, kindCCEcho:
		if vlen != 4 {
			return ErrOptionLengthInvalid
		}
		opt.CCValue = opt.getUint32(0)

	case kindMD5Signature:
		if vlen != 16 {
			return ErrOptionLengthInvalid
		}
		copy(opt.MD5Digest[:], opt.raw[:16])

	case kindSCPSCapability:
		if vlen < 1 {
			return ErrOptionLengthInvalid
		}
		opt.SCPSCapability = opt.raw[0]

	case kindSNACK:
		if vlen < 2 {
			return ErrOptionLengthInvalid
		}
		opt.SCPSConnectionID = opt.getUint16(0)

	case kindRecordBoundary, kindCorruption:
		// No payload fields beyond presence; the engine treats these as
		// flags on the option list.

	case kindQuickStart:
		if vlen != 6 {
			return ErrOptionLengthInvalid
		}
		opt.QuickStartRate = opt.raw[0] & 0x0F
		opt.QuickStartTTL = opt.raw[1]
		opt.QuickStartNonce = opt.getUint32(1)

	case kindUserTimeout:
		if vlen != 2 {
			return ErrOptionLengthInvalid
		}
		opt.UserTimeout = opt.getUint16(0)

	case kindMPTCP:
		if vlen < 2 {
			return ErrOptionLengthInvalid
		}
		opt.MPTCP = append([]byte(nil), opt.raw[:vlen]...)

	case kindTFO:
		opt.IsTFOCookie = true
		opt.TFOCookie = append([]byte(nil), opt.raw[:vlen]...)

	case KindExperimental253, KindExperimental254:
		if vlen >= 2 && be16(opt.raw[0:2]) == tfoExperimentalMagic {
			opt.IsTFOCookie = true
			opt.TFOCookie = append([]byte(nil), opt.raw[2:vlen]...)
		}

	case kindRiverbedProbe, kindRiverbedTrans:
		// Riverbed Steelhead options: presence-only for our purposes.

	default:
		// Unrecognized option kind: retained as raw bytes via opt.raw,
		// no typed fields populated. Matches spec §6 "unknown options are
		// preserved but not interpreted".
	}
	return nil
}

func kindLabel(k Kind) string {
	switch k {
	case layers.TCPOptionKindMSS:
		return "MSS"
	case layers.TCPOptionKindWindowScale:
		return "WindowScale"
	case layers.TCPOptionKindSACKPermitted:
		return "SACKPermitted"
	case layers.TCPOptionKindSACK:
		return "SACK"
	case layers.TCPOptionKindTimestamps:
		return "Timestamps"
	case kindMPTCP:
		return "MPTCP"
	case kindTFO:
		return "TFO"
	default:
		return "Unknown"
	}
}
