package segment_test

import (
	"net"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/gopacket/layers"

	"github.com/m-lab/tcp-dissect/segment"
)

func buildSegment(srcPort, dstPort uint16, seq, ack uint32, dataOffsetWords byte, flags byte, window uint16, options, payload []byte) []byte {
	headerLen := int(dataOffsetWords) * 4
	b := make([]byte, headerLen+len(payload))
	b[0], b[1] = byte(srcPort>>8), byte(srcPort)
	b[2], b[3] = byte(dstPort>>8), byte(dstPort)
	b[4], b[5], b[6], b[7] = byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq)
	b[8], b[9], b[10], b[11] = byte(ack>>24), byte(ack>>16), byte(ack>>8), byte(ack)
	b[12] = dataOffsetWords << 4
	b[13] = flags
	b[14], b[15] = byte(window>>8), byte(window)
	copy(b[20:], options)
	copy(b[headerLen:], payload)
	return b
}

func TestDecodeShortSegment(t *testing.T) {
	_, err := segment.Decode([]byte{1, 2, 3}, segment.Meta{})
	if err != segment.ErrShortSegment {
		t.Errorf("expected ErrShortSegment, got %v", err)
	}
}

func TestDecodeBogusHeaderLength(t *testing.T) {
	raw := buildSegment(1234, 80, 100, 0, 5, 0x02, 65535, nil, nil)
	raw[12] = 3 << 4 // claims 12 bytes, less than 20
	s, err := segment.Decode(raw, segment.Meta{})
	if err != segment.ErrBogusHeaderLength {
		t.Fatalf("expected ErrBogusHeaderLength, got %v", err)
	}
	if s.SrcPort != 1234 || s.DstPort != 80 {
		t.Errorf("partial segment should still expose ports: %+v", s)
	}
}

func TestDecodeBasicSYN(t *testing.T) {
	raw := buildSegment(443, 12345, 1000, 0, 5, 0x02, 29200, nil, nil)
	s, err := segment.Decode(raw, segment.Meta{Frame: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &segment.Segment{
		SrcIP:      nil,
		DstIP:      nil,
		SrcPort:    443,
		DstPort:    12345,
		Seq:        1000,
		Ack:        0,
		DataOffset: 5,
		Flags:      segment.FlagSYN,
		Window:     29200,
		Options:    []byte{},
		Payload:    []byte{},
		Frame:      1,
	}
	if diff := deep.Equal(s, want); diff != nil {
		t.Error(diff)
	}
	if !s.Flags.SYN() || s.Flags.ACK() {
		t.Errorf("flag decode wrong: %+v", s.Flags)
	}
	if s.NextSeq() != 1001 {
		t.Errorf("SYN should consume one sequence number, got next=%d", s.NextSeq())
	}
}

func TestFlagsGlyphsAndNames(t *testing.T) {
	f := segment.FlagSYN | segment.FlagACK
	if got := f.Names(); got != "ACK, SYN" {
		t.Errorf("Names() = %q", got)
	}
	g := f.Glyphs()
	if len(g) != 12 {
		t.Errorf("Glyphs() length = %d, want 12", len(g))
	}
}

func TestNextSeqWithPayload(t *testing.T) {
	raw := buildSegment(1, 2, 500, 0, 5, 0x18 /* PSH|ACK */, 1000, nil, []byte("hello"))
	s, err := segment.Decode(raw, segment.Meta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.SegLen() != 5 {
		t.Errorf("SegLen() = %d, want 5", s.SegLen())
	}
	if s.NextSeq() != 505 {
		t.Errorf("NextSeq() = %d, want 505", s.NextSeq())
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	src := net.ParseIP("192.0.2.1")
	dst := net.ParseIP("192.0.2.2")
	raw := buildSegment(1, 2, 1, 1, 5, 0x10, 1000, nil, []byte("payload"))
	cksum := segment.Checksum(src, dst, raw)
	raw[16], raw[17] = byte(cksum>>8), byte(cksum)
	if !segment.Verify(src, dst, raw, cksum) {
		t.Error("expected checksum to verify once filled in")
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	src := net.ParseIP("192.0.2.1")
	dst := net.ParseIP("192.0.2.2")
	raw := buildSegment(1, 2, 1, 1, 5, 0x10, 1000, nil, []byte("payload"))
	cksum := segment.Checksum(src, dst, raw)
	raw[16], raw[17] = byte(cksum>>8), byte(cksum)
	raw[20] ^= 0xFF // corrupt payload after checksum was computed
	if segment.Verify(src, dst, raw, cksum) {
		t.Error("expected corrupted payload to fail verification")
	}
}

func TestParseOptionsMSSAndWindowScale(t *testing.T) {
	opts := []byte{
		2, 4, 0x05, 0xB4, // MSS 1460
		3, 3, 10, // Window scale 10
		1, // NOP
		4, 2, // SACK permitted
	}
	raw := buildSegment(1, 2, 1, 0, 8, 0x02, 1000, opts, nil)
	s, err := segment.Decode(raw, segment.Meta{})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	got, err := segment.ParseOptions(s.Options)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 options, got %d: %+v", len(got), got)
	}
	if got[0].Kind != layers.TCPOptionKindMSS || got[0].MSS != 1460 {
		t.Errorf("MSS option wrong: %+v", got[0])
	}
	if got[1].Kind != layers.TCPOptionKindWindowScale || got[1].WindowScale != 10 {
		t.Errorf("WindowScale option wrong: %+v", got[1])
	}
	if got[2].Kind != layers.TCPOptionKindSACKPermitted {
		t.Errorf("SACKPermitted option wrong: %+v", got[2])
	}
}

func TestWindowScaleClamp(t *testing.T) {
	opts := []byte{3, 3, 20} // raw shift of 20, must clamp to 14
	got, err := segment.ParseOptions(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].WindowScale != 14 {
		t.Errorf("WindowScale = %d, want clamped 14", got[0].WindowScale)
	}
	if got[0].WindowScaleRaw != 20 {
		t.Errorf("WindowScaleRaw = %d, want 20", got[0].WindowScaleRaw)
	}
}

func TestParseOptionsSACKFourRangeCap(t *testing.T) {
	// 5 SACK ranges (40 bytes of value) would overflow the 4-range cap.
	opts := make([]byte, 2+5*8)
	opts[0], opts[1] = 5, byte(len(opts))
	for i := 0; i < 5; i++ {
		base := 2 + i*8
		left := uint32(1000 * (i + 1))
		right := left + 100
		opts[base], opts[base+1], opts[base+2], opts[base+3] = byte(left>>24), byte(left>>16), byte(left>>8), byte(left)
		opts[base+4], opts[base+5], opts[base+6], opts[base+7] = byte(right>>24), byte(right>>16), byte(right>>8), byte(right)
	}
	got, err := segment.ParseOptions(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got[0].SackRanges) != 4 {
		t.Errorf("SackRanges len = %d, want 4 (capped)", len(got[0].SackRanges))
	}
}

func TestParseOptionsTruncatedLength(t *testing.T) {
	opts := []byte{2, 10, 0x05, 0xB4} // claims 10 bytes, only 4 present
	_, err := segment.ParseOptions(opts)
	if err != segment.ErrOptionLengthInvalid {
		t.Errorf("expected ErrOptionLengthInvalid, got %v", err)
	}
}

func TestParseOptionsEndOfListStopsParsing(t *testing.T) {
	opts := []byte{0, 2, 4, 0x05, 0xB4} // EOL then trailing garbage
	got, err := segment.ParseOptions(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected parsing to stop at EOL, got %+v", got)
	}
}

func TestParseOptionsMPTCPKeptRaw(t *testing.T) {
	opts := []byte{30, 4, 0x10, 0x00} // MPTCP kind, 2 bytes of suboption payload
	got, err := segment.ParseOptions(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got[0].MPTCP) != 2 {
		t.Errorf("MPTCP payload len = %d, want 2", len(got[0].MPTCP))
	}
}
