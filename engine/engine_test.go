package engine_test

import (
	"net"
	"testing"

	"github.com/m-lab/tcp-dissect/conversation"
	"github.com/m-lab/tcp-dissect/engine"
	"github.com/m-lab/tcp-dissect/mptcp"
	"github.com/m-lab/tcp-dissect/reassembly"
	"github.com/m-lab/tcp-dissect/segment"
)

var clientIP = net.ParseIP("192.0.2.10")
var serverIP = net.ParseIP("192.0.2.20")

func buildSegment(srcPort, dstPort uint16, seq, ack uint32, flags byte, window uint16, options, payload []byte) []byte {
	headerLen := 20 + len(options)
	if headerLen%4 != 0 {
		panic("options must be a multiple of 4 bytes")
	}
	b := make([]byte, headerLen+len(payload))
	b[0], b[1] = byte(srcPort>>8), byte(srcPort)
	b[2], b[3] = byte(dstPort>>8), byte(dstPort)
	b[4], b[5], b[6], b[7] = byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq)
	b[8], b[9], b[10], b[11] = byte(ack>>24), byte(ack>>16), byte(ack>>8), byte(ack)
	b[12] = byte(headerLen/4) << 4
	b[13] = flags
	b[14], b[15] = byte(window>>8), byte(window)
	copy(b[20:], options)
	copy(b[headerLen:], payload)
	return b
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.New(engine.DefaultConfig())
}

func clientToServer(frame uint64) segment.Meta {
	return segment.Meta{SrcIP: clientIP, DstIP: serverIP, Frame: frame}
}

func serverToClient(frame uint64) segment.Meta {
	return segment.Meta{SrcIP: serverIP, DstIP: clientIP, Frame: frame}
}

const (
	flagSYN    = 0x02
	flagACK    = 0x10
	flagSYNACK = flagSYN | flagACK
	flagFIN    = 0x01
	flagFINACK = flagFIN | flagACK
	flagPSHACK = 0x18
)

func TestThreeWayHandshakeCreatesOneConversation(t *testing.T) {
	e := engine.New(engine.DefaultConfig())

	syn := buildSegment(50000, 80, 1000, 0, flagSYN, 65535, nil, nil)
	o1, err := e.ProcessSegment(syn, clientToServer(1))
	if err != nil {
		t.Fatalf("SYN: %v", err)
	}
	if !o1.IsNewConv {
		t.Fatal("expected SYN to start a new conversation")
	}

	synAck := buildSegment(80, 50000, 5000, 1001, flagSYNACK, 65535, nil, nil)
	o2, err := e.ProcessSegment(synAck, serverToClient(2))
	if err != nil {
		t.Fatalf("SYN/ACK: %v", err)
	}
	if o2.Conversation != o1.Conversation {
		t.Fatalf("SYN/ACK landed in a different conversation: %d vs %d", o2.Conversation, o1.Conversation)
	}
	if o2.Direction == o1.Direction {
		t.Fatal("SYN/ACK should travel in the opposite direction from the SYN")
	}

	ack := buildSegment(50000, 80, 1001, 5001, flagACK, 65535, nil, nil)
	o3, err := e.ProcessSegment(ack, clientToServer(3))
	if err != nil {
		t.Fatalf("ACK: %v", err)
	}
	if o3.Conversation != o1.Conversation || o3.IsNewConv {
		t.Fatalf("final ACK should join the same, now-established conversation")
	}
}

func TestFastRetransmissionAfterThreeDupAcks(t *testing.T) {
	e := engine.New(engine.DefaultConfig())
	frame := uint64(1)
	next := func() uint64 { frame++; return frame }

	mustProcess := func(raw []byte, meta segment.Meta) *engine.Outcome {
		o, err := e.ProcessSegment(raw, meta)
		if err != nil {
			t.Fatalf("frame %d: %v", meta.Frame, err)
		}
		return o
	}

	mustProcess(buildSegment(50000, 80, 1000, 0, flagSYN, 65535, nil, nil), clientToServer(1))
	mustProcess(buildSegment(80, 50000, 5000, 1001, flagSYNACK, 65535, nil, nil), serverToClient(next()))
	mustProcess(buildSegment(50000, 80, 1001, 5001, flagACK, 65535, nil, nil), clientToServer(next()))

	data1 := buildSegment(50000, 80, 1001, 5001, flagPSHACK, 65535, nil, []byte("hello"))
	mustProcess(data1, clientToServer(next()))

	data2 := buildSegment(50000, 80, 1006, 5001, flagPSHACK, 65535, nil, []byte("world!"))
	mustProcess(data2, clientToServer(next()))

	// The server received data2 out of order (data1 is still missing) and
	// keeps acking 1001. The first ack establishes the dup-ack baseline
	// (this flow's previous ack was set by the SYN/ACK rather than a
	// plain ACK, so the window-tracking state still needs one real
	// sample); the next three identical acks are what the dup-ack
	// counter actually counts.
	mustProcess(buildSegment(80, 50000, 5001, 1001, flagACK, 65535, nil, nil), serverToClient(next()))
	for i := 0; i < 3; i++ {
		dup := buildSegment(80, 50000, 5001, 1001, flagACK, 65535, nil, nil)
		mustProcess(dup, serverToClient(next()))
	}

	retrans := buildSegment(50000, 80, 1001, 5001, flagPSHACK, 65535, nil, []byte("hello"))
	out := mustProcess(retrans, clientToServer(next()))
	if !out.Analysis.HasFlag(conversation.FlagFastRetransmission) {
		t.Errorf("expected FAST_RETRANSMISSION, got %v", out.Analysis.Flags)
	}
}

func TestPortReuseStartsNewConversation(t *testing.T) {
	e := engine.New(engine.DefaultConfig())
	frame := uint64(1)
	next := func() uint64 { frame++; return frame }

	o1, _ := e.ProcessSegment(buildSegment(50000, 80, 1000, 0, flagSYN, 65535, nil, nil), clientToServer(1))
	e.ProcessSegment(buildSegment(80, 50000, 5000, 1001, flagSYNACK, 65535, nil, nil), serverToClient(next()))
	e.ProcessSegment(buildSegment(50000, 80, 1001, 5001, flagACK, 65535, nil, nil), clientToServer(next()))
	e.ProcessSegment(buildSegment(50000, 80, 1001, 5001, flagFINACK, 65535, nil, nil), clientToServer(next()))
	e.ProcessSegment(buildSegment(80, 50000, 5001, 1002, flagFINACK, 65535, nil, nil), serverToClient(next()))
	e.ProcessSegment(buildSegment(50000, 80, 1002, 5002, flagACK, 65535, nil, nil), clientToServer(next()))

	o2, err := e.ProcessSegment(buildSegment(50000, 80, 9000, 0, flagSYN, 65535, nil, nil), clientToServer(next()))
	if err != nil {
		t.Fatalf("new SYN: %v", err)
	}
	if !o2.IsNewConv {
		t.Fatal("expected a fresh SYN on a closed 4-tuple to start a new conversation")
	}
	if o2.Conversation == o1.Conversation {
		t.Fatal("port-reused SYN should get a new conversation handle")
	}
	if !o2.Analysis.HasFlag(conversation.FlagReusedPorts) {
		t.Errorf("expected REUSED_PORTS on the reused conversation's first record, got %+v", o2.Analysis.Flags)
	}
}

// TestPortReuseDetectedWithoutPriorClose exercises spec §4.C's actual
// rule directly: a SYN with a fresh ISN arriving on a still-open
// 4-tuple (no FIN/RST seen) must still start a new conversation, since
// the trigger is the seq/base_seq mismatch, not a prior close.
func TestPortReuseDetectedWithoutPriorClose(t *testing.T) {
	e := engine.New(engine.DefaultConfig())
	frame := uint64(1)
	next := func() uint64 { frame++; return frame }

	o1, _ := e.ProcessSegment(buildSegment(50000, 80, 1000, 0, flagSYN, 65535, nil, nil), clientToServer(1))
	e.ProcessSegment(buildSegment(80, 50000, 5000, 1001, flagSYNACK, 65535, nil, nil), serverToClient(next()))

	o2, err := e.ProcessSegment(buildSegment(50000, 80, 9000, 0, flagSYN, 65535, nil, nil), clientToServer(next()))
	if err != nil {
		t.Fatalf("new SYN: %v", err)
	}
	if !o2.IsNewConv || o2.Conversation == o1.Conversation {
		t.Fatal("a SYN with a mismatched seq must start a new conversation even with no prior FIN/RST")
	}
	if !o2.Analysis.HasFlag(conversation.FlagReusedPorts) {
		t.Errorf("expected REUSED_PORTS on the reused conversation's first record, got %+v", o2.Analysis.Flags)
	}
}

// lengthPrefixed treats the first two bytes of a PDU as a big-endian
// length of what follows, the same protocol shape reassembly's own
// tests use.
func lengthPrefixed(buf []byte) reassembly.DesegmentResult {
	if len(buf) < 2 {
		return reassembly.DesegmentResult{}
	}
	total := 2 + int(buf[0])<<8 + int(buf[1])
	if len(buf) < total {
		return reassembly.DesegmentResult{}
	}
	return reassembly.DesegmentResult{Complete: true, Length: total}
}

func TestMultiSegmentPDUReassembly(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Subdissector = lengthPrefixed
	e := engine.New(cfg)
	frame := uint64(1)
	next := func() uint64 { frame++; return frame }

	e.ProcessSegment(buildSegment(50000, 80, 1000, 0, flagSYN, 65535, nil, nil), clientToServer(1))
	e.ProcessSegment(buildSegment(80, 50000, 5000, 1001, flagSYNACK, 65535, nil, nil), serverToClient(next()))
	e.ProcessSegment(buildSegment(50000, 80, 1001, 5001, flagACK, 65535, nil, nil), clientToServer(next()))

	body := "0123456789"
	pdu := append([]byte{0, byte(len(body))}, body...)

	part1 := pdu[:5]
	part2 := pdu[5:]

	o1, err := e.ProcessSegment(buildSegment(50000, 80, 1001, 5001, flagPSHACK, 65535, nil, part1), clientToServer(next()))
	if err != nil {
		t.Fatalf("part1: %v", err)
	}
	if len(o1.PDUs) != 0 {
		t.Fatalf("expected no complete PDU yet, got %d", len(o1.PDUs))
	}

	o2, err := e.ProcessSegment(buildSegment(50000, 80, 1006, 5001, flagPSHACK, 65535, nil, part2), clientToServer(next()))
	if err != nil {
		t.Fatalf("part2: %v", err)
	}
	if len(o2.PDUs) != 1 {
		t.Fatalf("expected exactly one completed PDU, got %d", len(o2.PDUs))
	}
	if string(o2.PDUs[0].Data[2:]) != body {
		t.Errorf("reassembled PDU body = %q, want %q", o2.PDUs[0].Data[2:], body)
	}
}

// mpCapableOption builds a raw MP_CAPABLE suboption (kind 30) carrying
// just a sender key, the shape seen on the initiating SYN.
func mpCapableOption(senderKey uint64) []byte {
	val := make([]byte, 10)
	val[0] = 0x00 << 4 // subtype 0 (MP_CAPABLE), version in low nibble
	val[1] = 0x00
	for i := 0; i < 8; i++ {
		val[2+i] = byte(senderKey >> uint(56-8*i))
	}
	opt := append([]byte{30, byte(2 + len(val))}, val...)
	pad := (4 - len(opt)%4) % 4
	return append(opt, make([]byte, pad)...)
}

func TestMptcpCapableDerivesTokenAndIDSN(t *testing.T) {
	cfg := engine.DefaultConfig()
	e := engine.New(cfg)

	const key = uint64(0x1122334455667788)
	wantToken, wantIDSN := mptcp.DeriveTokenAndIDSN(key)

	opts := mpCapableOption(key)
	syn := buildSegment(50000, 80, 1000, 0, flagSYN, 65535, opts, nil)

	out, err := e.ProcessSegment(syn, clientToServer(1))
	if err != nil {
		t.Fatalf("SYN: %v", err)
	}
	if out.Mptcp == nil || !out.Mptcp.HasMeta {
		t.Fatal("expected an MPTCP meta-flow to be created from MP_CAPABLE")
	}

	meta, ok := e.MetaFlow(out.Mptcp.Meta)
	if !ok {
		t.Fatal("meta-flow not found in registry")
	}
	if meta.ClientToken != wantToken {
		t.Errorf("ClientToken = %#x, want %#x", meta.ClientToken, wantToken)
	}
	if meta.ClientIDSN != wantIDSN {
		t.Errorf("ClientIDSN = %#x, want %#x", meta.ClientIDSN, wantIDSN)
	}
}

func TestAlreadyVisitedFrameIsRejected(t *testing.T) {
	e := engine.New(engine.DefaultConfig())
	meta := clientToServer(1)
	meta.Visited = true

	syn := buildSegment(50000, 80, 1000, 0, flagSYN, 65535, nil, nil)
	if _, err := e.ProcessSegment(syn, meta); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if _, err := e.ProcessSegment(syn, meta); err != engine.ErrAlreadyVisited {
		t.Fatalf("second pass over the same visited frame: got %v, want ErrAlreadyVisited", err)
	}
}

// TestVisitedReplayReturnsCachedOutcomeWithoutMutation exercises a
// genuine two-pass sequence (spec invariant 7): a build pass with
// Visited=false, then the same frames replayed with Visited=true.
// Every replay must hand back the exact Outcome recorded on the build
// pass rather than re-running Analyze, so a third delivery of a replay
// is rejected just like any other re-delivery of an already-built frame.
func TestVisitedReplayReturnsCachedOutcomeWithoutMutation(t *testing.T) {
	e := engine.New(engine.DefaultConfig())
	frame := uint64(1)
	next := func() uint64 { frame++; return frame }

	build := func(raw []byte, meta segment.Meta) *engine.Outcome {
		o, err := e.ProcessSegment(raw, meta)
		if err != nil {
			t.Fatalf("build pass frame %d: %v", meta.Frame, err)
		}
		return o
	}

	syn := buildSegment(50000, 80, 1000, 0, flagSYN, 65535, nil, nil)
	synMeta := clientToServer(1)
	built1 := build(syn, synMeta)

	synAck := buildSegment(80, 50000, 5000, 1001, flagSYNACK, 65535, nil, nil)
	synAckMeta := serverToClient(next())
	built2 := build(synAck, synAckMeta)

	// The handshake's final ACK, to give double-mutation something to show
	// up in (LastAck, the unacked list) if the replay pass were to re-run
	// Analyze.
	ackMeta := clientToServer(next())
	ack := buildSegment(50000, 80, 1001, 5001, flagACK, 65535, nil, nil)
	built3 := build(ack, ackMeta)

	replayMeta := synMeta
	replayMeta.Visited = true
	replayed1, err := e.ProcessSegment(syn, replayMeta)
	if err != nil {
		t.Fatalf("replay of SYN: %v", err)
	}
	if replayed1 != built1 {
		t.Fatal("replay should return the exact Outcome built on the first pass, not a recomputed one")
	}

	replayMeta2 := synAckMeta
	replayMeta2.Visited = true
	replayed2, err := e.ProcessSegment(synAck, replayMeta2)
	if err != nil {
		t.Fatalf("replay of SYN/ACK: %v", err)
	}
	if replayed2 != built2 {
		t.Fatal("replay should return the exact Outcome built on the first pass, not a recomputed one")
	}

	replayMeta3 := ackMeta
	replayMeta3.Visited = true
	replayed3, err := e.ProcessSegment(ack, replayMeta3)
	if err != nil {
		t.Fatalf("replay of ACK: %v", err)
	}
	if replayed3 != built3 {
		t.Fatal("replay should return the exact Outcome built on the first pass, not a recomputed one")
	}

	// A second replay of an already-replayed frame is a caller bug, same
	// as re-delivering any other already-built frame.
	if _, err := e.ProcessSegment(syn, replayMeta); err != engine.ErrAlreadyVisited {
		t.Fatalf("second replay of the same frame: got %v, want ErrAlreadyVisited", err)
	}
}
