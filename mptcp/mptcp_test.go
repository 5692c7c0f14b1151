package mptcp_test

import (
	"encoding/binary"
	"testing"

	"github.com/m-lab/tcp-dissect/mptcp"
)

func TestDeriveTokenAndIDSNIsDeterministic(t *testing.T) {
	key := uint64(0x1122334455667788)
	token1, idsn1 := mptcp.DeriveTokenAndIDSN(key)
	token2, idsn2 := mptcp.DeriveTokenAndIDSN(key)
	if token1 != token2 || idsn1 != idsn2 {
		t.Fatal("derivation must be a pure function of the key")
	}
	if token1 == 0 && idsn1 == 0 {
		t.Fatal("derivation should not degenerate to all zero for a non-zero key")
	}
}

func TestDeriveTokenAndIDSNDiffersByKey(t *testing.T) {
	t1, d1 := mptcp.DeriveTokenAndIDSN(1)
	t2, d2 := mptcp.DeriveTokenAndIDSN(2)
	if t1 == t2 && d1 == d2 {
		t.Fatal("distinct keys should not derive the same token and idsn")
	}
}

func TestParseCapableSYN(t *testing.T) {
	data := make([]byte, 10)
	data[0] = 0x00 // subtype 0, version 0
	data[1] = 0x00
	binary.BigEndian.PutUint64(data[2:], 0xAABBCCDDEEFF0011)
	so, err := mptcp.Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if so.Type != mptcp.SubTypeCapable {
		t.Fatalf("wrong subtype: %v", so.Type)
	}
	if so.Capable.SenderKey != 0xAABBCCDDEEFF0011 {
		t.Errorf("wrong sender key: %x", so.Capable.SenderKey)
	}
	if so.Capable.HasReceiver {
		t.Error("SYN-only MP_CAPABLE should not carry a receiver key")
	}
}

func TestParseJoinSYN(t *testing.T) {
	data := make([]byte, 10)
	data[0] = 0x11 // subtype 1, backup bit set
	data[1] = 7    // address id
	binary.BigEndian.PutUint32(data[2:6], 0xCAFEBABE)
	binary.BigEndian.PutUint32(data[6:10], 0x1234)
	so, err := mptcp.Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !so.Join.Backup || so.Join.AddressID != 7 || so.Join.Token != 0xCAFEBABE {
		t.Errorf("join SYN decode wrong: %+v", so.Join)
	}
}

func TestParseDSSWithMapping(t *testing.T) {
	// flags: data-ack present(bit0)=0, mapping present(bit2)=1, DSN 4 bytes
	data := make([]byte, 1+4+4+2)
	data[0] = 0x20 | 0x04
	binary.BigEndian.PutUint32(data[1:5], 1000)
	binary.BigEndian.PutUint32(data[5:9], 55)
	binary.BigEndian.PutUint16(data[9:11], 200)
	so, err := mptcp.Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !so.DSS.HasMapping || so.DSS.DataSeq != 1000 || so.DSS.SubflowSeq != 55 || so.DSS.DataLevelLen != 200 {
		t.Errorf("DSS decode wrong: %+v", so.DSS)
	}
}

func TestMappingStoreReinjectionDetection(t *testing.T) {
	store := mptcp.NewMappingStore()
	first := mptcp.DssMapping{DataSeqStart: 1000, Length: 100, Subflow: 0, SubflowSeqStart: 1}
	if reinj := store.Register(first); reinj {
		t.Error("first registration should never be a reinjection")
	}
	// Same data range, different subflow: reinjection.
	second := mptcp.DssMapping{DataSeqStart: 1050, Length: 50, Subflow: 1, SubflowSeqStart: 1}
	if reinj := store.Register(second); !reinj {
		t.Error("overlapping range on a different subflow should be flagged as reinjection")
	}
	// Same subflow retransmitting a range no other subflow carried: not a
	// reinjection.
	third := mptcp.DssMapping{DataSeqStart: 1000, Length: 50, Subflow: 0, SubflowSeqStart: 1}
	if reinj := store.Register(third); reinj {
		t.Error("overlap on the same subflow is a retransmission, not a reinjection")
	}
}

func TestMappingStoreLookupAndConversion(t *testing.T) {
	store := mptcp.NewMappingStore()
	store.Register(mptcp.DssMapping{DataSeqStart: 5000, Length: 200, Subflow: 2, SubflowSeqStart: 10})

	got, ok := store.Lookup(5050)
	if !ok || got.Subflow != 2 {
		t.Fatalf("Lookup failed: %+v, %v", got, ok)
	}

	dataSeq, ok := store.SubflowSeqToDataSeq(60)
	if !ok || dataSeq != 5050 {
		t.Errorf("SubflowSeqToDataSeq(60) = %d, %v; want 5050, true", dataSeq, ok)
	}

	if _, ok := store.Lookup(99999); ok {
		t.Error("lookup outside any mapping should fail")
	}
}

func TestRegistryTokenCollisionLastWriterWins(t *testing.T) {
	r := mptcp.NewRegistry()
	a := r.NewMetaFlow()
	b := r.NewMetaFlow()
	r.RegisterToken(0xDEADBEEF, a)
	r.RegisterToken(0xDEADBEEF, b) // collision: last writer wins

	got, ok := r.LookupToken(0xDEADBEEF)
	if !ok || got != b {
		t.Errorf("expected token to resolve to the most recently registered meta-flow, got %v, %v", got, ok)
	}
}

func TestRegistrySubflowAttachment(t *testing.T) {
	r := mptcp.NewRegistry()
	meta := r.NewMetaFlow()
	s1 := r.NewSubflow(meta, true)
	s2 := r.NewSubflow(meta, false)

	mf := r.MetaFlow(meta)
	if len(mf.Subflows) != 2 || mf.Subflows[0] != s1 || mf.Subflows[1] != s2 {
		t.Errorf("subflow attachment wrong: %+v", mf.Subflows)
	}
	if !r.Subflow(s1).IsMaster || r.Subflow(s2).IsMaster {
		t.Error("master/join distinction lost")
	}
}
