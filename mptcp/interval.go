package mptcp

import "sort"

// DssMapping records one DSS suboption's mapping from a contiguous
// range of the MPTCP-level data sequence space onto a single subflow's
// sequence space (spec §4.F).
type DssMapping struct {
	DataSeqStart    uint64
	Length          uint32
	Subflow         SubflowId
	SubflowSeqStart uint32
}

func (m DssMapping) dataSeqEnd() uint64 { return m.DataSeqStart + uint64(m.Length) }

func (m DssMapping) overlaps(other DssMapping) bool {
	return m.DataSeqStart < other.dataSeqEnd() && other.DataSeqStart < m.dataSeqEnd()
}

// MappingStore holds every DssMapping registered for one meta-flow,
// kept sorted by DataSeqStart so lookups and overlap checks are a
// binary search rather than a linear scan — an interval tree would
// also serve, but a sorted slice is the simplest structure that
// supports both operations this analyzer needs (register, and
// look-up-containing), and capture-scale mapping counts never justify
// the extra bookkeeping of a real tree.
type MappingStore struct {
	mappings []DssMapping
}

// NewMappingStore returns an empty MappingStore.
func NewMappingStore() *MappingStore {
	return &MappingStore{}
}

// Register adds mapping to the store in sorted position and reports
// whether it is a reinjection: a data-sequence range that overlaps a
// previously registered mapping on a *different* subflow (the same
// payload bytes retransmitted over another path, RFC 6824 §3.3.6).
// Overlap on the *same* subflow is an ordinary retransmission, not a
// reinjection, and is not flagged here.
func (s *MappingStore) Register(mapping DssMapping) (reinjection bool) {
	i := sort.Search(len(s.mappings), func(i int) bool {
		return s.mappings[i].DataSeqStart >= mapping.DataSeqStart
	})
	for _, probe := range []int{i - 1, i, i + 1} {
		if probe < 0 || probe >= len(s.mappings) {
			continue
		}
		existing := s.mappings[probe]
		if existing.overlaps(mapping) && existing.Subflow != mapping.Subflow {
			reinjection = true
		}
	}
	s.mappings = append(s.mappings, DssMapping{})
	copy(s.mappings[i+1:], s.mappings[i:])
	s.mappings[i] = mapping
	return reinjection
}

// Lookup returns the mapping containing dataSeq, if any.
func (s *MappingStore) Lookup(dataSeq uint64) (DssMapping, bool) {
	i := sort.Search(len(s.mappings), func(i int) bool {
		return s.mappings[i].DataSeqStart > dataSeq
	})
	if i == 0 {
		return DssMapping{}, false
	}
	m := s.mappings[i-1]
	if dataSeq >= m.DataSeqStart && dataSeq < m.dataSeqEnd() {
		return m, true
	}
	return DssMapping{}, false
}

// SubflowSeqToDataSeq converts a subflow-relative sequence number to
// the MPTCP-level data sequence number, using the mapping whose
// subflow range contains subflowSeq.
func (s *MappingStore) SubflowSeqToDataSeq(subflowSeq uint32) (uint64, bool) {
	for _, m := range s.mappings {
		end := m.SubflowSeqStart + m.Length
		if subflowSeq >= m.SubflowSeqStart && subflowSeq < end {
			return m.DataSeqStart + uint64(subflowSeq-m.SubflowSeqStart), true
		}
	}
	return 0, false
}
