// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to the TCP dissection and stream-analysis
// engine.
//
// When defining new operations or metrics, these are helpful values to
// track:
//   - things coming into or out of the system: segments, conversations,
//     reassembled PDUs.
//   - the success or error status of any of the above.
//   - the distribution of processing latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentCount counts segments processed by the engine, labeled by
	// outcome ("ok", "short_segment", "bogus_header_length", "bad_checksum").
	//
	// Provides metric: tcpdissect_segment_count
	SegmentCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpdissect_segment_count",
		Help: "Number of TCP segments processed, by parse outcome.",
	}, []string{"outcome"})

	// AnomalyCount counts sequence-analyzer anomaly flags raised, labeled
	// by flag name (RETRANSMISSION, OUT_OF_ORDER, DUPLICATE_ACK, ...).
	//
	// Provides metric: tcpdissect_anomaly_count
	AnomalyCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpdissect_anomaly_count",
		Help: "Number of sequence-analyzer anomaly flags raised, by flag name.",
	}, []string{"flag"})

	// ConversationCount tracks the number of live TCP conversations the
	// engine is tracking at any given time.
	//
	// Provides metric: tcpdissect_conversation_count
	ConversationCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcpdissect_conversation_count",
		Help: "Number of TCP conversations currently tracked by the engine.",
	})

	// ReassembledPDUCount counts PDUs emitted by the reassembler, labeled
	// by direction.
	//
	// Provides metric: tcpdissect_reassembled_pdu_count
	ReassembledPDUCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpdissect_reassembled_pdu_count",
		Help: "Number of reassembled PDUs delivered to the subdissector hook, by direction.",
	}, []string{"direction"})

	// ReassembledPDUBytes observes the size in bytes of each reassembled
	// PDU.
	//
	// Provides metric: tcpdissect_reassembled_pdu_bytes
	ReassembledPDUBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tcpdissect_reassembled_pdu_bytes",
		Help:    "Size in bytes of reassembled PDUs.",
		Buckets: prometheus.ExponentialBuckets(16, 4, 10),
	})

	// MptcpTokenCollisionCount counts observed MPTCP token collisions
	// (spec §9 "Open question: MPTCP token collisions" — the analyzer
	// keeps the known "last writer wins" behavior but still counts them).
	//
	// Provides metric: tcpdissect_mptcp_token_collision_count
	MptcpTokenCollisionCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpdissect_mptcp_token_collision_count",
		Help: "Number of MPTCP token collisions observed (last writer wins).",
	})

	// MptcpMappingMissCount counts DSS mappings that a lookup of their own
	// data sequence number, made right after registering them, does not
	// find (in practice, zero-length mappings). Segments without a DSS
	// mapping are not looked up and are not counted.
	//
	// Provides metric: tcpdissect_mptcp_mapping_miss_count
	MptcpMappingMissCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpdissect_mptcp_mapping_miss_count",
		Help: "Number of DSS mappings not found by a lookup of their own data sequence number.",
	})

	// MptcpUnknownTokenCount counts MP_JOIN suboptions naming a token this
	// capture never saw a MP_CAPABLE establish (a missed handshake, or a
	// join for a meta-flow whose SYN fell outside the capture window).
	//
	// Provides metric: tcpdissect_mptcp_unknown_token_count
	MptcpUnknownTokenCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpdissect_mptcp_unknown_token_count",
		Help: "Number of MP_JOIN suboptions referencing a token with no known meta-flow.",
	})

	// OptionParseErrorCount counts malformed-option events, labeled by
	// error kind (OptionLengthInvalid, SubOptionMalformed, ...).
	//
	// Provides metric: tcpdissect_option_parse_error_count
	OptionParseErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpdissect_option_parse_error_count",
		Help: "Number of malformed TCP option events, by error kind.",
	}, []string{"kind"})

	// UnackedSegmentsDroppedCount counts unacked-segment records evicted
	// from a FlowState's list (the oldest one, to make room for a new
	// insertion) because the per-direction cap was reached (spec §5:
	// ~10 000 cap per direction).
	//
	// Provides metric: tcpdissect_unacked_segments_dropped_count
	UnackedSegmentsDroppedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpdissect_unacked_segments_dropped_count",
		Help: "Number of unacked-segment records dropped due to the per-direction cap.",
	})

	// MptcpMissingAlgorithmCount counts MP_CAPABLE suboptions whose flags
	// byte never sets the HMAC-SHA1 support bit (spec §7 "missing_algorithm").
	//
	// Provides metric: tcpdissect_mptcp_missing_algorithm_count
	MptcpMissingAlgorithmCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpdissect_mptcp_missing_algorithm_count",
		Help: "Number of MP_CAPABLE suboptions that never advertise HMAC-SHA1.",
	})

	// MptcpUnsupportedAlgorithmCount counts MP_CAPABLE suboptions naming
	// a crypto algorithm other than HMAC-SHA1 (spec §7 "unsupported_algorithm").
	//
	// Provides metric: tcpdissect_mptcp_unsupported_algorithm_count
	MptcpUnsupportedAlgorithmCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpdissect_mptcp_unsupported_algorithm_count",
		Help: "Number of MP_CAPABLE suboptions naming an unsupported crypto algorithm.",
	})

	// MptcpEchoedKeyMismatchCount counts MP_CAPABLE ACKs whose echoed
	// keys don't match the keys recorded from the SYN/SYN-ACK (spec §7
	// "echoed_key").
	//
	// Provides metric: tcpdissect_mptcp_echoed_key_mismatch_count
	MptcpEchoedKeyMismatchCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpdissect_mptcp_echoed_key_mismatch_count",
		Help: "Number of MP_CAPABLE ACKs whose echoed keys mismatch the handshake.",
	})

	// MptcpInfiniteMappingCount counts DSS mappings with length 0 (spec
	// §7 "infinite_mapping").
	//
	// Provides metric: tcpdissect_mptcp_infinite_mapping_count
	MptcpInfiniteMappingCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpdissect_mptcp_infinite_mapping_count",
		Help: "Number of DSS mappings observed with length 0 (infinite mapping).",
	})
)
