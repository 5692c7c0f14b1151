package segment

import "github.com/m-lab/tcp-dissect/metrics"

// OptionParseErrorInc records a malformed-option event against the
// given kind label. Kept as a tiny indirection so the option parser's
// call sites do not reference metrics.OptionParseErrorCount directly.
func OptionParseErrorInc(kind string) {
	metrics.OptionParseErrorCount.WithLabelValues(kind).Inc()
}
