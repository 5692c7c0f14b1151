package engine

import "fmt"

// Sentinel errors for the engine façade, declared the same way
// segment's and mptcp's are: package-level vars built from fmt.Errorf,
// no wrapping library.
var (
	// ErrAlreadyVisited is returned by ProcessSegment when a frame
	// marked Visited in its Meta is submitted a second time — the
	// two-pass idempotence invariant (spec §5) forbids mutating
	// conversation state for a frame the caller has already processed.
	ErrAlreadyVisited = fmt.Errorf("segment already visited: state must not be mutated twice for one frame")

	// ErrUnknownConversation names the case of a Conversation handle the
	// engine has not created; no function in this package returns it.
	ErrUnknownConversation = fmt.Errorf("unknown conversation id")
)
