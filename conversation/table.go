package conversation

import (
	"github.com/m-lab/tcp-dissect/metrics"
	"github.com/m-lab/tcp-dissect/segment"
)

// Table owns every Conversation seen during one capture (spec §5: one
// Table per engine instance, arena lifetime matching the capture).
type Table struct {
	conversations []*Conversation
	byKey         map[Key][]ID
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{byKey: make(map[Key][]ID, 64)}
}

// Lookup returns the Conversation a segment belongs to and which
// direction it travels in, creating a new Conversation when the key is
// unseen or when a SYN-bearing segment's seq no longer matches the
// stored base_seq for its direction (spec §4.C "port reuse": the same
// 4-tuple is reused by an unrelated later connection, which is detected
// from the sequence number mismatch itself rather than from a prior
// FIN/RST close).
func (t *Table) Lookup(s *segment.Segment) (c *Conversation, dir Direction, isNew bool) {
	key, dir := NewKey(s.SrcIP, s.DstIP, s.SrcPort, s.DstPort)

	var reused bool
	if ids := t.byKey[key]; len(ids) > 0 {
		last := t.conversations[ids[len(ids)-1]]
		if !isPortReuse(last, dir, s) {
			return last, dir, false
		}
		reused = true
	}

	id := ID(len(t.conversations))
	c = NewConversation(id, key, s.Frame)
	c.ReusedPorts = reused
	t.conversations = append(t.conversations, c)
	t.byKey[key] = append(t.byKey[key], id)
	metrics.ConversationCount.Inc()
	return c, dir, true
}

// isPortReuse implements spec §4.C's port-reuse test: a pure SYN or a
// SYN-ACK whose seq does not match the base_seq already recorded for
// its own travel direction means this 4-tuple has been picked up by an
// unrelated later connection. dir is already the segment's own
// direction (computed by NewKey), so a SYN-ACK's reverse-direction
// mismatch is covered by the same check against last.Flows[dir].
func isPortReuse(last *Conversation, dir Direction, s *segment.Segment) bool {
	if !s.Flags.SYN() {
		return false
	}
	fs := &last.Flows[dir]
	return fs.HaveBase && fs.BaseSeq != s.Seq
}

// Get returns the Conversation for handle id, or nil if out of range.
func (t *Table) Get(id ID) *Conversation {
	if int(id) < 0 || int(id) >= len(t.conversations) {
		return nil
	}
	return t.conversations[id]
}

// Len returns the number of Conversations ever created in this Table
// (including closed ones — spec §5 keeps the whole arena for the life
// of the capture, it never evicts).
func (t *Table) Len() int {
	return len(t.conversations)
}
