package rdp

import (
	"time"

	"github.com/cagemesh/overlay/pktbuf"
)

// seqGT reports whether a is "after" b in the wrapped 32-bit sequence
// space, i.e. a - b is a small positive number rather than a small negative
// one reinterpreted as huge.
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

// seqLE reports whether a is at or before b.
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }

// seqInRange reports lo < v <= hi under wrapped arithmetic.
func seqInRange(v, lo, hi uint32) bool {
	return seqGT(v, lo) && seqLE(v, hi)
}

// ackAccepted implements the spec.md §9 resolution of the wraparound bug in
// the cumulative-ACK check, rather than the original's single-wrap-only
// "ack - una < nxt - una" test. It is given the seqnum just after the acked
// one and accepts it only when una < next <= nxt within half the sequence
// space, i.e. an ack inside the half-open window [una, nxt). With nothing
// outstanding (una == nxt) only next == una is accepted.
func ackAccepted(ack, una, nxt uint32) bool {
	if una == nxt {
		return ack == una
	}
	span := nxt - una
	diff := ack - una
	return diff != 0 && diff <= span && span < 1<<31
}

// sendSegment is one outstanding (or queued) segment of the send window
// (spec.md §3's send window entry).
type sendSegment struct {
	buf       *pktbuf.Buf
	seqnum    uint32
	sentAt    time.Time
	rtTimeout time.Duration
	isSent    bool
	isAcked   bool
}

// sendWindow is the circular array of outstanding segments, indexed by
// seqnum modulo capacity.
type sendWindow struct {
	slots []sendSegment
	cap   int
}

func newSendWindow(capacity int) *sendWindow {
	return &sendWindow{slots: make([]sendSegment, capacity), cap: capacity}
}

func (w *sendWindow) at(seq uint32) *sendSegment {
	return &w.slots[int(seq)%w.cap]
}

// recvSlot is one buffered out-of-order (or in-order but not yet drained)
// segment of the receive window.
type recvSlot struct {
	buf      *pktbuf.Buf
	seqnum   uint32
	isUsed   bool
	isEacked bool
}

// recvWindow is the circular buffer of size 2*rcvMax specified in spec.md
// §4.9. The spec phrases the slot for seqnum seq as offset
// (seq - rcvCur - 1) mod len, i.e. "distance ahead of the next expected
// seqnum" — equivalent, for a fixed-size power-of-two-free modulus, to
// indexing directly by seq mod len, which is what's used here so a slot's
// physical index never has to be recomputed as rcvCur advances between a
// segment's arrival and its eventual drain.
type recvWindow struct {
	slots []recvSlot
}

func newRecvWindow(rcvMax uint32) *recvWindow {
	return &recvWindow{slots: make([]recvSlot, 2*rcvMax)}
}

func (w *recvWindow) offset(seq uint32) int {
	return int(seq % uint32(len(w.slots)))
}

func (w *recvWindow) put(seq uint32, buf *pktbuf.Buf) {
	w.slots[w.offset(seq)] = recvSlot{buf: buf, seqnum: seq, isUsed: true}
}

func (w *recvWindow) get(seq uint32) (recvSlot, bool) {
	s := w.slots[w.offset(seq)]
	if s.isUsed && s.seqnum == seq {
		return s, true
	}
	return recvSlot{}, false
}

func (w *recvWindow) clear(seq uint32) {
	w.slots[w.offset(seq)] = recvSlot{}
}
