// Package queue implements the in-flight WAL message FIFO and the
// quorum-LSN order statistic described in SPEC_FULL.md §4.1.
package queue

import (
	"sort"

	"github.com/linux/projects/server/walproxy/internal/walpos"
)

// MaxPeers bounds the ackMask bitset width and matches the CLI's
// "max 64 safekeepers" limit (SPEC_FULL.md §6).
const MaxPeers = 64

// WalMessage is one record in the in-flight queue. The proxy's event
// loop is single-threaded and cooperative (SPEC_FULL.md §5), so this
// type and Queue carry no locks of their own.
type WalMessage struct {
	Data    []byte
	WalPos  walpos.LSN
	WalEnd  walpos.LSN
	AckMask uint64
	next    *WalMessage
}

// Size is the length of the raw framed bytes.
func (m *WalMessage) Size() int { return len(m.Data) }

// Acked reports whether peer i has acknowledged this message.
func (m *WalMessage) Acked(i int) bool {
	return m.AckMask&(1<<uint(i)) != 0
}

// FullyAcked reports whether every one of numPeers peers has
// acknowledged this message.
func (m *WalMessage) FullyAcked(numPeers int) bool {
	full := uint64(1)<<uint(numPeers) - 1
	return m.AckMask&full == full
}

// Queue is a singly-linked FIFO of WalMessages awaiting quorum ack.
type Queue struct {
	head, tail *WalMessage
	numPeers   int
}

// New creates an empty queue sized for numPeers safekeepers.
func New(numPeers int) *Queue {
	return &Queue{numPeers: numPeers}
}

// Empty reports whether the queue holds no messages.
func (q *Queue) Empty() bool { return q.head == nil }

// Enqueue appends a new message built from data/walPos/walEnd and
// returns it so the caller can hand it directly to a peer as its
// currMsg.
func (q *Queue) Enqueue(data []byte, walPos, walEnd walpos.LSN) *WalMessage {
	m := &WalMessage{Data: data, WalPos: walPos, WalEnd: walEnd}
	if q.tail == nil {
		q.head, q.tail = m, m
	} else {
		q.tail.next = m
		q.tail = m
	}
	return m
}

// MarkAcked sets bit i on every message, starting from the head, whose
// WalEnd is less than or equal to ackPos, then prunes the longest
// fully-acked prefix. It returns the number of messages pruned.
func (q *Queue) MarkAcked(peerIndex int, ackPos walpos.LSN) int {
	for m := q.head; m != nil && m.WalEnd <= ackPos; m = m.next {
		m.AckMask |= 1 << uint(peerIndex)
	}
	pruned := 0
	for q.head != nil && q.head.FullyAcked(q.numPeers) {
		q.head = q.head.next
		pruned++
	}
	if q.head == nil {
		q.tail = nil
	}
	return pruned
}

// NextUnacked returns the oldest message peerIndex has not yet
// acknowledged, or nil if every queued message is already acked by
// that peer. This implements the strict re-hand-off variant of
// SPEC_FULL.md §4.3: a peer returning to IDLE is handed this message.
func (q *Queue) NextUnacked(peerIndex int) *WalMessage {
	for m := q.head; m != nil; m = m.next {
		if !m.Acked(peerIndex) {
			return m
		}
	}
	return nil
}

// Head returns the oldest message in the queue, or nil if empty.
func (q *Queue) Head() *WalMessage { return q.head }

// QuorumLSN returns the Q-th largest value in acks — the
// highest LSN that at least Q of len(acks) peers have confirmed.
// Ties count separately per SPEC_FULL.md §4.1; the result is the
// order statistic, independent of how ties are broken internally.
func QuorumLSN(acks []walpos.LSN, q int) walpos.LSN {
	if len(acks) == 0 || q <= 0 || q > len(acks) {
		return walpos.InvalidLSN
	}
	sorted := make([]walpos.LSN, len(acks))
	copy(sorted, acks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	return sorted[q-1]
}
