package queue

import (
	"testing"

	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAckPrune(t *testing.T) {
	q := New(3)
	require.True(t, q.Empty())

	m1 := q.Enqueue([]byte("a"), 100, 164)
	m2 := q.Enqueue([]byte("b"), 164, 264)
	require.False(t, q.Empty())
	require.Equal(t, m1, q.Head())

	// Peer 0 and 1 ack both messages; queue must not prune yet (peer 2
	// hasn't acked), invariant (b) of SPEC_FULL.md §3.
	q.MarkAcked(0, 264)
	q.MarkAcked(1, 264)
	require.Equal(t, m1, q.Head())
	require.True(t, m1.Acked(0))
	require.True(t, m1.Acked(1))
	require.False(t, m1.Acked(2))

	// Peer 2 catches up to the first message only.
	pruned := q.MarkAcked(2, 164)
	require.Equal(t, 1, pruned)
	require.Equal(t, m2, q.Head())

	pruned = q.MarkAcked(2, 264)
	require.Equal(t, 1, pruned)
	require.True(t, q.Empty())
}

func TestNextUnackedGivesOldestPerPeer(t *testing.T) {
	q := New(2)
	m1 := q.Enqueue([]byte("a"), 0, 64)
	m2 := q.Enqueue([]byte("b"), 64, 128)

	require.Equal(t, m1, q.NextUnacked(0))

	q.MarkAcked(0, 64)
	require.Equal(t, m2, q.NextUnacked(0))
	require.Equal(t, m1, q.NextUnacked(1))
}

func TestQuorumLSNOrderStatistic(t *testing.T) {
	acks := []walpos.LSN{100, 300, 200}
	// N=3, Q=2 -> 2nd largest -> 200.
	require.Equal(t, walpos.LSN(200), QuorumLSN(acks, 2))
	// Q=1 -> largest -> 300.
	require.Equal(t, walpos.LSN(300), QuorumLSN(acks, 1))
	// Q=3 -> smallest -> 100.
	require.Equal(t, walpos.LSN(100), QuorumLSN(acks, 3))
}

func TestQuorumLSNTiesCountSeparately(t *testing.T) {
	acks := []walpos.LSN{200, 200, 100}
	require.Equal(t, walpos.LSN(200), QuorumLSN(acks, 2))
	require.Equal(t, walpos.LSN(100), QuorumLSN(acks, 3))
}

func TestQuorumLSNNonDecreasing(t *testing.T) {
	// Simulates acks only ever increasing per peer; the resulting
	// quorum LSN sequence must never regress (invariant 2, §8).
	history := [][]walpos.LSN{
		{0, 0, 0},
		{100, 0, 0},
		{100, 100, 0},
		{100, 100, 100},
		{200, 100, 100},
		{200, 200, 150},
	}
	var last walpos.LSN
	for _, acks := range history {
		got := QuorumLSN(acks, 2)
		require.GreaterOrEqual(t, got, last)
		last = got
	}
}
