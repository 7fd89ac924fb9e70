package walpos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLSNSegmentArithmetic(t *testing.T) {
	const segSize = 16 << 20

	l := LSN(segSize + 100)
	require.Equal(t, uint64(100), l.SegmentOffset(segSize))
	require.Equal(t, uint64(1), l.SegmentNo(segSize))
	require.Equal(t, LSN(segSize), l.TruncateToSegment(segSize))
}

func TestCompareNodeIDComparesBothUUIDs(t *testing.T) {
	a := NodeID{Term: 1, UUID: [16]byte{1}}
	b := NodeID{Term: 1, UUID: [16]byte{2}}

	require.Negative(t, CompareNodeID(a, b))
	require.Positive(t, CompareNodeID(b, a))
	require.Zero(t, CompareNodeID(a, a))

	// Term dominates UUID ordering.
	higherTerm := NodeID{Term: 2, UUID: [16]byte{0}}
	require.Positive(t, CompareNodeID(higherTerm, b))
}

func TestMaxNodeID(t *testing.T) {
	a := NodeID{Term: 3, UUID: [16]byte{9}}
	b := NodeID{Term: 5, UUID: [16]byte{1}}
	require.Equal(t, b, MaxNodeID(a, b))
	require.Equal(t, b, MaxNodeID(b, a))
}
