package walpos

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// NodeID is a one-shot epoch identifier: a term paired with a random
// UUID. It is used to claim write authority over a timeline for the
// lifetime of one proxy connection, not as input to a recurring
// election — see SPEC_FULL.md §9, "One-shot leader claim".
type NodeID struct {
	Term uint64
	UUID [16]byte
}

// NewNodeUUID generates a fresh random UUID for use as the uuid half
// of a NodeID. Term is left for the caller to set (0 at handshake,
// then bumped once by the proxy after quorum is reached).
func NewNodeUUID() [16]byte {
	var out [16]byte
	copy(out[:], uuid.New()[:])
	return out
}

// CompareNodeID gives a total order over NodeIDs: term first, then the
// UUID bytes lexicographically. This replaces a known bug in the
// source this system is modeled on, where the UUID comparison compared
// one node's UUID against itself instead of against the other node's.
func CompareNodeID(a, b NodeID) int {
	switch {
	case a.Term < b.Term:
		return -1
	case a.Term > b.Term:
		return 1
	}
	return bytes.Compare(a.UUID[:], b.UUID[:])
}

// MaxNodeID returns the greater of two NodeIDs under CompareNodeID.
func MaxNodeID(a, b NodeID) NodeID {
	if CompareNodeID(a, b) >= 0 {
		return a
	}
	return b
}

func (n NodeID) String() string {
	return fmt.Sprintf("term=%d uuid=%x", n.Term, n.UUID)
}

// Equal reports whether two NodeIDs are identical.
func (n NodeID) Equal(o NodeID) bool {
	return CompareNodeID(n, o) == 0
}
