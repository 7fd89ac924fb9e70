// Package skserver is the safekeeper side of the system: it accepts
// connections from the broadcast proxy (SPEC_FULL.md §4.2 handshake,
// §4.4 steady-state receive), persists WAL via internal/segment, and
// serves re-streamer clients (internal/restreamer).
package skserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/linux/projects/server/walproxy/internal/walpos"
)

// Timeline tracks one replicated timeline's local bookkeeping: the
// highest LSN durably stored and, for branched timelines, the point
// it forked from its parent.
type Timeline struct {
	ID               uint32
	CreatedAt        time.Time
	ParentLSN        walpos.LSN
	ParentTimelineID uint32
	LatestLSN        walpos.LSN
	mu               sync.RWMutex
}

// TimelineManager tracks every timeline this safekeeper serves.
type TimelineManager struct {
	timelines map[uint32]*Timeline
	mu        sync.RWMutex
}

// NewTimelineManager returns an empty TimelineManager.
func NewTimelineManager() *TimelineManager {
	return &TimelineManager{timelines: make(map[uint32]*Timeline)}
}

// CreateTimeline registers a new timeline, optionally branched from a
// parent at a given LSN.
func (tm *TimelineManager) CreateTimeline(id uint32, parentLSN walpos.LSN, parentID uint32) (*Timeline, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.timelines[id]; exists {
		return nil, fmt.Errorf("skserver: timeline %d already exists", id)
	}
	t := &Timeline{
		ID:               id,
		CreatedAt:        time.Now(),
		ParentLSN:        parentLSN,
		ParentTimelineID: parentID,
		LatestLSN:        parentLSN,
	}
	tm.timelines[id] = t
	return t, nil
}

// GetOrCreate returns the Timeline for id, creating an unbranched one
// rooted at LSN 0 if it doesn't exist yet. The proxy/safekeeper
// handshake doesn't pre-provision timelines, so the re-streamer and
// the WAL-receive path both call through here on first contact.
func (tm *TimelineManager) GetOrCreate(id uint32) *Timeline {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t, ok := tm.timelines[id]; ok {
		return t
	}
	t := &Timeline{ID: id, CreatedAt: time.Now()}
	tm.timelines[id] = t
	return t
}

// Get retrieves a timeline by ID.
func (tm *TimelineManager) Get(id uint32) (*Timeline, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, exists := tm.timelines[id]
	if !exists {
		return nil, fmt.Errorf("skserver: timeline %d not found", id)
	}
	return t, nil
}

// Advance bumps a timeline's LatestLSN if lsn is newer.
func (t *Timeline) Advance(lsn walpos.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lsn > t.LatestLSN {
		t.LatestLSN = lsn
	}
}

// Latest returns the timeline's current LatestLSN.
func (t *Timeline) Latest() walpos.LSN {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.LatestLSN
}

// List returns every known timeline.
func (tm *TimelineManager) List() []*Timeline {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*Timeline, 0, len(tm.timelines))
	for _, t := range tm.timelines {
		out = append(out, t)
	}
	return out
}

// Branch creates a new timeline forked from an existing one at atLSN.
func (tm *TimelineManager) Branch(newID, fromID uint32, atLSN walpos.LSN) (*Timeline, error) {
	tm.mu.RLock()
	_, exists := tm.timelines[fromID]
	tm.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("skserver: parent timeline %d not found", fromID)
	}
	return tm.CreateTimeline(newID, atLSN, fromID)
}
