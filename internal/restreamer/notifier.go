// Package restreamer implements the safekeeper-side WAL re-streamer
// of SPEC_FULL.md §4.5/§4.6: one blocking-I/O thread per downstream
// consumer, gated by a process-wide flush notifier.
package restreamer

import (
	"sync"

	"github.com/linux/projects/server/walproxy/internal/walpos"
)

// Notifier is the process-wide (mutex, condvar, flushLsn) triple of
// SPEC_FULL.md §4.6. NotifyWalSenders stores a new flush position and
// wakes every waiting sender; StopWalSenders wakes everyone and tells
// them to exit.
type Notifier struct {
	mu        sync.Mutex
	cond      *sync.Cond
	flushLsn  walpos.LSN
	streaming bool
}

// NewNotifier returns a Notifier with streaming enabled.
func NewNotifier() *Notifier {
	n := &Notifier{streaming: true}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// NotifyWalSenders records a new flush position (assumed monotone by
// the caller, matching the original's contract) and wakes every
// blocked sender.
func (n *Notifier) NotifyWalSenders(lsn walpos.LSN) {
	n.mu.Lock()
	n.flushLsn = lsn
	n.mu.Unlock()
	n.cond.Broadcast()
}

// StopWalSenders marks the notifier stopped and wakes every sender so
// it can observe shutdown and exit.
func (n *Notifier) StopWalSenders() {
	n.mu.Lock()
	n.streaming = false
	n.mu.Unlock()
	n.cond.Broadcast()
}

// Wait blocks until flushLsn has advanced past startpos or shutdown
// has been signalled. Returns the current flushLsn and whether
// streaming is still active.
func (n *Notifier) Wait(startpos walpos.LSN) (flushLsn walpos.LSN, streaming bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.flushLsn <= startpos && n.streaming {
		n.cond.Wait()
	}
	return n.flushLsn, n.streaming
}
