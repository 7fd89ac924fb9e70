// Package transport defines the narrow facade the broadcast proxy
// uses to talk to the primary's replication stream (SPEC_FULL.md §1,
// "external-transport adapter"). The proxy's event loop depends only
// on this interface; swapping in a real libpq-based driver, a test
// double, or — as here — a minimal raw-socket client requires no
// change to internal/proxy.
package transport

import (
	"github.com/linux/projects/server/walproxy/internal/walpos"
)

// Message is one decoded frame read from the primary: either a WAL
// record ('w') or a keepalive ('k').
type Message struct {
	Tag      byte
	WalStart walpos.LSN
	WalEnd   walpos.LSN
	SendTime uint64
	Payload  []byte // raw encoded 'w' frame bytes, ready to broadcast (for Tag=='w')
}

// PrimaryStream is the narrow interface the broadcast proxy consumes.
// It deliberately exposes nothing about how the replication command
// was issued or how COPY framing is assembled underneath.
type PrimaryStream interface {
	// Fd returns the underlying file descriptor for poller
	// registration. Fd is only valid after StartReplication succeeds.
	Fd() int

	// StartReplication issues the replication command at startpos on
	// the given timeline and enters COPY-both mode.
	StartReplication(startpos walpos.LSN, timeline uint32) error

	// TryReadMessage attempts to assemble and return the next framed
	// message without blocking. ok=false, err=nil means "not enough
	// data yet, wait for the next readiness event". A returned error
	// distinguishes stream end (ErrStreamEnd) from a hard read failure
	// (ErrReadFailed), per SPEC_FULL.md §7.
	TryReadMessage() (ok bool, msg Message, err error)

	// SendFeedback writes an already-encoded 'r' feedback frame.
	SendFeedback(frame []byte) error

	// Close releases the connection.
	Close() error
}

// ErrStreamEnd indicates the primary ended the COPY stream cleanly
// (PQgetCopyData == -1 in the source this is modeled on).
var ErrStreamEnd = streamEndError{}

type streamEndError struct{}

func (streamEndError) Error() string { return "transport: primary stream ended" }

// ErrReadFailed indicates a hard read error from the primary
// (PQgetCopyData == -2 in the source this is modeled on); policy is
// to log and treat it the same as stream end (SPEC_FULL.md §7).
var ErrReadFailed = readFailedError{}

type readFailedError struct{}

func (readFailedError) Error() string { return "transport: primary read failed" }
