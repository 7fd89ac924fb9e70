//go:build linux

package asyncio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest bits for a registered fd, mirroring fd_set's read/write
// sets (SPEC_FULL.md §9, "fd_set readiness").
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

func (in Interest) toEvents() uint32 {
	var ev uint32
	if in&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if in&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Event reports what became ready for one fd.
type Event struct {
	Fd      int
	Read    bool
	Write   bool
	HangUp  bool
	ErrFlag bool
}

// Poller is a thin epoll wrapper giving the broadcast proxy its single
// readiness-poll-per-iteration call. It is deliberately minimal next
// to a general-purpose event loop framework: the proxy needs level-
// triggered read/write interest over a small, slowly-changing set of
// fds (one primary + up to 64 safekeepers), polled with an infinite
// timeout (SPEC_FULL.md §4.3).
type Poller struct {
	epfd int
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("asyncio: EpollCreate1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Add registers fd with the given interest. Level-triggered (the
// default) matches the spec's requirement for no edge-triggered
// semantics.
func (p *Poller) Add(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: interest.toEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("asyncio: EpollCtl ADD fd=%d: %w", fd, err)
	}
	return nil
}

// Modify changes the interest set for an already-registered fd. Used
// when a safekeeper session enters/leaves SEND_WAL (write interest is
// dropped once the write completes, per SPEC_FULL.md §4.3).
func (p *Poller) Modify(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: interest.toEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("asyncio: EpollCtl MOD fd=%d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd, e.g. on disconnect/reset.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("asyncio: EpollCtl DEL fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready, or
// indefinitely if timeoutMillis < 0 (the proxy always passes -1, per
// SPEC_FULL.md §4.3: "infinite timeout; all work is event-driven").
func (p *Poller) Wait(timeoutMillis int, out []Event) ([]Event, error) {
	raw := make([]unix.EpollEvent, cap(out))
	if len(raw) == 0 {
		raw = make([]unix.EpollEvent, 128)
	}
	n, err := unix.EpollWait(p.epfd, raw, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return out[:0], nil
		}
		return nil, fmt.Errorf("asyncio: EpollWait: %w", err)
	}
	out = out[:0]
	for i := 0; i < n; i++ {
		e := raw[i]
		out = append(out, Event{
			Fd:      int(e.Fd),
			Read:    e.Events&unix.EPOLLIN != 0,
			Write:   e.Events&unix.EPOLLOUT != 0,
			HangUp:  e.Events&unix.EPOLLHUP != 0,
			ErrFlag: e.Events&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}
