// Package asyncio provides the non-blocking socket primitives and the
// single readiness-poll-per-iteration multiplexer the broadcast proxy
// runs on (SPEC_FULL.md §4.3, §5). It operates on raw file
// descriptors rather than net.Conn because the spec requires a single
// explicit poll call per loop iteration with per-fd read/write
// interest — Go's net package hides its own poller underneath
// net.Conn and does not expose that control.
package asyncio

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Dial creates a non-blocking TCP socket and begins an asynchronous
// connect to host:port. established is true if the connection
// completed synchronously (common for loopback); otherwise the caller
// must wait for the fd to become writable and call CheckConnectError.
func Dial(host string, port int) (fd int, established bool, err error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return -1, false, err
	}

	fd, err = CreateSocket()
	if err != nil {
		return -1, false, err
	}

	addr := &unix.SockaddrInet4{Port: port}
	copy(addr.Addr[:], ip)

	err = unix.Connect(fd, addr)
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}
	unix.Close(fd)
	return -1, false, fmt.Errorf("asyncio: connect %s:%d: %w", host, port, err)
}

func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return out, fmt.Errorf("asyncio: resolve %q: %w", host, err)
		}
		ip = ips[0]
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("asyncio: %q does not resolve to IPv4", host)
	}
	copy(out[:], v4)
	return out, nil
}

// CreateSocket opens a non-blocking TCP socket with TCP_NODELAY set,
// matching utils.c's CreateSocket/SetSocketOptions.
func CreateSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("asyncio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("asyncio: setsockopt TCP_NODELAY: %w", err)
	}
	return fd, nil
}

// CheckConnectError reads SO_ERROR off fd, returning nil if the
// pending connect succeeded.
func CheckConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("asyncio: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Close closes fd, ignoring EBADF (already closed).
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	err := unix.Close(fd)
	if err != nil && err != unix.EBADF {
		return err
	}
	return nil
}

// TryRead attempts to fill buf[offset:] from fd. It returns the new
// offset and done=true once buf is completely filled. A transient
// EAGAIN/EWOULDBLOCK is reported as (offset, false, nil) so the caller
// yields back to the event loop with its asyncOffs preserved
// (SPEC_FULL.md §4.2, partial I/O).
func TryRead(fd int, buf []byte, offset int) (newOffset int, done bool, err error) {
	for offset < len(buf) {
		n, rerr := unix.Read(fd, buf[offset:])
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				return offset, false, nil
			}
			return offset, false, rerr
		}
		if n == 0 {
			return offset, false, fmt.Errorf("asyncio: TryRead: peer closed connection")
		}
		offset += n
	}
	return offset, true, nil
}

// TryWrite attempts to drain buf[offset:] to fd, looping the same way
// TryRead does on the receive side.
func TryWrite(fd int, buf []byte, offset int) (newOffset int, done bool, err error) {
	for offset < len(buf) {
		n, werr := unix.Write(fd, buf[offset:])
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
				return offset, false, nil
			}
			return offset, false, werr
		}
		offset += n
	}
	return offset, true, nil
}
