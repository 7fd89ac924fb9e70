package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/linux/projects/server/walproxy/internal/asyncio"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/linux/projects/server/walproxy/internal/wire"
	"golang.org/x/sys/unix"
)

// RawClient is a minimal PrimaryStream implementation that speaks the
// COPY-both framing of SPEC_FULL.md §6 directly over a non-blocking
// raw socket, without depending on any full libpq-style driver. It is
// the thin, concrete stand-in for the out-of-scope "transport library"
// named in SPEC_FULL.md §1: real deployments would swap this for an
// adapter over an actual replication client without touching
// internal/proxy.
type RawClient struct {
	fd      int
	pending []byte // bytes read but not yet enough to form a full frame
}

// DialRawClient opens a connection to a primary at host:port. The
// replication command itself is issued by a later call to
// StartReplication.
func DialRawClient(host string, port int) (*RawClient, error) {
	fd, established, err := asyncio.Dial(host, port)
	if err != nil {
		return nil, fmt.Errorf("transport: dial primary %s:%d: %w", host, port, err)
	}
	if !established {
		if err := asyncio.CheckConnectError(fd); err != nil {
			asyncio.Close(fd)
			return nil, fmt.Errorf("transport: connect primary %s:%d: %w", host, port, err)
		}
	}
	return &RawClient{fd: fd}, nil
}

// Fd implements PrimaryStream.
func (c *RawClient) Fd() int { return c.fd }

// StartReplication implements PrimaryStream. The actual command text
// is opaque to the proxy's core logic (SPEC_FULL.md §1); this client
// sends a simple textual START_REPLICATION command, matching the
// query form parsed by internal/wire.ParseStartReplication on the
// safekeeper side of the system.
func (c *RawClient) StartReplication(startpos walpos.LSN, timeline uint32) error {
	cmd := fmt.Sprintf("START_REPLICATION %s TIMELINE %d", startpos, timeline)
	buf := []byte(cmd)
	off := 0
	for off < len(buf) {
		newOff, done, err := asyncio.TryWrite(c.fd, buf, off)
		if err != nil {
			return fmt.Errorf("transport: StartReplication: %w", err)
		}
		off = newOff
		if done {
			break
		}
	}
	return nil
}

// TryReadMessage implements PrimaryStream. The primary wraps every
// 'w'/'k' frame in a CopyData envelope ('d' + u32 length), exactly the
// framing PQgetCopyData unwraps in the real driver (SPEC_FULL.md §6,
// §7's PQgetCopyData==-1/-2 rows); this is the length-prefixing that
// lets a single non-blocking read be split across an arbitrary number
// of partial reads without ever mis-framing a record. Until a full
// envelope has arrived, TryReadMessage returns ok=false, err=nil, per
// the PrimaryStream contract.
func (c *RawClient) TryReadMessage() (bool, Message, error) {
	buf := make([]byte, 64*1024)
	for {
		n, rerr := unix.Read(c.fd, buf)
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				break
			}
			return false, Message{}, fmt.Errorf("%w: %v", ErrReadFailed, rerr)
		}
		if n == 0 {
			return false, Message{}, ErrStreamEnd
		}
		c.pending = append(c.pending, buf[:n]...)
		if n < len(buf) {
			break
		}
	}

	if len(c.pending) == 0 || c.pending[0] != 'd' {
		if len(c.pending) > 0 {
			return false, Message{}, fmt.Errorf("transport: unexpected frame tag 0x%02x", c.pending[0])
		}
		return false, Message{}, nil
	}
	if len(c.pending) < wire.CopyDataFrameHeaderSize {
		return false, Message{}, nil
	}
	declared := binary.BigEndian.Uint32(c.pending[1:5])
	total := 1 + int(declared)
	if len(c.pending) < total {
		return false, Message{}, nil
	}

	envelope := c.pending[:total]
	c.pending = append([]byte(nil), c.pending[total:]...)

	frame, err := wire.UnwrapCopyData(envelope)
	if err != nil {
		return false, Message{}, err
	}

	switch frame[0] {
	case wire.TagWalData:
		decoded, err := wire.DecodeWalFrame(frame)
		if err != nil {
			return false, Message{}, err
		}
		msg := Message{Tag: wire.TagWalData, WalStart: decoded.WalStart, WalEnd: decoded.WalEnd, SendTime: decoded.SendTime, Payload: frame}
		return true, msg, nil
	case wire.TagKeepalive:
		if len(frame) < wire.KeepaliveFrameSize {
			return false, Message{}, fmt.Errorf("transport: truncated keepalive frame")
		}
		walEnd, sendTime, _, err := wire.DecodeKeepalive(frame[:wire.KeepaliveFrameSize])
		if err != nil {
			return false, Message{}, err
		}
		msg := Message{Tag: wire.TagKeepalive, WalEnd: walEnd, SendTime: sendTime}
		return true, msg, nil
	default:
		return false, Message{}, fmt.Errorf("transport: unexpected frame tag 0x%02x", frame[0])
	}
}

// SendFeedback implements PrimaryStream.
func (c *RawClient) SendFeedback(frame []byte) error {
	off := 0
	for off < len(frame) {
		newOff, done, err := asyncio.TryWrite(c.fd, frame, off)
		if err != nil {
			return fmt.Errorf("transport: send feedback: %w", err)
		}
		off = newOff
		if done {
			break
		}
	}
	return nil
}

// Close implements PrimaryStream.
func (c *RawClient) Close() error {
	return asyncio.Close(c.fd)
}
