package restreamer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/linux/projects/server/walproxy/internal/segment"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/linux/projects/server/walproxy/internal/wire"
)

// MaxSendSize caps the payload of a single emitted WAL frame, per
// SPEC_FULL.md §4.5's "sendSize = min(flushLsn - startpos, MAX_SEND_SIZE)".
const MaxSendSize = 8 * 1024 * 1024

// Sender drives one downstream consumer's connection end to end:
// startup handshake, IDENTIFY_SYSTEM/START_REPLICATION dispatch, then
// the steady-state copy-data loop gated by a Notifier. One goroutine
// per Sender, matching the teacher's one-thread-per-client model —
// only the concurrency primitive changes (goroutine, not pthread).
type Sender struct {
	conn      net.Conn
	store     *segment.Store
	notifier  *Notifier
	timeline  uint32
	sysID     uint64
	walSegSz  uint64
	startpos  walpos.LSN
	segNo     uint64
	segOffset uint64
	file      io.ReadSeekCloser
}

// NewSender constructs a Sender for a freshly-accepted connection.
func NewSender(conn net.Conn, store *segment.Store, notifier *Notifier, timeline uint32, sysID uint64, walSegSize uint64) *Sender {
	return &Sender{
		conn:     conn,
		store:    store,
		notifier: notifier,
		timeline: timeline,
		sysID:    sysID,
		walSegSz: walSegSize,
	}
}

// Run executes the full lifecycle of SPEC_FULL.md §4.5: handshake,
// command dispatch, then the steady-state send loop. It returns when
// the client disconnects, an unrecoverable I/O error occurs, or
// StopWalSenders is called.
func (s *Sender) Run() error {
	defer s.conn.Close()
	defer func() {
		if s.file != nil {
			s.file.Close()
		}
	}()

	r := bufio.NewReader(s.conn)
	if err := s.readStartupPacket(r); err != nil {
		return fmt.Errorf("restreamer: startup: %w", err)
	}
	if _, err := s.conn.Write(wire.ReadyForQuery()); err != nil {
		return fmt.Errorf("restreamer: ready-for-query: %w", err)
	}

	for {
		query, err := s.readQuery(r)
		if err != nil {
			return fmt.Errorf("restreamer: read query: %w", err)
		}
		if wire.IsIdentifySystem(query) {
			reply := wire.IdentifySystemReply(s.sysID, s.timeline, s.startpos)
			if _, err := s.conn.Write(reply); err != nil {
				return fmt.Errorf("restreamer: identify_system reply: %w", err)
			}
			continue
		}
		startLSN, timeline, ok := wire.ParseStartReplication(query)
		if !ok {
			return fmt.Errorf("restreamer: unrecognized query %q", query)
		}
		s.timeline = timeline
		s.startpos = startLSN.TruncateToSegment(s.walSegSz)
		s.segNo = uint64(s.startpos) / s.walSegSz
		s.segOffset = uint64(s.startpos) % s.walSegSz
		break
	}

	if _, err := s.conn.Write(wire.CopyBothResponse()); err != nil {
		return fmt.Errorf("restreamer: copy-both response: %w", err)
	}

	return s.steadyState()
}

func (s *Sender) readStartupPacket(r *bufio.Reader) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 4 {
		return fmt.Errorf("invalid startup packet length %d", n)
	}
	_, err := io.CopyN(io.Discard, r, int64(n-4))
	return err
}

func (s *Sender) readQuery(r *bufio.Reader) (string, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", err
	}
	if header[0] != 'Q' {
		return "", fmt.Errorf("unexpected message tag 0x%02x, want 'Q'", header[0])
	}
	n := binary.BigEndian.Uint32(header[1:5])
	if n < 4 {
		return "", fmt.Errorf("invalid query message length %d", n)
	}
	body := make([]byte, n-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", err
	}
	// drop the trailing NUL terminator if present
	for len(body) > 0 && body[len(body)-1] == 0 {
		body = body[:len(body)-1]
	}
	return string(body), nil
}

// steadyState is the loop of SPEC_FULL.md §4.5: wait for flushLsn to
// advance, drain feedback non-blockingly, then emit a bounded chunk
// from the current segment.
func (s *Sender) steadyState() error {
	for {
		flushLsn, streaming := s.notifier.Wait(s.startpos)
		if !streaming {
			return nil
		}
		if err := s.drainFeedback(); err != nil {
			return err
		}
		if err := s.ensureOpenSegment(); err != nil {
			return err
		}

		available := uint64(flushLsn) - uint64(s.startpos)
		sendSize := available
		if sendSize > MaxSendSize {
			sendSize = MaxSendSize
		}
		if left := s.walSegSz - s.segOffset; sendSize > left {
			sendSize = left
		}
		payload := make([]byte, sendSize)
		n, err := io.ReadFull(s.file, payload)
		if err != nil || uint64(n) != sendSize {
			return fmt.Errorf("restreamer: short read from segment %d: got %d want %d: %w", s.segNo, n, sendSize, err)
		}

		frame := wire.EncodeWalFrame(s.startpos, flushLsn, uint64(time.Now().UnixMicro()), payload)
		if _, err := s.conn.Write(wire.WrapCopyData(frame)); err != nil {
			return fmt.Errorf("restreamer: write copy-data: %w", err)
		}

		s.startpos += walpos.LSN(sendSize)
		s.segOffset += sendSize
		if s.segOffset == s.walSegSz {
			if err := s.file.Close(); err != nil {
				return err
			}
			s.file = nil
			s.segNo++
			s.segOffset = 0
		}
	}
}

func (s *Sender) ensureOpenSegment() error {
	if s.file != nil {
		return nil
	}
	f, err := s.store.Open(s.segNo)
	if err != nil {
		return fmt.Errorf("restreamer: %w", err)
	}
	if _, err := f.Seek(int64(s.segOffset), io.SeekStart); err != nil {
		f.Close()
		return err
	}
	s.file = f
	return nil
}

// drainFeedback non-blockingly consumes any replica feedback frames
// queued on the connection. Feedback from re-streamer clients is
// informational only in this system (the proxy, not the re-streamer,
// negotiates durability with the primary) so it is logged and discarded.
func (s *Sender) drainFeedback() error {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return nil // deadlines unsupported on this conn type; skip draining
	}
	defer s.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, wire.CopyDataFrameHeaderSize)
	for {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			return nil // no data ready, or client closed — either way stop draining
		}
		declared := binary.BigEndian.Uint32(buf[1:5])
		body := make([]byte, int(declared)-4)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			return nil
		}
		log.Printf("restreamer: drained %d-byte feedback frame", len(body))
	}
}
