package skserver

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/linux/projects/server/walproxy/internal/metadb"
	"github.com/linux/projects/server/walproxy/internal/restreamer"
	"github.com/linux/projects/server/walproxy/internal/segment"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/linux/projects/server/walproxy/internal/wire"
)

// Server is one safekeeper instance: it accepts connections from a
// broadcast proxy (one at a time, in practice — a second proxy only
// ever appears during a leader handover) and persists what it
// receives. Unlike the proxy's non-blocking, single-threaded event
// loop (internal/proxy), this side is a plain blocking goroutine per
// accepted connection: the spec's concurrency model (SPEC_FULL.md §5)
// only constrains the proxy and the re-streamer, leaving the
// safekeeper's receive path free to use ordinary per-connection
// goroutines.
type Server struct {
	DataDir    string
	WalSegSize uint64
	Meta       *metadb.Store
	Archiver   *segment.Archiver
	Timelines  *TimelineManager
	Notifiers  map[uint32]*restreamer.Notifier

	nodeUUID [16]byte
}

// NewServer builds a Server backed by the given data directory and
// metadata store. nodeUUID identifies this safekeeper in handshake replies.
func NewServer(dataDir string, walSegSize uint64, meta *metadb.Store, archiver *segment.Archiver) *Server {
	return &Server{
		DataDir:    dataDir,
		WalSegSize: walSegSize,
		Meta:       meta,
		Archiver:   archiver,
		Timelines:  NewTimelineManager(),
		Notifiers:  make(map[uint32]*restreamer.Notifier),
		nodeUUID:   walpos.NewNodeUUID(),
	}
}

// NotifierFor returns (creating if necessary) the flush notifier for a
// timeline, shared between the WAL-receive path and every re-streamer
// client of that timeline.
func (s *Server) NotifierFor(timeline uint32) *restreamer.Notifier {
	if n, ok := s.Notifiers[timeline]; ok {
		return n
	}
	n := restreamer.NewNotifier()
	s.Notifiers[timeline] = n
	return n
}

// ServeProxy handles one accepted proxy connection end to end: the
// ServerInfo/SafekeeperInfo handshake, the one-shot epoch vote, then
// the steady-state WAL receive loop (SPEC_FULL.md §4.2/§4.4, mirrored
// from the safekeeper's side).
func (s *Server) ServeProxy(conn net.Conn) error {
	defer conn.Close()

	serverInfo, err := s.readServerInfo(conn)
	if err != nil {
		return fmt.Errorf("skserver: handshake: %w", err)
	}
	if serverInfo.ProtocolVersion != wire.SKProtocolVersion {
		return fmt.Errorf("skserver: protocol mismatch: peer=%d local=%d", serverInfo.ProtocolVersion, wire.SKProtocolVersion)
	}

	timeline := s.Timelines.GetOrCreate(serverInfo.Timeline)
	store := segment.New(s.DataDir, serverInfo.Timeline, uint64(serverInfo.WalSegSize))

	highest := walpos.NodeID{}
	if epoch, err := s.Meta.HighestEpoch(serverInfo.Timeline); err == nil {
		highest = epoch
	} else if err != metadb.ErrNotFound {
		return fmt.Errorf("skserver: load epoch: %w", err)
	}

	reply := wire.SafekeeperInfo{
		Server: wire.ServerInfo{
			ProtocolVersion: wire.SKProtocolVersion,
			PgVersion:       serverInfo.PgVersion,
			WalSegSize:      serverInfo.WalSegSize,
			Timeline:        serverInfo.Timeline,
			NodeID:          walpos.NodeID{Term: highest.Term, UUID: s.nodeUUID},
			WalEnd:          timeline.Latest(),
		},
		WalEnd:      timeline.Latest(),
		HighestTerm: highest.Term,
	}
	if _, err := conn.Write(reply.Encode()); err != nil {
		return fmt.Errorf("skserver: send SafekeeperInfo: %w", err)
	}

	proposed, err := s.readNodeID(conn)
	if err != nil {
		return fmt.Errorf("skserver: read proposed epoch: %w", err)
	}
	// Echo back the epoch we accept. A proposal from the same contender
	// re-presenting its own already-recorded epoch (term and uuid both
	// match) is accepted transparently: this is the reconnect path a
	// proxy takes after a transient peer disconnect (SPEC_FULL.md E3),
	// and its proposedEpoch never changes across reconnects. Only a
	// genuinely lower term, or a different contender's equal term, is
	// refused by echoing the recorded epoch instead (the proxy then
	// aborts, per SPEC_FULL.md §7).
	accept := proposed
	switch {
	case proposed.Term > highest.Term:
		if err := s.Meta.RecordEpoch(serverInfo.Timeline, proposed); err != nil {
			return fmt.Errorf("skserver: record epoch: %w", err)
		}
	case proposed.Term == highest.Term && proposed.UUID == highest.UUID:
		// same contender reconnecting with its already-accepted epoch
	default:
		accept = highest
	}
	if _, err := conn.Write(wire.EncodeNodeID(accept)); err != nil {
		return fmt.Errorf("skserver: echo epoch: %w", err)
	}
	if !accept.Equal(proposed) {
		return fmt.Errorf("skserver: rejected proxy's proposed epoch %s, ours is %s", proposed, accept)
	}

	return s.receiveLoop(conn, store, timeline, serverInfo.Timeline)
}

func (s *Server) readServerInfo(conn net.Conn) (wire.ServerInfo, error) {
	buf := make([]byte, wire.ServerInfoSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return wire.ServerInfo{}, err
	}
	return wire.DecodeServerInfo(buf)
}

func (s *Server) readNodeID(conn net.Conn) (walpos.NodeID, error) {
	buf := make([]byte, wire.NodeIDWireSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return walpos.NodeID{}, err
	}
	return wire.DecodeNodeID(buf)
}

// receiveLoop reads 'w' WAL frames until the proxy closes the
// connection or sends the padded 'q' shutdown frame, appending each to
// the on-disk segment store and acking back the frame's walEnd.
func (s *Server) receiveLoop(conn net.Conn, store *segment.Store, timeline *Timeline, timelineID uint32) error {
	notifier := s.NotifierFor(timelineID)

	startOffset := uint64(timeline.Latest()) % s.WalSegSize
	segNo := uint64(timeline.Latest()) / s.WalSegSize
	writer, err := segment.NewWriter(store, segNo, startOffset)
	if err != nil {
		return fmt.Errorf("skserver: open segment writer: %w", err)
	}
	defer writer.Close()

	header := make([]byte, wire.WalFrameHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header[:wire.XLOGHdrSize]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("skserver: read frame header: %w", err)
		}
		if header[0] == wire.TagShutdown {
			return nil
		}
		if _, err := io.ReadFull(conn, header[wire.XLOGHdrSize:]); err != nil {
			return fmt.Errorf("skserver: read frame header: %w", err)
		}
		switch header[0] {
		case wire.TagShutdown:
			return nil
		case wire.TagWalData:
			frame, err := s.readWalFramePayload(conn, header, store, writer, timelineID)
			if err != nil {
				return err
			}
			timeline.Advance(frame.WalEnd)
			notifier.NotifyWalSenders(frame.WalEnd)
			if err := s.Meta.RecordFlushLSN(timelineID, frame.WalEnd); err != nil {
				log.Printf("skserver: record flush lsn: %v", err)
			}
			if _, err := conn.Write(wire.EncodeAckPos(frame.WalEnd)); err != nil {
				return fmt.Errorf("skserver: send ack: %w", err)
			}
		default:
			return fmt.Errorf("skserver: unexpected frame tag 0x%02x", header[0])
		}
	}
}

func (s *Server) readWalFramePayload(conn net.Conn, header []byte, store *segment.Store, writer *segment.Writer, timelineID uint32) (wire.WalFrame, error) {
	partial, err := wire.DecodeWalFrame(header)
	if err != nil {
		return wire.WalFrame{}, err
	}
	payloadLen := int(uint64(partial.WalEnd) - uint64(partial.WalStart))
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return wire.WalFrame{}, fmt.Errorf("skserver: read frame payload: %w", err)
	}

	rotated, err := writer.Write(payload)
	if err != nil {
		return wire.WalFrame{}, err
	}
	if s.Archiver != nil && s.Archiver.Enabled() {
		for _, closedSegNo := range rotated {
			path := store.FinalPath(closedSegNo)
			go func(segNo uint64, path string) {
				if err := s.Archiver.Upload(context.Background(), timelineID, segNo, path); err != nil {
					log.Printf("skserver: archive segment %d: %v", segNo, err)
				}
			}(closedSegNo, path)
		}
	}

	frame := wire.WalFrame{WalStart: partial.WalStart, WalEnd: partial.WalEnd, SendTime: uint64(time.Now().UnixMicro()), Payload: payload}
	return frame, nil
}
