// Package wire implements the fixed-layout encodings crossing the
// primary<->proxy and proxy<->safekeeper boundaries (SPEC_FULL.md §6).
// All multi-byte integers are big-endian ("network byte order"), as
// mandated by the spec, except NodeID's term/uuid fields which travel
// between Go processes only and keep the same big-endian convention
// for symmetry with the rest of the wire.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/linux/projects/server/walproxy/internal/walpos"
)

// SKProtocolVersion is the handshake protocol version this build
// speaks. A peer advertising a different version is a fatal mismatch
// for that connection (SPEC_FULL.md §7).
const SKProtocolVersion = uint32(2)

// XLOGHdrSize is the padded length of the shutdown frame.
const XLOGHdrSize = 14

// Message type tags.
const (
	TagWalData   byte = 'w'
	TagKeepalive byte = 'k'
	TagFeedback  byte = 'r'
	TagShutdown  byte = 'q'
)

// WalFrameHeaderSize is the fixed header preceding a WAL record's
// payload, both from the primary and from the proxy to a safekeeper.
const WalFrameHeaderSize = 1 + 8 + 8 + 8 // tag + walStart + walEnd + sendTime

// EncodeWalFrame builds a 'w' frame with the given walStart/walEnd and
// payload. sendTime is a caller-supplied monotonic wall-clock stamp
// (microseconds since Unix epoch, matching the primary's convention).
func EncodeWalFrame(walStart, walEnd walpos.LSN, sendTime uint64, payload []byte) []byte {
	buf := make([]byte, WalFrameHeaderSize+len(payload))
	buf[0] = TagWalData
	binary.BigEndian.PutUint64(buf[1:9], uint64(walStart))
	binary.BigEndian.PutUint64(buf[9:17], uint64(walEnd))
	binary.BigEndian.PutUint64(buf[17:25], sendTime)
	copy(buf[25:], payload)
	return buf
}

// PatchWalEnd overwrites the walEnd field of an already-encoded 'w'
// frame in place. The proxy does this once per record before
// broadcast (SPEC_FULL.md §3, WalMessage invariant).
func PatchWalEnd(frame []byte, walEnd walpos.LSN) error {
	if len(frame) < WalFrameHeaderSize || frame[0] != TagWalData {
		return fmt.Errorf("wire: PatchWalEnd: not a wal frame")
	}
	binary.BigEndian.PutUint64(frame[9:17], uint64(walEnd))
	return nil
}

// WalFrame is a decoded 'w' record.
type WalFrame struct {
	WalStart walpos.LSN
	WalEnd   walpos.LSN
	SendTime uint64
	Payload  []byte
}

// DecodeWalFrame parses a 'w' frame produced by EncodeWalFrame.
func DecodeWalFrame(frame []byte) (WalFrame, error) {
	if len(frame) < WalFrameHeaderSize || frame[0] != TagWalData {
		return WalFrame{}, fmt.Errorf("wire: DecodeWalFrame: short or mistagged frame")
	}
	return WalFrame{
		WalStart: walpos.LSN(binary.BigEndian.Uint64(frame[1:9])),
		WalEnd:   walpos.LSN(binary.BigEndian.Uint64(frame[9:17])),
		SendTime: binary.BigEndian.Uint64(frame[17:25]),
		Payload:  frame[25:],
	}, nil
}

// KeepaliveFrameSize is the fixed size of a 'k' frame.
const KeepaliveFrameSize = 1 + 8 + 8 + 1

// DecodeKeepalive parses a 'k' frame. The proxy discards its contents
// once decoded (SPEC_FULL.md §4.3).
func DecodeKeepalive(frame []byte) (walEnd walpos.LSN, sendTime uint64, replyRequested bool, err error) {
	if len(frame) != KeepaliveFrameSize || frame[0] != TagKeepalive {
		return 0, 0, false, fmt.Errorf("wire: DecodeKeepalive: malformed frame")
	}
	walEnd = walpos.LSN(binary.BigEndian.Uint64(frame[1:9]))
	sendTime = binary.BigEndian.Uint64(frame[9:17])
	replyRequested = frame[17] != 0
	return
}

// FeedbackFrameSize is the fixed 34-byte size of a standby status
// update sent back to the primary (SPEC_FULL.md §4.4/§6).
const FeedbackFrameSize = 1 + 8 + 8 + 8 + 8 + 1

// EncodeFeedback builds the 'r' frame reporting flush progress to the
// primary. write/flush are set to the same quorum LSN; apply is always
// InvalidLSN because this system tracks no replay position.
func EncodeFeedback(write, flush, apply walpos.LSN, sendTime uint64, replyRequested bool) []byte {
	buf := make([]byte, FeedbackFrameSize)
	buf[0] = TagFeedback
	binary.BigEndian.PutUint64(buf[1:9], uint64(write))
	binary.BigEndian.PutUint64(buf[9:17], uint64(flush))
	binary.BigEndian.PutUint64(buf[17:25], uint64(apply))
	binary.BigEndian.PutUint64(buf[25:33], sendTime)
	if replyRequested {
		buf[33] = 1
	}
	return buf
}

// FeedbackFrame is a decoded 'r' frame (used by tests and by a
// safekeeper's diagnostic tooling).
type FeedbackFrame struct {
	Write, Flush, Apply walpos.LSN
	SendTime            uint64
	ReplyRequested      bool
}

// DecodeFeedback parses a feedback frame produced by EncodeFeedback.
func DecodeFeedback(frame []byte) (FeedbackFrame, error) {
	if len(frame) != FeedbackFrameSize || frame[0] != TagFeedback {
		return FeedbackFrame{}, fmt.Errorf("wire: DecodeFeedback: malformed frame")
	}
	return FeedbackFrame{
		Write:          walpos.LSN(binary.BigEndian.Uint64(frame[1:9])),
		Flush:          walpos.LSN(binary.BigEndian.Uint64(frame[9:17])),
		Apply:          walpos.LSN(binary.BigEndian.Uint64(frame[17:25])),
		SendTime:       binary.BigEndian.Uint64(frame[25:33]),
		ReplyRequested: frame[33] != 0,
	}, nil
}

// ServerInfoSize is the fixed wire size of a ServerInfo record.
const ServerInfoSize = 4 + 4 + 4 + 4 + 24 + 8

// ServerInfo is the handshake record the proxy sends to every
// safekeeper on connect (SPEC_FULL.md §3).
type ServerInfo struct {
	ProtocolVersion uint32
	PgVersion       uint32
	WalSegSize      uint32
	Timeline        uint32
	NodeID          walpos.NodeID
	WalEnd          walpos.LSN
}

// Encode serializes a ServerInfo to its fixed wire layout.
func (s ServerInfo) Encode() []byte {
	buf := make([]byte, ServerInfoSize)
	binary.BigEndian.PutUint32(buf[0:4], s.ProtocolVersion)
	binary.BigEndian.PutUint32(buf[4:8], s.PgVersion)
	binary.BigEndian.PutUint32(buf[8:12], s.WalSegSize)
	binary.BigEndian.PutUint32(buf[12:16], s.Timeline)
	binary.BigEndian.PutUint64(buf[16:24], s.NodeID.Term)
	copy(buf[24:40], s.NodeID.UUID[:])
	binary.BigEndian.PutUint64(buf[40:48], uint64(s.WalEnd))
	return buf
}

// DecodeServerInfo parses a ServerInfo wire record.
func DecodeServerInfo(buf []byte) (ServerInfo, error) {
	if len(buf) != ServerInfoSize {
		return ServerInfo{}, fmt.Errorf("wire: DecodeServerInfo: expected %d bytes, got %d", ServerInfoSize, len(buf))
	}
	var s ServerInfo
	s.ProtocolVersion = binary.BigEndian.Uint32(buf[0:4])
	s.PgVersion = binary.BigEndian.Uint32(buf[4:8])
	s.WalSegSize = binary.BigEndian.Uint32(buf[8:12])
	s.Timeline = binary.BigEndian.Uint32(buf[12:16])
	s.NodeID.Term = binary.BigEndian.Uint64(buf[16:24])
	copy(s.NodeID.UUID[:], buf[24:40])
	s.WalEnd = walpos.LSN(binary.BigEndian.Uint64(buf[40:48]))
	return s, nil
}

// SafekeeperInfoSize is the fixed wire size of a SafekeeperInfo record.
const SafekeeperInfoSize = ServerInfoSize + 8 + 8

// SafekeeperInfo is the handshake reply a safekeeper sends back to the
// proxy: an embedded ServerInfo-shaped block plus the safekeeper's own
// last-known walEnd and highest-seen term.
type SafekeeperInfo struct {
	Server       ServerInfo
	WalEnd       walpos.LSN
	HighestTerm  uint64
}

// Encode serializes a SafekeeperInfo to its fixed wire layout.
func (s SafekeeperInfo) Encode() []byte {
	buf := make([]byte, SafekeeperInfoSize)
	copy(buf[0:ServerInfoSize], s.Server.Encode())
	binary.BigEndian.PutUint64(buf[ServerInfoSize:ServerInfoSize+8], uint64(s.WalEnd))
	binary.BigEndian.PutUint64(buf[ServerInfoSize+8:ServerInfoSize+16], s.HighestTerm)
	return buf
}

// DecodeSafekeeperInfo parses a SafekeeperInfo wire record.
func DecodeSafekeeperInfo(buf []byte) (SafekeeperInfo, error) {
	if len(buf) != SafekeeperInfoSize {
		return SafekeeperInfo{}, fmt.Errorf("wire: DecodeSafekeeperInfo: expected %d bytes, got %d", SafekeeperInfoSize, len(buf))
	}
	server, err := DecodeServerInfo(buf[0:ServerInfoSize])
	if err != nil {
		return SafekeeperInfo{}, err
	}
	return SafekeeperInfo{
		Server:      server,
		WalEnd:      walpos.LSN(binary.BigEndian.Uint64(buf[ServerInfoSize : ServerInfoSize+8])),
		HighestTerm: binary.BigEndian.Uint64(buf[ServerInfoSize+8 : ServerInfoSize+16]),
	}, nil
}

// NodeIDWireSize is the fixed 24-byte encoding of a NodeID used for
// the post-quorum epoch proposal and its echo.
const NodeIDWireSize = 8 + 16

// EncodeNodeID serializes a NodeID to its 24-byte wire form.
func EncodeNodeID(n walpos.NodeID) []byte {
	buf := make([]byte, NodeIDWireSize)
	binary.BigEndian.PutUint64(buf[0:8], n.Term)
	copy(buf[8:24], n.UUID[:])
	return buf
}

// DecodeNodeID parses a 24-byte NodeID wire record.
func DecodeNodeID(buf []byte) (walpos.NodeID, error) {
	if len(buf) != NodeIDWireSize {
		return walpos.NodeID{}, fmt.Errorf("wire: DecodeNodeID: expected %d bytes, got %d", NodeIDWireSize, len(buf))
	}
	var n walpos.NodeID
	n.Term = binary.BigEndian.Uint64(buf[0:8])
	copy(n.UUID[:], buf[8:24])
	return n, nil
}

// AckPosSize is the wire size of the steady-state ack a safekeeper
// sends back for each WAL frame it stores.
const AckPosSize = 8

// EncodeAckPos serializes an ack position.
func EncodeAckPos(pos walpos.LSN) []byte {
	buf := make([]byte, AckPosSize)
	binary.BigEndian.PutUint64(buf, uint64(pos))
	return buf
}

// DecodeAckPos parses an 8-byte ack position.
func DecodeAckPos(buf []byte) (walpos.LSN, error) {
	if len(buf) != AckPosSize {
		return 0, fmt.Errorf("wire: DecodeAckPos: expected %d bytes, got %d", AckPosSize, len(buf))
	}
	return walpos.LSN(binary.BigEndian.Uint64(buf)), nil
}

// ShutdownFrame returns the single 'q' byte padded with zeroes to
// XLOGHdrSize, sent to every live peer when the proxy shuts down.
func ShutdownFrame() []byte {
	buf := make([]byte, XLOGHdrSize)
	buf[0] = TagShutdown
	return buf
}
