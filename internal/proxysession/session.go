// Package proxysession implements the per-safekeeper connection
// lifecycle described in SPEC_FULL.md §4.2: a small state machine
// driven by the broadcast event loop, one instance per configured
// safekeeper.
package proxysession

import (
	"fmt"

	"github.com/linux/projects/server/walproxy/internal/asyncio"
	"github.com/linux/projects/server/walproxy/internal/queue"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/linux/projects/server/walproxy/internal/wire"
)

// State is one state of the per-peer connection lifecycle.
type State int

const (
	Offline State = iota
	Connecting
	Handshake
	Vote
	WaitVerdict
	Idle
	SendWAL
	RecvAck
)

func (s State) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Connecting:
		return "CONNECTING"
	case Handshake:
		return "HANDSHAKE"
	case Vote:
		return "VOTE"
	case WaitVerdict:
		return "WAIT_VERDICT"
	case Idle:
		return "IDLE"
	case SendWAL:
		return "SEND_WAL"
	case RecvAck:
		return "RECV_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Dialer opens an asynchronous connection, matching asyncio.Dial's
// signature. It is a field rather than a hard dependency so tests can
// substitute an in-memory pair.
type Dialer func(host string, port int) (fd int, established bool, err error)

// Session is one safekeeper's connection state. Index is this peer's
// bit position in WalMessage.AckMask and in the proxy's quorum vote
// count.
type Session struct {
	Index int
	Host  string
	Port  int

	Fd        int
	State     State
	AsyncOffs int

	Info   wire.SafekeeperInfo
	AckPos walpos.LSN

	// CurrMsg is the message currently being sent (SendWAL/RecvAck) or
	// awaiting ack; canonical home for the per-peer in-flight pointer
	// (SPEC_FULL.md §9: no parallel "receivers" array).
	CurrMsg *queue.WalMessage

	handshakeIn []byte
	epochIn     []byte
	ackIn       []byte
}

// New creates an Offline session for host:port at the given peer
// index.
func New(index int, host string, port int) *Session {
	return &Session{Index: index, Host: host, Port: port, Fd: -1, State: Offline}
}

// Reset implements SPEC_FULL.md §4.2's reset(i): close the socket,
// return to Offline, then immediately attempt to reconnect. If the
// dial completes synchronously the session moves straight to
// Handshake and sends serverInfo; if it's pending it moves to
// Connecting; if it fails outright the session stays Offline for the
// next retry.
func (s *Session) Reset(dial Dialer, serverInfo wire.ServerInfo) error {
	asyncio.Close(s.Fd)
	s.Fd = -1
	s.State = Offline
	s.AsyncOffs = 0
	s.CurrMsg = nil
	s.handshakeIn = nil
	s.epochIn = nil
	s.ackIn = nil

	fd, established, err := dial(s.Host, s.Port)
	if err != nil {
		return nil // stays Offline; caller retries next iteration
	}
	s.Fd = fd
	if established {
		if err := s.beginHandshake(serverInfo); err != nil {
			asyncio.Close(s.Fd)
			s.Fd = -1
			s.State = Offline
		}
		return nil
	}
	s.State = Connecting
	return nil
}

// beginHandshake sends ServerInfo to the peer and moves to Handshake.
// The handshake record is small and fixed-size; like the source this
// is modeled on, it is written with a single blocking-style attempt
// and the session is reset if it doesn't fully go out (TCP send
// buffers make a short write on a fresh connection vanishingly rare).
func (s *Session) beginHandshake(serverInfo wire.ServerInfo) error {
	buf := serverInfo.Encode()
	off, done, err := asyncio.TryWrite(s.Fd, buf, 0)
	if err != nil || !done {
		if err == nil {
			err = fmt.Errorf("proxysession: short write of ServerInfo (%d/%d)", off, len(buf))
		}
		return err
	}
	s.State = Handshake
	s.AsyncOffs = 0
	s.handshakeIn = make([]byte, wire.SafekeeperInfoSize)
	return nil
}

// OnConnectingWritable handles the Connecting->Handshake/Offline
// transition once the socket becomes writable.
func (s *Session) OnConnectingWritable(serverInfo wire.ServerInfo) error {
	if s.State != Connecting {
		return fmt.Errorf("proxysession: OnConnectingWritable called in state %s", s.State)
	}
	if err := asyncio.CheckConnectError(s.Fd); err != nil {
		s.State = Offline
		return err
	}
	return s.beginHandshake(serverInfo)
}

// OnHandshakeReadable advances a partially-received SafekeeperInfo.
// Returns done=true once the full record has arrived and protocol
// version has been validated.
func (s *Session) OnHandshakeReadable(expectedProtocolVersion uint32) (done bool, err error) {
	if s.State != Handshake {
		return false, fmt.Errorf("proxysession: OnHandshakeReadable called in state %s", s.State)
	}
	newOff, complete, rerr := asyncio.TryRead(s.Fd, s.handshakeIn, s.AsyncOffs)
	s.AsyncOffs = newOff
	if rerr != nil {
		return false, rerr
	}
	if !complete {
		return false, nil
	}
	info, derr := wire.DecodeSafekeeperInfo(s.handshakeIn)
	if derr != nil {
		return false, derr
	}
	if info.Server.ProtocolVersion != expectedProtocolVersion {
		return false, fmt.Errorf("proxysession: protocol version mismatch: peer=%d want=%d",
			info.Server.ProtocolVersion, expectedProtocolVersion)
	}
	s.Info = info
	s.AckPos = info.WalEnd
	s.State = Vote
	s.AsyncOffs = 0
	return true, nil
}

// EnterWaitVerdict sends the proposed epoch to a peer sitting in Vote
// and moves it to WaitVerdict.
func (s *Session) EnterWaitVerdict(proposed walpos.NodeID) error {
	if s.State != Vote {
		return fmt.Errorf("proxysession: EnterWaitVerdict called in state %s", s.State)
	}
	buf := wire.EncodeNodeID(proposed)
	off, done, err := asyncio.TryWrite(s.Fd, buf, 0)
	if err != nil || !done {
		if err == nil {
			err = fmt.Errorf("proxysession: short write of proposed epoch (%d/%d)", off, len(buf))
		}
		return err
	}
	s.State = WaitVerdict
	s.AsyncOffs = 0
	s.epochIn = make([]byte, wire.NodeIDWireSize)
	return nil
}

// OnWaitVerdictReadable advances the echoed-epoch read. Returns
// done=true once the full 24-byte NodeID has arrived; accepted
// reports whether the peer echoed back the exact proposed epoch
// (false means the proxy must abort entirely, per SPEC_FULL.md §4.2).
func (s *Session) OnWaitVerdictReadable(proposed walpos.NodeID) (done bool, accepted bool, err error) {
	if s.State != WaitVerdict {
		return false, false, fmt.Errorf("proxysession: OnWaitVerdictReadable called in state %s", s.State)
	}
	newOff, complete, rerr := asyncio.TryRead(s.Fd, s.epochIn, s.AsyncOffs)
	s.AsyncOffs = newOff
	if rerr != nil {
		return false, false, rerr
	}
	if !complete {
		return false, false, nil
	}
	echoed, derr := wire.DecodeNodeID(s.epochIn)
	if derr != nil {
		return false, false, derr
	}
	s.State = Idle
	s.AsyncOffs = 0
	if !echoed.Equal(proposed) {
		return true, false, nil
	}
	return true, true, nil
}

// BeginSendWAL hands msg to the peer, transitioning Idle->SendWAL.
// This is the strict re-hand-off point: callers invoke it both when a
// fresh record arrives and whenever the peer returns to Idle with
// queued work remaining (SPEC_FULL.md §4.3 Pipelining).
func (s *Session) BeginSendWAL(msg *queue.WalMessage) error {
	if s.State != Idle {
		return fmt.Errorf("proxysession: BeginSendWAL called in state %s", s.State)
	}
	s.CurrMsg = msg
	s.AsyncOffs = 0
	s.State = SendWAL
	return nil
}

// ContinueSendWAL advances a partial write of CurrMsg.Data. Returns
// done=true once the whole message has gone out, at which point the
// session has already moved to RecvAck.
func (s *Session) ContinueSendWAL() (done bool, err error) {
	if s.State != SendWAL {
		return false, fmt.Errorf("proxysession: ContinueSendWAL called in state %s", s.State)
	}
	newOff, complete, werr := asyncio.TryWrite(s.Fd, s.CurrMsg.Data, s.AsyncOffs)
	s.AsyncOffs = newOff
	if werr != nil {
		return false, werr
	}
	if !complete {
		return false, nil
	}
	s.State = RecvAck
	s.AsyncOffs = 0
	s.ackIn = make([]byte, wire.AckPosSize)
	return true, nil
}

// OnRecvAckReadable advances the ack read. Returns done=true once the
// full 8-byte ackPos has arrived. It checks ackPos == walEnd(CurrMsg)
// before setting the peer's ack bit and clearing CurrMsg (the "currMsg"
// fix of SPEC_FULL.md §9); a mismatch is returned as an error.
func (s *Session) OnRecvAckReadable() (done bool, err error) {
	if s.State != RecvAck {
		return false, fmt.Errorf("proxysession: OnRecvAckReadable called in state %s", s.State)
	}
	newOff, complete, rerr := asyncio.TryRead(s.Fd, s.ackIn, s.AsyncOffs)
	s.AsyncOffs = newOff
	if rerr != nil {
		return false, rerr
	}
	if !complete {
		return false, nil
	}
	pos, derr := wire.DecodeAckPos(s.ackIn)
	if derr != nil {
		return false, derr
	}
	if pos != s.CurrMsg.WalEnd {
		return false, fmt.Errorf("proxysession: ack %s does not match in-flight message walEnd %s", pos, s.CurrMsg.WalEnd)
	}
	s.AckPos = pos
	s.CurrMsg.AckMask |= 1 << uint(s.Index)
	s.CurrMsg = nil
	s.State = Idle
	s.AsyncOffs = 0
	return true, nil
}

// Connected reports whether the session has an open socket.
func (s *Session) Connected() bool { return s.Fd >= 0 }
