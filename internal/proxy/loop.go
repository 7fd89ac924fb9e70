// Package proxy implements the broadcast event loop described in
// SPEC_FULL.md §4.3: a single OS thread, single-threaded cooperative
// scheduling, one readiness poll per iteration.
//
// Per SPEC_FULL.md §9's design note ("Global singletons become
// configuration records"), every piece of mutable state the original
// program kept as file-scope globals lives here on one ProxyState
// value owned by the loop, instead of as package-level variables.
package proxy

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/linux/projects/server/walproxy/internal/asyncio"
	"github.com/linux/projects/server/walproxy/internal/proxysession"
	"github.com/linux/projects/server/walproxy/internal/queue"
	"github.com/linux/projects/server/walproxy/internal/transport"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/linux/projects/server/walproxy/internal/wire"
)

// ProxyState is the broadcast proxy's entire mutable state.
type ProxyState struct {
	cfg     Config
	poller  *asyncio.Poller
	dial    proxysession.Dialer
	primary transport.PrimaryStream

	sessions []*proxysession.Session
	queue    *queue.Queue

	maxNodeID     walpos.NodeID
	proposedEpoch walpos.NodeID
	nConnected    int
	nVotes        int
	epochProposed bool

	streaming  bool
	lastAckPos walpos.LSN

	nodeUUID [16]byte
}

// NewPrimary opens the primary connection. Factored out so callers
// can inject a test double; production callers use transport.DialRawClient.
type NewPrimaryFunc func() (transport.PrimaryStream, error)

// New builds a ProxyState for cfg, with every session Offline and
// unregistered. Call Run to start the loop.
func New(cfg Config, dial proxysession.Dialer, newPrimary NewPrimaryFunc) (*ProxyState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poller, err := asyncio.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	p := &ProxyState{
		cfg:      cfg,
		poller:   poller,
		dial:     dial,
		queue:    queue.New(len(cfg.Safekeepers)),
		nodeUUID: walpos.NewNodeUUID(),
	}
	for i, addr := range cfg.Safekeepers {
		p.sessions = append(p.sessions, proxysession.New(i, addr.Host, addr.Port))
	}
	// streaming stays true until the primary's stream ends, so Run keeps
	// polling through the handshake and vote phase.
	p.streaming = true
	if newPrimary != nil {
		primary, err := newPrimary()
		if err != nil {
			return nil, err
		}
		p.primary = primary
	}
	return p, nil
}

func (p *ProxyState) serverInfo() wire.ServerInfo {
	return wire.ServerInfo{
		ProtocolVersion: wire.SKProtocolVersion,
		PgVersion:       p.cfg.PgVersion,
		WalSegSize:      p.cfg.WalSegSize,
		Timeline:        p.cfg.Timeline,
		NodeID:          walpos.NodeID{Term: 0, UUID: p.nodeUUID},
		WalEnd:          0,
	}
}

// Start resets every session (attempting its first connection) and
// registers each resulting fd with the poller.
func (p *ProxyState) Start() error {
	for _, s := range p.sessions {
		if err := s.Reset(p.dial, p.serverInfo()); err != nil {
			return err
		}
		if s.Connected() {
			if err := p.poller.Add(s.Fd, interestForState(s.State)); err != nil {
				return err
			}
		}
	}
	return nil
}

func interestForState(st proxysession.State) asyncio.Interest {
	if st == proxysession.Connecting {
		return asyncio.InterestWrite
	}
	return asyncio.InterestRead
}

// Run drives the event loop until streaming has ended and the message
// queue is empty (SPEC_FULL.md §4.3, Loop termination).
func (p *ProxyState) Run() error {
	events := make([]asyncio.Event, 0, 128)
	for p.streaming || !p.queue.Empty() {
		for _, s := range p.sessions {
			if !s.Connected() {
				if err := p.resetPeer(s); err != nil {
					return err
				}
			}
		}
		var err error
		events, err = p.poller.Wait(-1, events)
		if err != nil {
			return fmt.Errorf("proxy: poll: %w", err)
		}
		for _, ev := range events {
			if p.primary != nil && ev.Fd == p.primary.Fd() {
				if err := p.handlePrimaryReadable(); err != nil {
					return err
				}
				continue
			}
			if err := p.handleSafekeeperEvent(ev); err != nil {
				return err
			}
		}
	}
	p.shutdown()
	return nil
}

func (p *ProxyState) sessionByFd(fd int) *proxysession.Session {
	for _, s := range p.sessions {
		if s.Fd == fd {
			return s
		}
	}
	return nil
}

func (p *ProxyState) handleSafekeeperEvent(ev asyncio.Event) error {
	s := p.sessionByFd(ev.Fd)
	if s == nil {
		return nil
	}
	if ev.Write && s.State == proxysession.Connecting {
		return p.onConnectingWritable(s)
	}
	if ev.Write && s.State == proxysession.SendWAL {
		return p.onSendWALWritable(s)
	}
	if ev.Read {
		return p.onSafekeeperReadable(s)
	}
	return nil
}

func (p *ProxyState) onConnectingWritable(s *proxysession.Session) error {
	if err := s.OnConnectingWritable(p.serverInfo()); err != nil {
		log.Printf("proxy: peer %d connect failed: %v", s.Index, err)
		return p.resetPeer(s)
	}
	return p.poller.Modify(s.Fd, interestForState(s.State))
}

func (p *ProxyState) onSafekeeperReadable(s *proxysession.Session) error {
	switch s.State {
	case proxysession.Handshake:
		done, err := s.OnHandshakeReadable(wire.SKProtocolVersion)
		if err != nil {
			log.Printf("proxy: peer %d handshake failed: %v", s.Index, err)
			return p.resetPeer(s)
		}
		if !done {
			return nil
		}
		p.maxNodeID = walpos.MaxNodeID(p.maxNodeID, s.Info.Server.NodeID)
		p.nConnected++
		if p.nConnected >= p.cfg.Quorum {
			return p.proposeEpochToVoters()
		}
		return nil

	case proxysession.WaitVerdict:
		done, accepted, err := s.OnWaitVerdictReadable(p.proposedEpoch)
		if err != nil {
			log.Printf("proxy: peer %d epoch exchange failed: %v", s.Index, err)
			return p.resetPeer(s)
		}
		if !done {
			return nil
		}
		if err := p.poller.Modify(s.Fd, asyncio.InterestRead); err != nil {
			return err
		}
		if !accepted {
			return fmt.Errorf("proxy: safekeeper %d rejected epoch %s: fatal", s.Index, p.proposedEpoch)
		}
		p.nVotes++
		if p.nVotes == p.cfg.Quorum {
			return p.beginStreaming()
		}
		return p.dispatchIfIdle(s)

	case proxysession.RecvAck:
		done, err := s.OnRecvAckReadable()
		if err != nil {
			log.Printf("proxy: peer %d ack failed: %v", s.Index, err)
			return p.resetPeer(s)
		}
		if !done {
			return nil
		}
		if err := p.poller.Modify(s.Fd, asyncio.InterestRead); err != nil {
			return err
		}
		if err := p.onAcked(s); err != nil {
			return err
		}
		return p.dispatchIfIdle(s)

	default:
		log.Printf("proxy: peer %d: unexpected readable event in state %s", s.Index, s.State)
		return p.resetPeer(s)
	}
}

func (p *ProxyState) onSendWALWritable(s *proxysession.Session) error {
	done, err := s.ContinueSendWAL()
	if err != nil {
		log.Printf("proxy: peer %d send failed: %v", s.Index, err)
		return p.resetPeer(s)
	}
	if !done {
		return nil
	}
	return p.poller.Modify(s.Fd, asyncio.InterestRead)
}

// proposeEpochToVoters implements the epoch/voting rule of
// SPEC_FULL.md §4.2: exactly once, when the Q-th peer completes its
// handshake, bump maxNodeID.term and broadcast it to every peer in Vote.
func (p *ProxyState) proposeEpochToVoters() error {
	if !p.epochProposed {
		p.epochProposed = true
		p.proposedEpoch = p.maxNodeID
		p.proposedEpoch.Term++
	}
	for _, s := range p.sessions {
		if s.State != proxysession.Vote {
			continue
		}
		if err := s.EnterWaitVerdict(p.proposedEpoch); err != nil {
			log.Printf("proxy: peer %d epoch proposal failed: %v", s.Index, err)
			if rerr := p.resetPeer(s); rerr != nil {
				return rerr
			}
			continue
		}
		if err := p.poller.Modify(s.Fd, asyncio.InterestRead); err != nil {
			return err
		}
	}
	return nil
}

// beginStreaming issues START_REPLICATION to the primary once Q peers
// have reached Idle (SPEC_FULL.md §4.2, "Streaming start").
func (p *ProxyState) beginStreaming() error {
	startpos := walpos.MaxLSN(p.quorumLSN(), p.highestHandshakeWalEnd())
	startpos = startpos.TruncateToSegment(uint64(p.cfg.WalSegSize))
	if err := p.primary.StartReplication(startpos, p.cfg.Timeline); err != nil {
		return fmt.Errorf("proxy: StartReplication: %w", err)
	}
	if err := p.poller.Add(p.primary.Fd(), asyncio.InterestRead); err != nil {
		return err
	}
	p.streaming = true
	return nil
}

func (p *ProxyState) highestHandshakeWalEnd() walpos.LSN {
	var max walpos.LSN
	for _, s := range p.sessions {
		max = walpos.MaxLSN(max, s.Info.WalEnd)
	}
	return max
}

// handlePrimaryReadable implements the primary-side half of
// SPEC_FULL.md §4.3's per-iteration logic.
func (p *ProxyState) handlePrimaryReadable() error {
	for {
		ok, msg, err := p.primary.TryReadMessage()
		if err != nil {
			if errors.Is(err, transport.ErrStreamEnd) {
				log.Printf("proxy: end of WAL stream reached")
			} else if errors.Is(err, transport.ErrReadFailed) {
				log.Printf("proxy: primary read failed: %v", err)
			} else {
				return err
			}
			p.poller.Remove(p.primary.Fd())
			p.primary.Close()
			p.streaming = false
			return nil
		}
		if !ok {
			return nil
		}
		switch msg.Tag {
		case wire.TagWalData:
			p.broadcastNewMessage(msg)
		case wire.TagKeepalive:
			// discarded, per SPEC_FULL.md §4.3
		}
	}
}

// broadcastNewMessage enqueues a freshly-arrived WAL record and hands
// it to every peer currently Idle. Per the WalMessage invariant
// (SPEC_FULL.md §3), the frame's walEnd field is patched to
// walStart+len(payload) before it ever reaches the queue, since that's
// the only length a downstream safekeeper has for framing the record.
func (p *ProxyState) broadcastNewMessage(msg transport.Message) {
	walEnd := msg.WalStart + walpos.LSN(len(msg.Payload)-wire.WalFrameHeaderSize)
	if err := wire.PatchWalEnd(msg.Payload, walEnd); err != nil {
		log.Printf("proxy: patch walEnd: %v", err)
		return
	}
	m := p.queue.Enqueue(msg.Payload, msg.WalStart, walEnd)
	for _, s := range p.sessions {
		if s.State == proxysession.Idle {
			p.handOff(s, m)
		}
	}
}

// dispatchIfIdle hands the oldest message s has not yet acked to s,
// implementing the strict re-hand-off-on-every-Idle-transition variant
// of SPEC_FULL.md §4.3.
func (p *ProxyState) dispatchIfIdle(s *proxysession.Session) error {
	if s.State != proxysession.Idle {
		return nil
	}
	next := p.queue.NextUnacked(s.Index)
	if next == nil {
		return nil
	}
	return p.handOffErr(s, next)
}

func (p *ProxyState) handOff(s *proxysession.Session, m *queue.WalMessage) {
	if err := p.handOffErr(s, m); err != nil {
		log.Printf("proxy: peer %d: %v", s.Index, err)
	}
}

func (p *ProxyState) handOffErr(s *proxysession.Session, m *queue.WalMessage) error {
	if err := s.BeginSendWAL(m); err != nil {
		return err
	}
	return p.poller.Modify(s.Fd, asyncio.InterestWrite)
}

// onAcked recomputes the quorum LSN after a peer's ack and sends
// feedback to the primary if it has advanced (SPEC_FULL.md §4.4).
func (p *ProxyState) onAcked(s *proxysession.Session) error {
	p.queue.MarkAcked(s.Index, s.AckPos)
	q := p.quorumLSN()
	if q > p.lastAckPos {
		p.lastAckPos = q
		frame := wire.EncodeFeedback(q, q, walpos.InvalidLSN, uint64(time.Now().UnixMicro()), false)
		if err := p.primary.SendFeedback(frame); err != nil {
			p.poller.Remove(p.primary.Fd())
			p.primary.Close()
			p.streaming = false
			return nil
		}
	}
	return nil
}

func (p *ProxyState) quorumLSN() walpos.LSN {
	acks := make([]walpos.LSN, len(p.sessions))
	for i, s := range p.sessions {
		acks[i] = s.AckPos
	}
	return queue.QuorumLSN(acks, p.cfg.Quorum)
}

// resetPeer resets a session after a transient I/O error and
// re-registers its fd, per SPEC_FULL.md §4.2 reset(i).
func (p *ProxyState) resetPeer(s *proxysession.Session) error {
	p.poller.Remove(s.Fd)
	if err := s.Reset(p.dial, p.serverInfo()); err != nil {
		return err
	}
	if s.Connected() {
		return p.poller.Add(s.Fd, interestForState(s.State))
	}
	return nil
}

// shutdown sends the padded 'q' frame to every live peer and closes
// all sockets, per SPEC_FULL.md §4.3's loop-termination rule.
func (p *ProxyState) shutdown() {
	frame := wire.ShutdownFrame()
	for _, s := range p.sessions {
		if !s.Connected() {
			continue
		}
		off := 0
		for off < len(frame) {
			newOff, done, err := asyncio.TryWrite(s.Fd, frame, off)
			if err != nil {
				break
			}
			off = newOff
			if done {
				break
			}
		}
		asyncio.Close(s.Fd)
	}
	p.poller.Close()
}
