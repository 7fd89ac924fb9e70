//go:build linux

package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/linux/projects/server/walproxy/internal/transport"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/linux/projects/server/walproxy/internal/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeSKDialer hands the proxy one half of a fresh unix socketpair per
// dial and publishes the other half so the test can play the
// safekeeper's role, mirroring the socketpair style of
// internal/proxysession's tests.
type fakeSKDialer struct {
	serverFDs chan int
}

func newFakeSKDialer(t *testing.T) *fakeSKDialer {
	return &fakeSKDialer{serverFDs: make(chan int, 8)}
}

func (d *fakeSKDialer) dial(host string, port int) (int, bool, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, false, err
	}
	d.serverFDs <- fds[1]
	return fds[0], true, nil
}

func readExact(t *testing.T, fd int, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	off := 0
	for off < n {
		k, err := unix.Read(fd, buf[off:])
		if err == unix.EAGAIN {
			continue
		}
		require.NoError(t, err)
		off += k
	}
	return buf
}

func writeExact(t *testing.T, fd int, buf []byte) {
	t.Helper()
	off := 0
	for off < len(buf) {
		k, err := unix.Write(fd, buf[off:])
		if err == unix.EAGAIN {
			continue
		}
		require.NoError(t, err)
		off += k
	}
}

// fakePrimary stands in for the real WAL source over a loopback TCP
// connection, matching internal/asyncio's real-socket test style
// rather than a hand-rolled in-memory double. It exercises the
// production transport.RawClient on the proxy side, including its
// CopyData framing.
type fakePrimary struct {
	ln    net.Listener
	port  int
	conns chan net.Conn
}

func newFakePrimary(t *testing.T) *fakePrimary {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	fp := &fakePrimary{ln: ln, port: ln.Addr().(*net.TCPAddr).Port, conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			fp.conns <- conn
		}
	}()
	return fp
}

func (fp *fakePrimary) newPrimaryFunc() NewPrimaryFunc {
	return func() (transport.PrimaryStream, error) {
		return transport.DialRawClient("127.0.0.1", fp.port)
	}
}

func (fp *fakePrimary) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-fp.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("fake primary: timed out waiting for proxy to connect")
		return nil
	}
}

func testConfig(quorum int, n int) Config {
	addrs := make([]SafekeeperAddr, n)
	for i := range addrs {
		addrs[i] = SafekeeperAddr{Host: "sk", Port: 0}
	}
	return Config{
		Safekeepers: addrs,
		Quorum:      quorum,
		WalSegSize:  16 << 20,
		Timeline:    1,
		PgVersion:   150000,
	}
}

// playHandshakeAndVote drains the ServerInfo the proxy just sent,
// replies with a fresh SafekeeperInfo, then reads back the proposed
// epoch and echoes it as accepted. Returns the proposed epoch so
// callers can reuse it (E3's reconnect re-presents the same value).
func playHandshakeAndVote(t *testing.T, fd int) walpos.NodeID {
	t.Helper()
	siBuf := readExact(t, fd, wire.ServerInfoSize)
	si, err := wire.DecodeServerInfo(siBuf)
	require.NoError(t, err)

	skInfo := wire.SafekeeperInfo{
		Server: wire.ServerInfo{
			ProtocolVersion: wire.SKProtocolVersion,
			PgVersion:       si.PgVersion,
			WalSegSize:      si.WalSegSize,
			Timeline:        si.Timeline,
			NodeID:          walpos.NodeID{Term: 0, UUID: walpos.NewNodeUUID()},
			WalEnd:          0,
		},
		WalEnd:      0,
		HighestTerm: 0,
	}
	writeExact(t, fd, skInfo.Encode())

	propBuf := readExact(t, fd, wire.NodeIDWireSize)
	proposed, err := wire.DecodeNodeID(propBuf)
	require.NoError(t, err)
	writeExact(t, fd, wire.EncodeNodeID(proposed))
	return proposed
}

// TestLoopHappyPathQuorumAndBroadcast exercises E1: a single
// safekeeper reaching quorum, the primary's WAL record being relayed
// with its walEnd corrected in flight, the ack driving quorum
// feedback back to the primary, and a clean shutdown once the primary
// stream ends.
func TestLoopHappyPathQuorumAndBroadcast(t *testing.T) {
	d := newFakeSKDialer(t)
	fp := newFakePrimary(t)

	p, err := New(testConfig(1, 1), d.dial, fp.newPrimaryFunc())
	require.NoError(t, err)
	require.NoError(t, p.Start())

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run() }()

	skFd := <-d.serverFDs
	proposed := playHandshakeAndVote(t, skFd)
	require.Equal(t, uint64(1), proposed.Term)

	primaryConn := fp.accept(t)
	cmdBuf := make([]byte, 256)
	n, err := primaryConn.Read(cmdBuf)
	require.NoError(t, err)
	require.Contains(t, string(cmdBuf[:n]), "START_REPLICATION")

	payload := []byte("0123456789")
	// A deliberately wrong placeholder walEnd: the proxy must derive
	// the real value from the frame's byte length, not trust this.
	frame := wire.EncodeWalFrame(walpos.LSN(0), walpos.LSN(99999), uint64(time.Now().UnixMicro()), payload)
	_, err = primaryConn.Write(wire.WrapCopyData(frame))
	require.NoError(t, err)

	relayed := readExact(t, skFd, wire.WalFrameHeaderSize+len(payload))
	decoded, err := wire.DecodeWalFrame(relayed)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(len(payload)), decoded.WalEnd)

	writeExact(t, skFd, wire.EncodeAckPos(walpos.LSN(len(payload))))

	fbBuf := make([]byte, wire.FeedbackFrameSize)
	_, err = io.ReadFull(primaryConn, fbBuf)
	require.NoError(t, err)
	fb, err := wire.DecodeFeedback(fbBuf)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(len(payload)), fb.Flush)

	primaryConn.Close()

	shutdownFrame := readExact(t, skFd, wire.XLOGHdrSize)
	require.Equal(t, wire.TagShutdown, shutdownFrame[0])
	unix.Close(skFd)

	require.NoError(t, <-runErr)
}

// TestLoopPeerReconnectResumesWithoutAborting exercises E3: a peer
// disconnects mid-exchange (here, while the proxy is waiting on its
// ack), and the proxy must reset and replay the handshake/vote with
// the same already-proposed epoch rather than treating the loop as
// fatally broken.
func TestLoopPeerReconnectResumesWithoutAborting(t *testing.T) {
	d := newFakeSKDialer(t)
	fp := newFakePrimary(t)

	p, err := New(testConfig(1, 1), d.dial, fp.newPrimaryFunc())
	require.NoError(t, err)
	require.NoError(t, p.Start())

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run() }()

	skFd := <-d.serverFDs
	proposed := playHandshakeAndVote(t, skFd)

	primaryConn := fp.accept(t)
	cmdBuf := make([]byte, 256)
	_, err = primaryConn.Read(cmdBuf)
	require.NoError(t, err)

	payload := []byte("abcde")
	frame := wire.EncodeWalFrame(walpos.LSN(0), walpos.LSN(len(payload)), uint64(time.Now().UnixMicro()), payload)
	_, err = primaryConn.Write(wire.WrapCopyData(frame))
	require.NoError(t, err)

	_ = readExact(t, skFd, wire.WalFrameHeaderSize+len(payload))

	// Simulate a mid-send disconnect: drop the socket instead of
	// acking. The proxy's pending read for the ack observes EOF.
	unix.Close(skFd)

	skFd2 := <-d.serverFDs
	reproposed := playHandshakeAndVote(t, skFd2)
	require.True(t, reproposed.Equal(proposed), "reconnect must re-present the same epoch the proxy already proposed")

	select {
	case err := <-runErr:
		t.Fatalf("proxy aborted on reconnect instead of resuming: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// The un-acked message from before the disconnect is re-sent from
	// scratch to the reconnected peer (strict re-hand-off). Ack it so
	// the queue drains and the loop can shut down cleanly.
	resent := readExact(t, skFd2, wire.WalFrameHeaderSize+len(payload))
	decoded, err := wire.DecodeWalFrame(resent)
	require.NoError(t, err)
	writeExact(t, skFd2, wire.EncodeAckPos(decoded.WalEnd))

	primaryConn.Close()

	shutdownFrame := readExact(t, skFd2, wire.XLOGHdrSize)
	require.Equal(t, wire.TagShutdown, shutdownFrame[0])
	unix.Close(skFd2)

	require.NoError(t, <-runErr)
}

// TestLoopEpochRejectionIsFatal exercises E5: a safekeeper echoing
// back an epoch other than the one proposed must abort the whole
// proxy, since quorum agreement on the epoch can no longer be
// guaranteed.
func TestLoopEpochRejectionIsFatal(t *testing.T) {
	d := newFakeSKDialer(t)
	fp := newFakePrimary(t)

	p, err := New(testConfig(1, 1), d.dial, fp.newPrimaryFunc())
	require.NoError(t, err)
	require.NoError(t, p.Start())

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run() }()

	skFd := <-d.serverFDs
	siBuf := readExact(t, skFd, wire.ServerInfoSize)
	_, err = wire.DecodeServerInfo(siBuf)
	require.NoError(t, err)

	skInfo := wire.SafekeeperInfo{
		Server: wire.ServerInfo{
			ProtocolVersion: wire.SKProtocolVersion,
			PgVersion:       150000,
			WalSegSize:      16 << 20,
			Timeline:        1,
			NodeID:          walpos.NodeID{Term: 0, UUID: walpos.NewNodeUUID()},
		},
	}
	writeExact(t, skFd, skInfo.Encode())

	propBuf := readExact(t, skFd, wire.NodeIDWireSize)
	proposed, err := wire.DecodeNodeID(propBuf)
	require.NoError(t, err)

	rejected := walpos.NodeID{Term: proposed.Term, UUID: walpos.NewNodeUUID()}
	writeExact(t, skFd, wire.EncodeNodeID(rejected))

	err = <-runErr
	require.Error(t, err)
	require.Contains(t, err.Error(), "rejected")
}
