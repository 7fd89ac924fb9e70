//go:build linux

package proxysession

import (
	"testing"

	"github.com/linux/projects/server/walproxy/internal/queue"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/linux/projects/server/walproxy/internal/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketPair returns two connected, non-blocking fds for simulating a
// proxy<->safekeeper connection without a real TCP dial.
func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func testServerInfo() wire.ServerInfo {
	return wire.ServerInfo{
		ProtocolVersion: wire.SKProtocolVersion,
		PgVersion:       150000,
		WalSegSize:      16 << 20,
		Timeline:        1,
		NodeID:          walpos.NodeID{Term: 0, UUID: walpos.NewNodeUUID()},
		WalEnd:          0,
	}
}

func TestSessionResetEstablishedGoesToHandshake(t *testing.T) {
	_, peer := socketPair(t)

	sess := New(0, "irrelevant", 0)
	dial := func(host string, port int) (int, bool, error) {
		fd, err := unix.Dup(peer)
		return fd, true, err
	}

	require.NoError(t, sess.Reset(dial, testServerInfo()))
	require.Equal(t, Handshake, sess.State)
}

func TestFullHandshakeVoteAndStream(t *testing.T) {
	proxyFd, skFd := socketPair(t)

	sess := New(0, "irrelevant", 0)
	dial := func(host string, port int) (int, bool, error) {
		fd, err := unix.Dup(proxyFd)
		return fd, true, err
	}
	si := testServerInfo()
	require.NoError(t, sess.Reset(dial, si))
	require.Equal(t, Handshake, sess.State)

	// Drain the ServerInfo the session just wrote, and reply with a
	// SafekeeperInfo.
	readExact(t, skFd, wire.ServerInfoSize)

	skInfo := wire.SafekeeperInfo{
		Server: wire.ServerInfo{
			ProtocolVersion: wire.SKProtocolVersion,
			PgVersion:       si.PgVersion,
			WalSegSize:      si.WalSegSize,
			Timeline:        si.Timeline,
			NodeID:          walpos.NodeID{Term: 5, UUID: walpos.NewNodeUUID()},
			WalEnd:          100,
		},
		WalEnd:      100,
		HighestTerm: 5,
	}
	writeExact(t, skFd, skInfo.Encode())

	done, err := sess.OnHandshakeReadable(wire.SKProtocolVersion)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, Vote, sess.State)
	require.Equal(t, walpos.LSN(100), sess.AckPos)

	proposed := walpos.NodeID{Term: 6, UUID: skInfo.Server.NodeID.UUID}
	require.NoError(t, sess.EnterWaitVerdict(proposed))
	require.Equal(t, WaitVerdict, sess.State)

	readExact(t, skFd, wire.NodeIDWireSize) // the proposal
	writeExact(t, skFd, wire.EncodeNodeID(proposed))

	done, accepted, err := sess.OnWaitVerdictReadable(proposed)
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, accepted)
	require.Equal(t, Idle, sess.State)

	// Hand off a WAL message and drive it to ack.
	q := queue.New(1)
	msg := q.Enqueue(wire.EncodeWalFrame(100, 164, 1, []byte("0123456789")), 100, 164)
	require.NoError(t, sess.BeginSendWAL(msg))
	require.Equal(t, SendWAL, sess.State)

	for {
		done, err := sess.ContinueSendWAL()
		require.NoError(t, err)
		if done {
			break
		}
	}
	require.Equal(t, RecvAck, sess.State)

	gotFrame := readExact(t, skFd, len(msg.Data))
	decoded, err := wire.DecodeWalFrame(gotFrame)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(164), decoded.WalEnd)

	writeExact(t, skFd, wire.EncodeAckPos(164))
	done, err = sess.OnRecvAckReadable()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, Idle, sess.State)
	require.Nil(t, sess.CurrMsg)
	require.True(t, msg.Acked(0))
}

func TestOnRecvAckMismatchIsRejected(t *testing.T) {
	proxyFd, skFd := socketPair(t)
	sess := New(0, "h", 1)
	sess.Fd = proxyFd
	sess.State = RecvAck
	sess.CurrMsg = &queue.WalMessage{WalEnd: 200}
	sess.ackIn = make([]byte, wire.AckPosSize)

	writeExact(t, skFd, wire.EncodeAckPos(100))
	_, err := sess.OnRecvAckReadable()
	require.Error(t, err)
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
