package skserver

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/linux/projects/server/walproxy/internal/metadb"
	"github.com/linux/projects/server/walproxy/internal/segment"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/linux/projects/server/walproxy/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	archiver, err := segment.NewArchiver(segment.ArchiveConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { archiver.Close() })

	return NewServer(dir, 16<<20, meta, archiver)
}

// TestServeProxyHandshakeAndReceive drives Server.ServeProxy over a
// net.Pipe, playing the proxy's half of the handshake/vote/WAL-receive
// protocol directly against internal/wire, mirroring the
// socketPair-based style of internal/proxysession's tests.
func TestServeProxyHandshakeAndReceive(t *testing.T) {
	client, server := net.Pipe()
	srv := newTestServer(t)

	done := make(chan error, 1)
	go func() { done <- srv.ServeProxy(server) }()

	si := wire.ServerInfo{
		ProtocolVersion: wire.SKProtocolVersion,
		PgVersion:       150000,
		WalSegSize:      16 << 20,
		Timeline:        1,
		NodeID:          walpos.NodeID{Term: 0, UUID: walpos.NewNodeUUID()},
		WalEnd:          0,
	}
	_, err := client.Write(si.Encode())
	require.NoError(t, err)

	reply := make([]byte, wire.SafekeeperInfoSize)
	_, err = readFullConn(client, reply)
	require.NoError(t, err)
	skInfo, err := wire.DecodeSafekeeperInfo(reply)
	require.NoError(t, err)
	require.Equal(t, uint64(0), skInfo.HighestTerm)

	proposed := walpos.NodeID{Term: 1, UUID: si.NodeID.UUID}
	_, err = client.Write(wire.EncodeNodeID(proposed))
	require.NoError(t, err)

	echoed := make([]byte, wire.NodeIDWireSize)
	_, err = readFullConn(client, echoed)
	require.NoError(t, err)
	accepted, err := wire.DecodeNodeID(echoed)
	require.NoError(t, err)
	require.True(t, accepted.Equal(proposed))

	payload := []byte("0123456789")
	frame := wire.EncodeWalFrame(0, walpos.LSN(len(payload)), uint64(time.Now().UnixMicro()), payload)
	_, err = client.Write(frame)
	require.NoError(t, err)

	ack := make([]byte, wire.AckPosSize)
	_, err = readFullConn(client, ack)
	require.NoError(t, err)
	ackPos, err := wire.DecodeAckPos(ack)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(len(payload)), ackPos)

	_, err = client.Write(wire.ShutdownFrame())
	require.NoError(t, err)
	client.Close()

	require.NoError(t, <-done)

	tl, err := srv.Timelines.Get(1)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(len(payload)), tl.Latest())
}

// TestServeProxyRejectsStaleEpoch exercises the epoch-rejection path:
// a second proxy proposing a term at or below one already recorded
// must be echoed the recorded term instead, per §4.2/E5.
func TestServeProxyRejectsStaleEpoch(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Meta.RecordEpoch(1, walpos.NodeID{Term: 9, UUID: walpos.NewNodeUUID()}))

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeProxy(server) }()

	si := wire.ServerInfo{
		ProtocolVersion: wire.SKProtocolVersion,
		PgVersion:       150000,
		WalSegSize:      16 << 20,
		Timeline:        1,
		NodeID:          walpos.NodeID{Term: 0, UUID: walpos.NewNodeUUID()},
	}
	_, err := client.Write(si.Encode())
	require.NoError(t, err)

	reply := make([]byte, wire.SafekeeperInfoSize)
	_, err = readFullConn(client, reply)
	require.NoError(t, err)

	stale := walpos.NodeID{Term: 2, UUID: si.NodeID.UUID}
	_, err = client.Write(wire.EncodeNodeID(stale))
	require.NoError(t, err)

	echoed := make([]byte, wire.NodeIDWireSize)
	_, err = readFullConn(client, echoed)
	require.NoError(t, err)
	accepted, err := wire.DecodeNodeID(echoed)
	require.NoError(t, err)
	require.Equal(t, uint64(9), accepted.Term)
	require.False(t, accepted.Equal(stale))

	client.Close()
	require.Error(t, <-done)
}

// TestServeProxyAcceptsReconnectWithSameEpoch exercises the E3 peer
// reconnect path: a proxy re-presents the exact epoch (term and uuid)
// it already had accepted and persisted. Since a proxy's proposedEpoch
// is fixed for its whole process lifetime, every reconnect after
// quorum establishment looks like this, and it must succeed
// transparently rather than being treated as stale.
func TestServeProxyAcceptsReconnectWithSameEpoch(t *testing.T) {
	srv := newTestServer(t)
	proxyUUID := walpos.NewNodeUUID()
	require.NoError(t, srv.Meta.RecordEpoch(1, walpos.NodeID{Term: 4, UUID: proxyUUID}))

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeProxy(server) }()

	si := wire.ServerInfo{
		ProtocolVersion: wire.SKProtocolVersion,
		PgVersion:       150000,
		WalSegSize:      16 << 20,
		Timeline:        1,
		NodeID:          walpos.NodeID{Term: 0, UUID: proxyUUID},
	}
	_, err := client.Write(si.Encode())
	require.NoError(t, err)

	reply := make([]byte, wire.SafekeeperInfoSize)
	_, err = readFullConn(client, reply)
	require.NoError(t, err)

	reproposed := walpos.NodeID{Term: 4, UUID: proxyUUID}
	_, err = client.Write(wire.EncodeNodeID(reproposed))
	require.NoError(t, err)

	echoed := make([]byte, wire.NodeIDWireSize)
	_, err = readFullConn(client, echoed)
	require.NoError(t, err)
	accepted, err := wire.DecodeNodeID(echoed)
	require.NoError(t, err)
	require.True(t, accepted.Equal(reproposed))

	_, err = client.Write(wire.ShutdownFrame())
	require.NoError(t, err)
	client.Close()

	require.NoError(t, <-done)
}

func readFullConn(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
