package wire

import (
	"testing"

	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/stretchr/testify/require"
)

func TestWalFrameRoundTrip(t *testing.T) {
	frame := EncodeWalFrame(100, 0, 12345, []byte("payload-bytes"))
	require.NoError(t, PatchWalEnd(frame, 164))

	decoded, err := DecodeWalFrame(frame)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(100), decoded.WalStart)
	require.Equal(t, walpos.LSN(164), decoded.WalEnd)
	require.Equal(t, uint64(12345), decoded.SendTime)
	require.Equal(t, []byte("payload-bytes"), decoded.Payload)
}

func TestDecodeKeepalive(t *testing.T) {
	buf := make([]byte, KeepaliveFrameSize)
	buf[0] = TagKeepalive
	buf[17] = 1 // replyRequested

	walEnd, _, replyRequested, err := DecodeKeepalive(buf)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(0), walEnd)
	require.True(t, replyRequested)

	_, _, _, err = DecodeKeepalive(buf[:5])
	require.Error(t, err)
}

func TestFeedbackRoundTrip(t *testing.T) {
	frame := EncodeFeedback(164, 164, walpos.InvalidLSN, 99, false)
	require.Len(t, frame, FeedbackFrameSize)

	decoded, err := DecodeFeedback(frame)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(164), decoded.Write)
	require.Equal(t, walpos.LSN(164), decoded.Flush)
	require.Equal(t, walpos.InvalidLSN, decoded.Apply)
	require.False(t, decoded.ReplyRequested)
}

func TestServerInfoRoundTrip(t *testing.T) {
	si := ServerInfo{
		ProtocolVersion: SKProtocolVersion,
		PgVersion:       150000,
		WalSegSize:      16 << 20,
		Timeline:        1,
		NodeID:          walpos.NodeID{Term: 0, UUID: walpos.NewNodeUUID()},
		WalEnd:          1000,
	}
	buf := si.Encode()
	require.Len(t, buf, ServerInfoSize)

	decoded, err := DecodeServerInfo(buf)
	require.NoError(t, err)
	require.Equal(t, si, decoded)
}

func TestSafekeeperInfoRoundTrip(t *testing.T) {
	ski := SafekeeperInfo{
		Server: ServerInfo{
			ProtocolVersion: SKProtocolVersion,
			PgVersion:       150000,
			WalSegSize:      16 << 20,
			Timeline:        1,
			NodeID:          walpos.NodeID{Term: 3, UUID: walpos.NewNodeUUID()},
			WalEnd:          500,
		},
		WalEnd:      500,
		HighestTerm: 3,
	}
	buf := ski.Encode()
	require.Len(t, buf, SafekeeperInfoSize)

	decoded, err := DecodeSafekeeperInfo(buf)
	require.NoError(t, err)
	require.Equal(t, ski, decoded)
}

func TestNodeIDRoundTrip(t *testing.T) {
	n := walpos.NodeID{Term: 7, UUID: walpos.NewNodeUUID()}
	buf := EncodeNodeID(n)
	require.Len(t, buf, NodeIDWireSize)

	decoded, err := DecodeNodeID(buf)
	require.NoError(t, err)
	require.Equal(t, n, decoded)
}

func TestAckPosRoundTrip(t *testing.T) {
	buf := EncodeAckPos(42)
	decoded, err := DecodeAckPos(buf)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(42), decoded)
}

func TestShutdownFramePadding(t *testing.T) {
	buf := ShutdownFrame()
	require.Len(t, buf, XLOGHdrSize)
	require.Equal(t, TagShutdown, buf[0])
	for _, b := range buf[1:] {
		require.Zero(t, b)
	}
}

func TestParseStartReplication(t *testing.T) {
	lsn, timeline, ok := ParseStartReplication("START_REPLICATION 0/64 TIMELINE 1")
	require.True(t, ok)
	require.Equal(t, walpos.LSN(0x64), lsn)
	require.Equal(t, uint32(1), timeline)

	_, _, ok = ParseStartReplication("SELECT 1")
	require.False(t, ok)
}

func TestIsIdentifySystem(t *testing.T) {
	require.True(t, IsIdentifySystem("IDENTIFY_SYSTEM"))
	require.True(t, IsIdentifySystem("identify_system;"))
	require.False(t, IsIdentifySystem("START_REPLICATION 0/0 TIMELINE 1"))
}

func TestCopyDataWrapRoundTrip(t *testing.T) {
	walFrame := EncodeWalFrame(100, 164, 1, []byte("abc"))
	wrapped := WrapCopyData(walFrame)

	inner, err := UnwrapCopyData(wrapped)
	require.NoError(t, err)
	require.Equal(t, walFrame, inner)
}
