package metadb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linux/projects/server/walproxy/internal/walpos"
)

func TestRecordAndRetrieveEpoch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.HighestEpoch(1)
	require.ErrorIs(t, err, ErrNotFound)

	id := walpos.NodeID{Term: 3, UUID: walpos.NewNodeUUID()}
	require.NoError(t, store.RecordEpoch(1, id))

	got, err := store.HighestEpoch(1)
	require.NoError(t, err)
	require.True(t, got.Equal(id))

	higher := walpos.NodeID{Term: 4, UUID: walpos.NewNodeUUID()}
	require.NoError(t, store.RecordEpoch(1, higher))
	got, err = store.HighestEpoch(1)
	require.NoError(t, err)
	require.True(t, got.Equal(higher))
}

func TestFlushLSNRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordEpoch(7, walpos.NodeID{Term: 1, UUID: walpos.NewNodeUUID()}))
	require.NoError(t, store.RecordFlushLSN(7, 1000))

	lsn, err := store.FlushLSN(7)
	require.NoError(t, err)
	require.Equal(t, walpos.LSN(1000), lsn)
}
