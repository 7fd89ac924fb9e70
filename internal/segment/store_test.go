package segment

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterRotatesOnSegmentBoundary(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, 1, 16)
	w, err := NewWriter(store, 0, 0)
	require.NoError(t, err)

	data := make([]byte, 20) // crosses the 16-byte boundary
	for i := range data {
		data[i] = byte(i)
	}
	rotated, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, rotated)
	require.NoError(t, w.Close())

	_, err = os.Stat(store.FinalPath(0))
	require.NoError(t, err, "segment 0 should be finalized (renamed off .partial) once rotated past")
	_, err = os.Stat(store.partialPath(1))
	require.NoError(t, err)
}

func TestOpenPrefersPartialThenFinal(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, 1, 16*1024*1024)

	w, err := NewWriter(store, 0, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	f, err := store.Open(0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	segNo, path, err := w.Finalize()
	require.NoError(t, err)
	require.Equal(t, uint64(0), segNo)

	f2, err := store.Open(0)
	require.NoError(t, err)
	require.NoError(t, f2.Close())
	require.FileExists(t, path)

	_, err = store.Open(99)
	require.Error(t, err)
}
