package restreamer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierWakesOnAdvance(t *testing.T) {
	n := NewNotifier()
	done := make(chan walposLSNResult, 1)

	go func() {
		lsn, streaming := n.Wait(10)
		done <- walposLSNResult{lsn: uint64(lsn), streaming: streaming}
	}()

	time.Sleep(20 * time.Millisecond)
	n.NotifyWalSenders(20)

	select {
	case res := <-done:
		require.True(t, res.streaming)
		require.Equal(t, uint64(20), res.lsn)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after NotifyWalSenders")
	}
}

func TestNotifierWakesOnStop(t *testing.T) {
	n := NewNotifier()
	done := make(chan bool, 1)

	go func() {
		_, streaming := n.Wait(10)
		done <- streaming
	}()

	time.Sleep(20 * time.Millisecond)
	n.StopWalSenders()

	select {
	case streaming := <-done:
		require.False(t, streaming)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after StopWalSenders")
	}
}

type walposLSNResult struct {
	lsn       uint64
	streaming bool
}
