//go:build linux

package asyncio

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialAndTryReadWrite(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("pong!"))
	}()

	fd, established, err := Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer Close(fd)

	if !established {
		require.Eventually(t, func() bool {
			return CheckConnectError(fd) == nil
		}, time.Second, time.Millisecond)
	}

	out := []byte("hello")
	off := 0
	for {
		var done bool
		off, done, err = TryWrite(fd, out, off)
		require.NoError(t, err)
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	in := make([]byte, 5)
	off = 0
	for {
		var done bool
		off, done, err = TryRead(fd, in, off)
		require.NoError(t, err)
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, "pong!", string(in))

	<-serverDone
}

func TestPollerReadiness(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(10 * time.Millisecond)
		_, _ = conn.Write([]byte("x"))
	}()

	fd, _, err := Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer Close(fd)

	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Add(fd, InterestRead))

	events, err := p.Wait(-1, make([]Event, 0, 4))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, fd, events[0].Fd)
	require.True(t, events[0].Read)
	_ = strconv.Itoa(port)
}
