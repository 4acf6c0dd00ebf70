package tcpserver

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaze-rt/kaze/internal/ioman"
	"github.com/kaze-rt/kaze/internal/netaddr"
	"github.com/kaze-rt/kaze/internal/netio"
)

func TestEchoServer(t *testing.T) {
	io := ioman.New(2, false, "echo")
	defer io.Stop()

	var served atomic.Int64
	srv := New(io, "echo", func(client *netio.Socket, peer *netaddr.IPv4) {
		defer client.Close()
		buf := make([]byte, 256)
		for {
			n, err := client.Read(buf)
			if err != nil || n == 0 {
				return
			}
			if _, err := client.Write(buf[:n]); err != nil {
				return
			}
			served.Add(1)
		}
	})
	require.NoError(t, srv.Bind(netaddr.Loopback(0)))
	srv.Start()
	defer srv.Stop()

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, int64(1), served.Load())
}

func TestServerHandlesManyConnections(t *testing.T) {
	io := ioman.New(2, false, "many")
	defer io.Stop()

	srv := New(io, "many", func(client *netio.Socket, peer *netaddr.IPv4) {
		defer client.Close()
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		if err != nil || n == 0 {
			return
		}
		client.Write(buf[:n])
	})
	require.NoError(t, srv.Bind(netaddr.Loopback(0)))
	srv.Start()
	defer srv.Stop()

	for i := 0; i < 10; i++ {
		conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
		require.NoError(t, err)
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Write([]byte("x"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "x", string(buf[:n]))
		conn.Close()
	}
}

func TestStopUnblocksAccept(t *testing.T) {
	io := ioman.New(1, false, "stop")
	defer io.Stop()

	srv := New(io, "stop", func(client *netio.Socket, peer *netaddr.IPv4) {
		client.Close()
	})
	require.NoError(t, srv.Bind(netaddr.Loopback(0)))
	srv.Start()

	time.Sleep(30 * time.Millisecond) // accept fiber parks
	srv.Stop()

	// The manager can only stop once the pending accept registration is
	// gone; a hang here means Stop failed to cancel it.
	done := make(chan struct{})
	go func() {
		for io.Pending() != 0 {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pending events remained after Stop")
	}
}
