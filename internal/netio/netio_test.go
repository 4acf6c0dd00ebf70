package netio

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kaze-rt/kaze/internal/ioman"
	"github.com/kaze-rt/kaze/internal/netaddr"
	"github.com/kaze-rt/kaze/internal/sched"
)

func socketPair(t *testing.T) (a, b *Socket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return FromFd(fds[0]), FromFd(fds[1])
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestCooperativeReadWakesOnData(t *testing.T) {
	io := ioman.New(1, false, "coopread")
	defer io.Stop()

	a, b := socketPair(t)
	defer a.Close()

	var got atomic.Value
	io.Schedule(func() {
		buf := make([]byte, 16)
		n, err := a.Read(buf)
		if err != nil {
			got.Store("err:" + err.Error())
			return
		}
		got.Store(string(buf[:n]))
	}, sched.AnyWorker)

	time.Sleep(30 * time.Millisecond) // let the reader park
	if _, err := unix.Write(b.Fd(), []byte("ping")); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	if !waitFor(t, time.Second, func() bool { return got.Load() != nil }) {
		t.Fatalf("cooperative read never completed")
	}
	if s := got.Load().(string); s != "ping" {
		t.Fatalf("read %q, want %q", s, "ping")
	}
	b.Close()
}

func TestReadTimeout(t *testing.T) {
	io := ioman.New(1, false, "readtimeout")
	defer io.Stop()

	a, b := socketPair(t)
	defer b.Close()
	a.SetRecvTimeout(50)

	var dur atomic.Int64
	var gotErr atomic.Value
	start := time.Now()
	io.Schedule(func() {
		buf := make([]byte, 4)
		_, err := a.Read(buf)
		dur.Store(int64(time.Since(start) / time.Millisecond))
		gotErr.Store(err)
	}, sched.AnyWorker)

	if !waitFor(t, time.Second, func() bool { return gotErr.Load() != nil }) {
		t.Fatalf("read with timeout never returned")
	}
	if err := gotErr.Load().(error); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("read error = %v, want ErrTimedOut", err)
	}
	if ms := dur.Load(); ms < 40 || ms > 500 {
		t.Fatalf("timed out after %dms, want ~50", ms)
	}
	a.Close()
}

func TestPeerCloseReadsZero(t *testing.T) {
	io := ioman.New(1, false, "peerclose")
	defer io.Stop()

	a, b := socketPair(t)
	var done atomic.Bool
	var n atomic.Int64
	n.Store(-1)
	io.Schedule(func() {
		buf := make([]byte, 4)
		m, err := a.Read(buf)
		if err == nil {
			n.Store(int64(m))
		}
		done.Store(true)
	}, sched.AnyWorker)

	time.Sleep(30 * time.Millisecond)
	unix.Close(b.Fd())

	if !waitFor(t, time.Second, done.Load) {
		t.Fatalf("read did not observe peer close")
	}
	if n.Load() != 0 {
		t.Fatalf("read after peer close = %d, want 0", n.Load())
	}
	a.Close()
}

func TestConnectAndEcho(t *testing.T) {
	io := ioman.New(1, false, "connect")
	defer io.Stop()

	// Plain net.Listener echo peer.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		c.Write(buf[:n])
	}()

	addr, err := netaddr.Resolve(ln.Addr().String())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var result atomic.Value
	io.Schedule(func() {
		s, err := NewTCP()
		if err != nil {
			result.Store("err:" + err.Error())
			return
		}
		defer s.Close()
		if err := s.Connect(addr, 1000); err != nil {
			result.Store("err:" + err.Error())
			return
		}
		if _, err := s.Write([]byte("echo me")); err != nil {
			result.Store("err:" + err.Error())
			return
		}
		buf := make([]byte, 32)
		n, err := s.Read(buf)
		if err != nil {
			result.Store("err:" + err.Error())
			return
		}
		result.Store(string(buf[:n]))
	}, sched.AnyWorker)

	if !waitFor(t, 2*time.Second, func() bool { return result.Load() != nil }) {
		t.Fatalf("connect/echo round trip never finished")
	}
	if s := result.Load().(string); s != "echo me" {
		t.Fatalf("echo = %q", s)
	}
}
