// Package tcpserver provides the listening-socket wrapper: an accept loop
// running as a scheduled fiber on the I/O manager, handing each connection
// to a handler task.
package tcpserver

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kaze-rt/kaze/internal/ioman"
	"github.com/kaze-rt/kaze/internal/logx"
	"github.com/kaze-rt/kaze/internal/netaddr"
	"github.com/kaze-rt/kaze/internal/netio"
	"github.com/kaze-rt/kaze/internal/sched"
)

// Handler processes one accepted connection. It runs as a scheduler task
// and may use the cooperative I/O primitives. Closing the client is the
// handler's responsibility.
type Handler func(client *netio.Socket, peer *netaddr.IPv4)

// Server accepts TCP connections on the I/O manager.
type Server struct {
	io      *ioman.IOManager
	name    string
	ln      *netio.Socket
	addr    *netaddr.IPv4
	handler Handler
	stopped atomic.Bool

	// RecvTimeoutMS is applied to every accepted connection; zero leaves
	// the fd without a receive timeout.
	RecvTimeoutMS uint64
}

// New creates a server dispatching onto io.
func New(io *ioman.IOManager, name string, h Handler) *Server {
	return &Server{io: io, name: name, handler: h}
}

// Bind creates the listening socket on addr.
func (s *Server) Bind(addr *netaddr.IPv4) error {
	ln, err := netio.NewTCP()
	if err != nil {
		return err
	}
	if err := ln.SetReuseAddr(); err != nil {
		ln.Close()
		return fmt.Errorf("tcpserver: reuseaddr: %w", err)
	}
	if err := ln.Bind(addr); err != nil {
		ln.Close()
		return err
	}
	if err := ln.Listen(0); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln
	s.addr = ln.LocalAddr()
	logx.Logger().Info("server bound", zap.String("name", s.name), zap.Stringer("addr", s.addr))
	return nil
}

// Addr returns the bound endpoint, valid after Bind.
func (s *Server) Addr() *netaddr.IPv4 { return s.addr }

// Start schedules the accept loop.
func (s *Server) Start() {
	if s.ln == nil {
		panic("tcpserver: start before bind")
	}
	s.io.Schedule(func() { s.acceptLoop() }, sched.AnyWorker)
}

// Stop closes the listener and wakes the accept loop. In-flight connection
// handlers run to completion.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.io.Schedule(func() {
		s.ln.Close() // cancels the pending accept and triggers its fiber
		logx.Logger().Info("server stopped", zap.String("name", s.name))
	}, sched.AnyWorker)
}

func (s *Server) acceptLoop() {
	for !s.stopped.Load() {
		client, peer, err := s.ln.Accept()
		if err != nil {
			if s.stopped.Load() {
				return
			}
			logx.Logger().Warn("accept failed", zap.String("name", s.name), zap.Error(err))
			continue
		}
		if s.RecvTimeoutMS != 0 {
			client.SetRecvTimeout(s.RecvTimeoutMS)
		}
		logx.Logger().Debug("connection accepted",
			zap.String("name", s.name), zap.Stringer("peer", peer))
		s.io.Schedule(func() { s.handler(client, peer) }, sched.AnyWorker)
	}
}
