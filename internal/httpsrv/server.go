package httpsrv

import (
	"github.com/kaze-rt/kaze/internal/ioman"
	"github.com/kaze-rt/kaze/internal/netaddr"
	"github.com/kaze-rt/kaze/internal/netio"
	"github.com/kaze-rt/kaze/internal/tcpserver"
)

// Server is the static-file HTTP server: the TCP accept loop feeding each
// connection into the request/response drive loop.
type Server struct {
	*tcpserver.Server
	docRoot string
}

// NewServer creates an HTTP server dispatching onto io, serving files from
// docRoot.
func NewServer(io *ioman.IOManager, name, docRoot string) *Server {
	s := &Server{docRoot: docRoot}
	s.Server = tcpserver.New(io, name, func(client *netio.Socket, peer *netaddr.IPv4) {
		NewConn(client, peer, docRoot).Serve()
	})
	return s
}
