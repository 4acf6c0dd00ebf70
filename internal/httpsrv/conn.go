package httpsrv

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kaze-rt/kaze/internal/bytebuf"
	"github.com/kaze-rt/kaze/internal/logx"
	"github.com/kaze-rt/kaze/internal/netaddr"
	"github.com/kaze-rt/kaze/internal/netio"
)

// connCount tracks live HTTP connections across the process.
var connCount atomic.Int64

// ConnCount returns the number of live HTTP connections.
func ConnCount() int64 { return connCount.Load() }

// Conn drives one HTTP connection: cooperative reads into the parse buffer,
// response assembly, cooperative writes, keep-alive looping.
type Conn struct {
	sock     *netio.Socket
	peer     *netaddr.IPv4
	docRoot  string
	readBuf  *bytebuf.Buffer
	writeBuf *bytebuf.Buffer
}

// NewConn wraps an accepted socket.
func NewConn(sock *netio.Socket, peer *netaddr.IPv4, docRoot string) *Conn {
	connCount.Add(1)
	return &Conn{
		sock:     sock,
		peer:     peer,
		docRoot:  docRoot,
		readBuf:  bytebuf.New(2048),
		writeBuf: bytebuf.New(2048),
	}
}

// Serve runs the request/response loop until the peer closes, an error
// occurs, or the request asks to close. It runs inside a scheduler task.
func (c *Conn) Serve() {
	defer func() {
		connCount.Add(-1)
		c.sock.Close()
	}()

	for {
		req, err := c.readRequest()
		if err != nil {
			if err != errConnDone {
				logx.Logger().Debug("request read failed",
					zap.Stringer("peer", c.peer), zap.Error(err))
				c.respond(nil, false, 400)
			}
			return
		}

		keepAlive := req.IsKeepAlive()
		c.respond(req, keepAlive, 0)
		if !keepAlive {
			return
		}
	}
}

// errConnDone marks a cleanly closed or timed-out connection with no
// partial request to answer.
var errConnDone = errConnDoneType{}

type errConnDoneType struct{}

func (errConnDoneType) Error() string { return "connection done" }

// readRequest pulls bytes until one full request has been parsed.
func (c *Conn) readRequest() (*Request, error) {
	req := NewRequest()
	for {
		if c.readBuf.ReadableBytes() > 0 {
			done, err := req.Parse(c.readBuf)
			if err != nil {
				return nil, err
			}
			if done {
				return req, nil
			}
		}
		n, err := c.sock.ReadBuf(c.readBuf)
		if err != nil || n == 0 {
			return nil, errConnDone
		}
	}
}

// respond builds and flushes one response. forceCode > 0 overrides the
// filesystem lookup (parse failures answer 400).
func (c *Conn) respond(req *Request, keepAlive bool, forceCode int) {
	var resp Response
	reqPath := "/"
	if req != nil {
		reqPath = req.Path
	}
	resp.Init(c.docRoot, reqPath, keepAlive, forceCode)
	resp.Make(c.writeBuf)

	for c.writeBuf.ReadableBytes() > 0 {
		if _, err := c.sock.WriteBuf(c.writeBuf); err != nil {
			logx.Logger().Debug("response write failed",
				zap.Stringer("peer", c.peer), zap.Error(err))
			c.writeBuf.RetrieveAll()
			return
		}
	}
}
