// Package sqlpool provides a fixed-size database connection pool for the
// server's request handlers, backed by the pure-Go sqlite driver. A channel
// of idle connections doubles as the counting semaphore; WithConn is
// the scoped acquire/release form.
package sqlpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kaze-rt/kaze/internal/logx"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("sqlpool: pool closed")

// Pool is a fixed-size set of database connections.
type Pool struct {
	db    *sql.DB
	conns chan *sql.Conn
	size  int
}

// Open creates a pool of size connections against the sqlite DSN.
func Open(dsn string, size int) (*Pool, error) {
	if size <= 0 {
		size = 8
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlpool: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(size)

	p := &Pool{db: db, conns: make(chan *sql.Conn, size), size: size}
	for i := 0; i < size; i++ {
		conn, err := db.Conn(context.Background())
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("sqlpool: warm connection %d: %w", i, err)
		}
		p.conns <- conn
	}
	logx.Logger().Info("sql pool opened", zap.String("dsn", dsn), zap.Int("size", size))
	return p, nil
}

// Get checks a connection out of the pool, blocking until one is free or
// the context ends.
func (p *Pool) Get(ctx context.Context) (*sql.Conn, error) {
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, ErrClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a connection to the pool.
func (p *Pool) Put(conn *sql.Conn) {
	if conn == nil {
		return
	}
	select {
	case p.conns <- conn:
	default:
		// Returned more than was taken; drop it.
		_ = conn.Close()
	}
}

// WithConn runs fn with a pooled connection, returning it afterwards.
func (p *Pool) WithConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// FreeCount returns the number of idle connections.
func (p *Pool) FreeCount() int { return len(p.conns) }

// Close drains and closes every connection, then the database handle.
func (p *Pool) Close() error {
	close(p.conns)
	for conn := range p.conns {
		_ = conn.Close()
	}
	err := p.db.Close()
	logx.Logger().Info("sql pool closed")
	return err
}
