package sqlpool

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	p, err := Open("file:"+t.Name()+"?mode=memory&cache=shared", size)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPoolRoundTrip(t *testing.T) {
	p := openTestPool(t, 2)
	assert.Equal(t, 2, p.FreeCount())

	ctx := context.Background()
	conn, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.FreeCount())

	p.Put(conn)
	assert.Equal(t, 2, p.FreeCount())
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	p := openTestPool(t, 1)
	ctx := context.Background()

	conn, err := p.Get(ctx)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Get(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Put(conn)
}

func TestWithConnQueries(t *testing.T) {
	p := openTestPool(t, 2)
	ctx := context.Background()

	err := p.WithConn(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, `CREATE TABLE visits (id INTEGER PRIMARY KEY, path TEXT)`)
		return err
	})
	require.NoError(t, err)

	err = p.WithConn(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, `INSERT INTO visits (path) VALUES (?), (?)`, "/a", "/b")
		return err
	})
	require.NoError(t, err)

	var count int
	err = p.WithConn(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits`).Scan(&count)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, p.FreeCount())
}

func TestGetAfterClose(t *testing.T) {
	p, err := Open("file:closecase?mode=memory&cache=shared", 1)
	require.NoError(t, err)
	p.Close()

	_, err = p.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
