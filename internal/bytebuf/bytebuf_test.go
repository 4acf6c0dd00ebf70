package bytebuf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAppendPeekRetrieve(t *testing.T) {
	b := New(16)
	b.AppendString("hello ")
	b.AppendString("world")
	assert.Equal(t, 11, b.ReadableBytes())
	assert.Equal(t, "hello world", string(b.Peek()))

	b.Retrieve(6)
	assert.Equal(t, "world", string(b.Peek()))
	assert.Equal(t, 6, b.PrependableBytes())

	assert.Equal(t, "world", b.RetrieveAllToString())
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestGrowth(t *testing.T) {
	b := New(8)
	big := strings.Repeat("x", 1000)
	b.AppendString(big)
	assert.Equal(t, big, string(b.Peek()))
}

func TestCompactionBeforeGrowth(t *testing.T) {
	b := New(16)
	b.AppendString("0123456789")
	b.Retrieve(8) // leaves "89", 8 prependable bytes
	b.AppendString("abcdefghij")
	assert.Equal(t, "89abcdefghij", string(b.Peek()))
}

func TestRetrieveUntil(t *testing.T) {
	b := New(64)
	b.AppendString("GET / HTTP/1.1\r\nHost: x\r\n")
	require.True(t, b.RetrieveUntil([]byte("\r\n")))
	assert.Equal(t, "Host: x\r\n", string(b.Peek()))
	assert.False(t, b.RetrieveUntil([]byte("zzz")))
}

func TestReadFdWriteFd(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	payload := strings.Repeat("abc", 100)
	_, err := unix.Write(p[1], []byte(payload))
	require.NoError(t, err)

	b := New(32) // smaller than the payload: exercises the spill page
	n, err := b.ReadFd(p[0])
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, string(b.Peek()))

	var q [2]int
	require.NoError(t, unix.Pipe(q[:]))
	defer unix.Close(q[0])
	defer unix.Close(q[1])

	_, err = b.WriteFd(q[1])
	require.NoError(t, err)
	out := make([]byte, len(payload)+1)
	m, err := unix.Read(q[0], out)
	require.NoError(t, err)
	assert.Equal(t, payload, string(out[:m]))
	assert.Equal(t, 0, b.ReadableBytes())
}
