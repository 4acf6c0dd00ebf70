// Package bytebuf implements the queue-style byte buffer used between the
// socket layer and the protocol parsers: a growable backing array with
// separate read and write cursors, plus scatter-read and write helpers that
// talk to a raw fd.
package bytebuf

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// Buffer is a FIFO byte buffer. The space before the read cursor is
// reclaimed when growth would otherwise be needed.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New creates a buffer with the given initial capacity.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1024
	}
	return &Buffer{buf: make([]byte, size)}
}

// ReadableBytes returns the number of unconsumed bytes.
func (b *Buffer) ReadableBytes() int { return b.writePos - b.readPos }

// WritableBytes returns the free space after the write cursor.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writePos }

// PrependableBytes returns the reclaimable space before the read cursor.
func (b *Buffer) PrependableBytes() int { return b.readPos }

// Peek returns the unconsumed bytes without moving the read cursor.
func (b *Buffer) Peek() []byte { return b.buf[b.readPos:b.writePos] }

// Retrieve consumes n bytes.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readPos += n
}

// RetrieveUntil consumes up to the first occurrence of sep, inclusive, and
// reports whether sep was found.
func (b *Buffer) RetrieveUntil(sep []byte) bool {
	i := bytes.Index(b.Peek(), sep)
	if i < 0 {
		return false
	}
	b.Retrieve(i + len(sep))
	return true
}

// RetrieveAll resets both cursors.
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllToString consumes everything and returns it as a string.
func (b *Buffer) RetrieveAllToString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append copies p after the write cursor, growing as needed.
func (b *Buffer) Append(p []byte) {
	b.ensureWritable(len(p))
	copy(b.buf[b.writePos:], p)
	b.writePos += len(p)
}

// AppendString copies s after the write cursor.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// ensureWritable makes room for n bytes, first compacting the prependable
// space, then growing the backing array.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+b.PrependableBytes() >= n {
		readable := b.ReadableBytes()
		copy(b.buf, b.buf[b.readPos:b.writePos])
		b.readPos = 0
		b.writePos = readable
		return
	}
	grown := make([]byte, b.writePos+n)
	copy(grown, b.buf[:b.writePos])
	b.buf = grown
}

// ReadFd fills the buffer from fd with a scatter read: the free tail of the
// buffer first, a stack spill page second, so a single call can pull more
// than the current capacity. Returns the byte count and the raw errno.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var spill [65536]byte
	iovs := [][]byte{b.buf[b.writePos:], spill[:]}
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return n, err
	}
	writable := b.WritableBytes()
	if n <= writable {
		b.writePos += n
	} else {
		b.writePos = len(b.buf)
		b.Append(spill[:n-writable])
	}
	return n, nil
}

// WriteFd drains the buffer into fd, advancing the read cursor by however
// much the kernel accepted.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return n, err
	}
	b.Retrieve(n)
	return n, nil
}
