// Package buffer implements the growable byte queue used for connection
// input and output: bytes are appended at the tail and consumed from the
// head, with a small reserved area in front for cheap prepends.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0        <=    readerIndex   <=   writerIndex    <=   len(buf)
package buffer

import (
	"bytes"
	"io"
)

const (
	// CheapPrepend is the space kept in front of the readable bytes.
	CheapPrepend = 8
	// InitialSize is the writable capacity of a new Buffer.
	InitialSize = 1024
)

var crlf = []byte("\r\n")

// Buffer is not safe for concurrent use. Connection buffers are only touched
// on their event loop.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New returns a Buffer with InitialSize writable bytes.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize returns a Buffer with size writable bytes.
func NewSize(size int) *Buffer {
	return &Buffer{
		buf:         make([]byte, CheapPrepend+size),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

// ReadableBytes is the number of bytes waiting to be consumed.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes is the free space after the readable bytes.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes is the space in front of the readable bytes.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable bytes without consuming them. The slice aliases
// the buffer and is only valid until the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// FindCRLF returns the offset of the first "\r\n" in the readable bytes, or
// -1.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// Retrieve consumes n readable bytes. Retrieving at least ReadableBytes
// empties the buffer.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
		return
	}

	b.RetrieveAll()
}

// RetrieveAll consumes every readable byte and rewinds both indices.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

// RetrieveAsString consumes n bytes and returns them as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}

	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString drains the buffer into a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAllAsBytes drains the buffer into a newly allocated slice the
// caller owns.
func (b *Buffer) RetrieveAllAsBytes() []byte {
	out := make([]byte, b.ReadableBytes())
	copy(out, b.Peek())
	b.RetrieveAll()
	return out
}

// Append copies data to the tail, growing as needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	b.writerIndex += copy(b.buf[b.writerIndex:], data)
}

// AppendString is Append for strings without an intermediate []byte.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.writerIndex += copy(b.buf[b.writerIndex:], s)
}

// Prepend copies data in front of the readable bytes. It panics when data
// does not fit in the prependable area.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("buffer: prepend exceeds prependable space")
	}

	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// EnsureWritable makes room for at least n more bytes.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// makeSpace compacts the readable bytes to the front when the free space on
// both sides suffices, and reallocates otherwise.
func (b *Buffer) makeSpace(n int) {
	readable := b.ReadableBytes()

	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		grown := make([]byte, b.writerIndex+n, growCap(len(b.buf), b.writerIndex+n))
		copy(grown, b.buf[:b.writerIndex])
		b.buf = grown[:cap(grown)]
		return
	}

	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

func growCap(current, need int) int {
	c := current * 2
	if c < need {
		c = need
	}

	return c
}

// Shrink releases spare capacity, keeping reserve writable bytes.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	shrunk := make([]byte, CheapPrepend+readable+reserve)
	copy(shrunk[CheapPrepend:], b.Peek())
	b.buf = shrunk
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// Write implements io.Writer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// Read implements io.Reader, consuming what it copies.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.ReadableBytes() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	n := copy(p, b.Peek())
	b.Retrieve(n)
	return n, nil
}

// String returns the readable bytes without consuming them.
func (b *Buffer) String() string {
	return string(b.Peek())
}
