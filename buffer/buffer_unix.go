//go:build linux

package buffer

import (
	"sync"

	"golang.org/x/sys/unix"
)

const extraBufSize = 64 * 1024

var extraBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, extraBufSize)
		return &b
	},
}

// ReadFD fills the buffer from fd with a single readv(2). Bytes that do not
// fit in the writable tail land in a pooled 64 KiB slab and are appended
// afterwards, so one call drains up to WritableBytes()+64 KiB without
// pre-growing every connection buffer.
//
// Returns:
//   - The number of bytes read; 0 means the peer closed its write side
//   - The syscall error, including EAGAIN, when the read failed
func (b *Buffer) ReadFD(fd int) (int, error) {
	extra := extraBufPool.Get().(*[]byte)
	defer extraBufPool.Put(extra)

	writable := b.WritableBytes()
	iovs := [][]byte{b.buf[b.writerIndex:], *extra}
	if writable >= extraBufSize {
		iovs = iovs[:1]
	}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return -1, err
	}

	if n <= writable {
		b.writerIndex += n
		return n, nil
	}

	b.writerIndex = len(b.buf)
	b.Append((*extra)[:n-writable])
	return n, nil
}
