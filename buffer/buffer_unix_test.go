//go:build linux

package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})

	return fds[0], fds[1]
}

func writeAll(t *testing.T, fd int, data []byte) {
	t.Helper()

	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		require.NoError(t, err)
		data = data[n:]
	}
}

func TestBuffer_ReadFD(t *testing.T) {
	t.Run("fits in writable space", func(t *testing.T) {
		r, w := socketPair(t)
		writeAll(t, w, []byte("hello"))

		b := New()
		n, err := b.ReadFD(r)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello", b.String())
	})

	t.Run("overflows into the extra slab", func(t *testing.T) {
		r, w := socketPair(t)
		require.NoError(t, unix.SetsockoptInt(w, unix.SOL_SOCKET, unix.SO_SNDBUF, 64*1024))
		payload := bytes.Repeat([]byte("0123456789"), 300)
		writeAll(t, w, payload)

		b := NewSize(100)
		n, err := b.ReadFD(r)
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		assert.Equal(t, payload, b.Peek())
	})

	t.Run("eof returns zero", func(t *testing.T) {
		r, w := socketPair(t)
		require.NoError(t, unix.Shutdown(w, unix.SHUT_WR))

		b := New()
		n, err := b.ReadFD(r)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("nothing pending returns EAGAIN", func(t *testing.T) {
		r, _ := socketPair(t)

		b := New()
		n, err := b.ReadFD(r)
		assert.Equal(t, -1, n)
		assert.ErrorIs(t, err, unix.EAGAIN)
	})
}
