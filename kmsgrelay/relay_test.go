package kmsgrelay

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSendRecvFifoFd(t *testing.T) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(pair[0])
	defer unix.Close(pair[1])

	r, w, err := unixPipe(t)
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)

	require.NoError(t, SendFifoFd(pair[1], r))

	got, err := RecvFifoFd(pair[0])
	require.NoError(t, err)
	defer unix.Close(got)

	msg := []byte("hello")
	_, err = unix.Write(w, msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	n, err := unix.Read(got, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}

func unixPipe(t *testing.T) (int, int, error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
