package ptyrelay

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRingBufferRoomAndDataAtFillLevels(t *testing.T) {
	b := newRingBuffer()
	require.True(t, b.hasRoom())
	require.False(t, b.hasData())

	b.fill = 10
	require.True(t, b.hasData())
	require.True(t, b.hasRoom())

	b.fill = len(b.data)
	require.False(t, b.hasRoom())
}

func TestTransferClearsReadyOnTransientError(t *testing.T) {
	ready := true
	moved, err := transfer(&ready, func(int) (int, error) {
		return 0, unix.EAGAIN
	}, 0)

	require.NoError(t, err)
	require.False(t, moved)
	require.False(t, ready)
}

func TestTransferReturnsErrorOnFatal(t *testing.T) {
	ready := true
	moved, err := transfer(&ready, func(int) (int, error) {
		return 0, unix.EBADF
	}, 0)

	require.Error(t, err)
	require.False(t, moved)
}

func TestTransferReportsProgress(t *testing.T) {
	ready := true
	moved, err := transfer(&ready, func(int) (int, error) {
		return 5, nil
	}, 0)

	require.NoError(t, err)
	require.True(t, moved)
	require.True(t, ready)
}

func TestTransferClearsReadyOnZeroRead(t *testing.T) {
	ready := true
	moved, err := transfer(&ready, func(int) (int, error) {
		return 0, nil
	}, 0)

	require.NoError(t, err)
	require.False(t, moved)
	require.False(t, ready)
}

func TestIsTransientMatchesSpecSet(t *testing.T) {
	for _, err := range []error{unix.EAGAIN, unix.EPIPE, unix.ECONNRESET, unix.EIO} {
		require.True(t, isTransient(err), "%v should be transient", err)
	}
	require.False(t, isTransient(unix.EBADF))
}

func TestParseSignalName(t *testing.T) {
	sig, ok := parseSignalName("")
	require.True(t, ok)
	require.Equal(t, sigrtmin+3, sig)

	sig, ok = parseSignalName("SIGTERM")
	require.True(t, ok)
	require.Equal(t, unix.SIGTERM, sig)

	_, ok = parseSignalName("SIGBOGUS")
	require.False(t, ok)
}

func TestSigsetOfSetsExactBits(t *testing.T) {
	set := sigsetOf(unix.SIGCHLD, unix.SIGINT)

	for _, sig := range []unix.Signal{unix.SIGCHLD, unix.SIGINT} {
		bit := uint(sig) - 1
		require.NotZero(t, set.Val[bit/64]&(1<<(bit%64)))
	}

	otherBit := uint(unix.SIGTERM) - 1
	require.Zero(t, set.Val[otherBit/64]&(1<<(otherBit%64)))
}

func TestDrainTransfersMovesDataEndToEnd(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	in := newRingBuffer()
	copy(in.data, []byte("hello"))
	in.fill = 5

	stdinReadable, stdoutWritable, masterReadable, masterWritable := false, false, false, true
	out := newRingBuffer()

	err = drainTransfers(&stdinReadable, &stdoutWritable, &masterReadable, &masterWritable,
		in, out, -1, -1, int(w.Fd()), false)
	require.NoError(t, err)
	require.Equal(t, 0, in.fill)
}
