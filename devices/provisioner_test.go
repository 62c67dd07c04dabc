package devices

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStandardDevicesSet(t *testing.T) {
	require.ElementsMatch(t, []string{"null", "zero", "full", "random", "urandom", "tty", "ptmx"}, StandardDevices)
}

func TestValidateDeviceModeAcceptsCharAndBlock(t *testing.T) {
	require.NoError(t, validateDeviceMode(unix.S_IFCHR|0666))
	require.NoError(t, validateDeviceMode(unix.S_IFBLK|0660))
}

func TestValidateDeviceModeRejectsRegularFile(t *testing.T) {
	require.Error(t, validateDeviceMode(unix.S_IFREG|0644))
}

func TestValidateDeviceModeRejectsDirectory(t *testing.T) {
	require.Error(t, validateDeviceMode(unix.S_IFDIR|0755))
}
