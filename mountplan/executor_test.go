package mountplan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStandardTableOrderAndFatality(t *testing.T) {
	e := New()
	table := e.StandardTable(false)

	require.Equal(t, "/proc", table[0].Target)
	require.True(t, table[0].Fatal)

	require.Equal(t, "/sys", table[3].Target)
	require.True(t, table[3].Fatal)

	require.Equal(t, "/dev", table[4].Target)
	require.True(t, table[4].Fatal, "tmpfs on /dev must be fatal")

	for _, ent := range table[5:] {
		require.False(t, ent.Fatal, "entry %+v should be advisory", ent)
	}
}

func TestStandardTableSelinuxConditional(t *testing.T) {
	e := New()

	without := e.StandardTable(false)
	with := e.StandardTable(true)

	require.Len(t, with, len(without)+2)
	require.Equal(t, "/sys/fs/selinux", with[len(with)-2].Target)
	require.Equal(t, "/sys/fs/selinux", with[len(with)-1].Target)
}

func TestIsMountPointOnRegularDir(t *testing.T) {
	dir := t.TempDir()
	require.False(t, isMountPoint(dir))
}
