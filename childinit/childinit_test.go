package childinit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/sysbox-nspawn/domain"
)

func TestSelectArgvCommandMode(t *testing.T) {
	cfg := domain.Config{Command: []string{"/bin/echo", "hi"}}
	argv, err := selectArgv(cfg, func(string) bool { return false })
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/echo", "hi"}, argv)
}

func TestSelectArgvInteractiveShell(t *testing.T) {
	cfg := domain.Config{}
	argv, err := selectArgv(cfg, func(string) bool { return false })
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/sh"}, argv)
}

func TestSelectArgvBootModeFindsFirstCandidate(t *testing.T) {
	cfg := domain.Config{BootMode: true}
	argv, err := selectArgv(cfg, func(p string) bool { return p == "/sbin/init" })
	require.NoError(t, err)
	require.Equal(t, []string{"/sbin/init"}, argv)
}

func TestSelectArgvBootModePrefersSystemdOverInit(t *testing.T) {
	cfg := domain.Config{BootMode: true}
	argv, err := selectArgv(cfg, func(p string) bool { return true })
	require.NoError(t, err)
	require.Equal(t, "/usr/lib/systemd/systemd", argv[0])
}

func TestSelectArgvBootModeNoneFound(t *testing.T) {
	cfg := domain.Config{BootMode: true}
	_, err := selectArgv(cfg, func(string) bool { return false })
	require.Error(t, err)
}

func TestSelectArgvBootModeAppendsPositionalArgs(t *testing.T) {
	cfg := domain.Config{BootMode: true, Command: []string{"--unit=multi-user.target"}}
	argv, err := selectArgv(cfg, func(p string) bool { return p == "/sbin/init" })
	require.NoError(t, err)
	require.Equal(t, []string{"/sbin/init", "--unit=multi-user.target"}, argv)
}

func TestBuildEnvIncludesFixedSet(t *testing.T) {
	cfg := domain.Config{MachineUUID: "abc-123", SetEnv: []string{"FOO=bar"}}
	ids := userIdentity{home: "/root", username: "root"}

	env := buildEnv(cfg, ids, 0)

	require.Contains(t, env, "container=nsjump")
	require.Contains(t, env, "HOME=/root")
	require.Contains(t, env, "USER=root")
	require.Contains(t, env, "LOGNAME=root")
	require.Contains(t, env, "container_uuid=abc-123")
	require.Contains(t, env, "FOO=bar")
}

func TestBuildEnvOmitsUUIDWhenUnset(t *testing.T) {
	env := buildEnv(domain.Config{}, userIdentity{}, 0)
	for _, e := range env {
		require.NotContains(t, e, "container_uuid=")
	}
}

func TestBuildEnvListenFds(t *testing.T) {
	env := buildEnv(domain.Config{}, userIdentity{}, 3)
	require.Contains(t, env, "LISTEN_FDS=3")
}

func TestExtraMountEntriesReadOnlyAddsRemount(t *testing.T) {
	reqs := []domain.BindMountRequest{{Source: "/host/data", Dest: "/data", ReadOnly: true}}
	entries := extraMountEntries(reqs)
	require.Len(t, entries, 2)
	require.Equal(t, "/data", entries[0].Target)
	require.Equal(t, "/data", entries[1].Target)
}

func TestExtraMountEntriesReadWriteIsSingleEntry(t *testing.T) {
	reqs := []domain.BindMountRequest{{Source: "/host/data", Dest: "/data"}}
	entries := extraMountEntries(reqs)
	require.Len(t, entries, 1)
}
