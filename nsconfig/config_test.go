package nsconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/sysbox-nspawn/domain"
)

func TestBuildDefaultsRootToPositionalArg(t *testing.T) {
	cfg, err := Build(Flags{}, []string{"/srv/os", "/bin/echo", "hi"})
	require.NoError(t, err)
	require.Equal(t, "/srv/os", cfg.RootDir)
	require.Equal(t, []string{"/bin/echo", "hi"}, cfg.Command)
}

func TestBuildDirectoryFlagWinsOverPositional(t *testing.T) {
	cfg, err := Build(Flags{Directory: "/srv/os"}, []string{"/bin/echo"})
	require.NoError(t, err)
	require.Equal(t, "/srv/os", cfg.RootDir)
	require.Equal(t, []string{"/bin/echo"}, cfg.Command)
}

func TestBuildParsesVethPairs(t *testing.T) {
	cfg, err := Build(Flags{Directory: "/x", NetworkIf: []string{"vh0:vc0", "vh1:vc1"}}, nil)
	require.NoError(t, err)
	require.Equal(t, []domain.VethPair{{Outer: "vh0", Inner: "vc0"}, {Outer: "vh1", Inner: "vc1"}}, cfg.VethPairs)
	require.True(t, cfg.PrivateNetwork)
}

func TestBuildRejectsMalformedVethPair(t *testing.T) {
	_, err := Build(Flags{Directory: "/x", NetworkIf: []string{"onlyone"}}, nil)
	require.Error(t, err)
}

func TestBuildJournalLinkModes(t *testing.T) {
	cfg, err := Build(Flags{Directory: "/x", LinkJournal: "guest"}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JournalLinkGuest, cfg.JournalLink)

	cfg, err = Build(Flags{Directory: "/x", LinkJournalJ: true}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.JournalLinkHost, cfg.JournalLink)
}

func TestBuildRejectsUnknownJournalMode(t *testing.T) {
	_, err := Build(Flags{Directory: "/x", LinkJournal: "bogus"}, nil)
	require.Error(t, err)
}

func TestBuildCapabilitiesIncludeDefaultsAndExtra(t *testing.T) {
	cfg, err := Build(Flags{Directory: "/x", Capability: []string{"CAP_NET_ADMIN"}}, nil)
	require.NoError(t, err)
	require.Contains(t, cfg.RetainedCaps, "CAP_NET_ADMIN")
	require.Contains(t, cfg.RetainedCaps, "CAP_CHOWN")
}

func TestBuildRejectsUnknownCapability(t *testing.T) {
	_, err := Build(Flags{Directory: "/x", Capability: []string{"CAP_BOGUS"}}, nil)
	require.Error(t, err)
}

func TestBuildParsesBindMounts(t *testing.T) {
	cfg, err := Build(Flags{
		Directory: "/x",
		Bind:      []string{"/src:/dst"},
		BindRO:    []string{"/ro-src"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []domain.BindMountRequest{
		{Source: "/src", Dest: "/dst", ReadOnly: false},
		{Source: "/ro-src", Dest: "/ro-src", ReadOnly: true},
	}, cfg.ExtraMounts)
}

func TestBuildMachineNameDefaultsToRootBasename(t *testing.T) {
	cfg, err := Build(Flags{Directory: "/srv/myos"}, nil)
	require.NoError(t, err)
	require.Equal(t, "myos", cfg.MachineName)
}

func TestBuildMachineNameOverride(t *testing.T) {
	cfg, err := Build(Flags{Directory: "/srv/myos", Machine: "custom"}, nil)
	require.NoError(t, err)
	require.Equal(t, "custom", cfg.MachineName)
}

func TestBuildControllersDeduped(t *testing.T) {
	cfg, err := Build(Flags{Directory: "/x", Controllers: "cpu,memory,cpu"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"cpu", "memory"}, cfg.ExtraControllers)
}
