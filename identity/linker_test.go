package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/sysbox-nspawn/domain"
	"github.com/nestybox/sysbox-nspawn/ioservice"
)

func TestHostTimezoneParsesZoneinfoSymlink(t *testing.T) {
	svc := ioservice.NewMemService()
	require.NoError(t, svc.WriteFile("/etc/localtime", []byte{}, 0644))

	// afero's MemMapFs has no real symlink support; exercise the marker
	// parsing directly against a path shaped like a realistic readlink
	// result instead of going through svc.Symlink/svc.Readlink.
	zone, ok := parseZoneinfoTarget("/usr/share/zoneinfo/America/New_York")
	require.True(t, ok)
	require.Equal(t, "America/New_York", zone)

	_, ok = parseZoneinfoTarget("/etc/other")
	require.False(t, ok)
}

func TestValidateMachineID(t *testing.T) {
	require.NoError(t, validateMachineID("0123456789abcdef0123456789abcdef"))
	require.Error(t, validateMachineID("too-short"))
	require.Error(t, validateMachineID("0123456789ABCDEF0123456789abcdef"))
}

func TestLinkJournalNoneIsNoop(t *testing.T) {
	l := NewWithService(ioservice.NewMemService())
	require.NoError(t, l.LinkJournal("/root", domain.JournalLinkNone))
}

func TestLinkJournalAutoSkipsWhenMachineIDMissing(t *testing.T) {
	l := NewWithService(ioservice.NewMemService())
	require.NoError(t, l.LinkJournal("/root", domain.JournalLinkAuto))
}

func TestLinkJournalHostFailsOnMissingMachineID(t *testing.T) {
	l := NewWithService(ioservice.NewMemService())
	err := l.LinkJournal("/root", domain.JournalLinkHost)
	require.Error(t, err)
}

func TestLinkJournalHostRejectsNonEmptyGuestBeforeMounting(t *testing.T) {
	svc := ioservice.NewMemService()
	require.NoError(t, svc.WriteFile("/root/etc/machine-id", []byte("0123456789abcdef0123456789abcdef\n"), 0644))
	require.NoError(t, svc.WriteFile("/root/var/log/journal/0123456789abcdef0123456789abcdef/stray", []byte("x"), 0644))

	impl := &linker{io: svc}
	err := impl.linkJournalHost("/var/log/journal/0123456789abcdef0123456789abcdef", "/root/var/log/journal/0123456789abcdef0123456789abcdef")
	require.Error(t, err)
}
