package capset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitsIncludesDefaultsAndRetained(t *testing.T) {
	c := New()

	bits, err := c.Bits([]string{"CAP_NET_ADMIN"})
	require.NoError(t, err)

	require.Contains(t, bits, "CAP_NET_ADMIN")
	for _, d := range DefaultRetained {
		require.Contains(t, bits, d)
	}
}

func TestBitsDeduplicates(t *testing.T) {
	c := New()

	bits, err := c.Bits([]string{"CAP_CHOWN", "CAP_CHOWN"})
	require.NoError(t, err)

	count := 0
	for _, b := range bits {
		if b == "CAP_CHOWN" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestBitsRejectsUnknownCapability(t *testing.T) {
	c := New()
	_, err := c.Bits([]string{"CAP_NOT_A_REAL_CAP"})
	require.Error(t, err)
}

func TestNameTableRoundTrip(t *testing.T) {
	cp, err := capNameTable.ToCap("cap_sys_admin")
	require.NoError(t, err)
	require.Equal(t, "CAP_"+capUpper(cp.String()), "CAP_SYS_ADMIN")
}

func capUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
