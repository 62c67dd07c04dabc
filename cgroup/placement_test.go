package cgroup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSelfCgroupUnifiedHierarchy(t *testing.T) {
	content := "0::/user.slice/user-1000.slice/session-1.scope\n"
	path, err := parseSelfCgroup(strings.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, "/user.slice/user-1000.slice/session-1.scope", path)
}

func TestParseSelfCgroupMissingUnifiedEntry(t *testing.T) {
	content := "1:name=systemd:/init.scope\n"
	_, err := parseSelfCgroup(strings.NewReader(content))
	require.Error(t, err)
}

func TestDedupPreservesOrder(t *testing.T) {
	require.Equal(t, []string{"cpu", "memory"}, dedup([]string{"cpu", "memory", "cpu"}))
}
