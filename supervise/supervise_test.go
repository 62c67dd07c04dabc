package supervise

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/sysbox-nspawn/domain"
)

func TestClassifyCleanExit(t *testing.T) {
	require.Equal(t, domain.ExitSuccess, classify(syscall.WaitStatus(0)))
}

func TestClassifyNonZeroExit(t *testing.T) {
	require.Equal(t, domain.ExitFailure, classify(syscall.WaitStatus(7<<8)))
}

func TestClassifySIGINTIsShutdown(t *testing.T) {
	require.Equal(t, domain.ExitShutdown, classify(syscall.WaitStatus(syscall.SIGINT)))
}

func TestClassifySIGHUPIsReboot(t *testing.T) {
	require.Equal(t, domain.ExitReboot, classify(syscall.WaitStatus(syscall.SIGHUP)))
}

func TestClassifyOtherSignalIsFailure(t *testing.T) {
	require.Equal(t, domain.ExitFailure, classify(syscall.WaitStatus(syscall.SIGSEGV)))
}

func TestExitCodeForExitedProcess(t *testing.T) {
	require.Equal(t, 3, exitCode(syscall.WaitStatus(3<<8)))
}

func TestExitCodeForSignaledProcess(t *testing.T) {
	require.Equal(t, 128+int(syscall.SIGHUP), exitCode(syscall.WaitStatus(syscall.SIGHUP)))
}
