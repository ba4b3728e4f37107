package system

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubHost(t *testing.T) (execCalls *[]string, rebootCalls *int) {
	t.Helper()
	origExec, origReboot, origExecutable := execve, reboot, executable
	t.Cleanup(func() { execve, reboot, executable = origExec, origReboot, origExecutable })

	var calls []string
	var reboots int
	execve = func(path string, argv []string, envv []string) error {
		calls = append(calls, path)
		return nil
	}
	reboot = func() error {
		reboots++
		return nil
	}
	executable = func() (string, error) { return "/usr/local/bin/relaygw", nil }
	return &calls, &reboots
}

func TestRestart_ExecRunsHooksFirst(t *testing.T) {
	execCalls, reboots := stubHost(t)

	var order []string
	r := NewRestarter(RestartExec, func() { order = append(order, "flush") })
	require.NoError(t, r.Restart())

	assert.Equal(t, []string{"flush"}, order)
	assert.Equal(t, []string{"/usr/local/bin/relaygw"}, *execCalls)
	assert.Zero(t, *reboots)
}

func TestRestart_Reboot(t *testing.T) {
	execCalls, reboots := stubHost(t)

	require.NoError(t, NewRestarter(RestartReboot).Restart())
	assert.Equal(t, 1, *reboots)
	assert.Empty(t, *execCalls)
}

func TestRestart_Failures(t *testing.T) {
	stubHost(t)

	assert.Error(t, NewRestarter("halt").Restart())

	execve = func(string, []string, []string) error { return errors.New("permission denied") }
	err := NewRestarter(RestartExec).Restart()
	assert.ErrorContains(t, err, "permission denied")
}

func TestWakePin_NilIsNotWoken(t *testing.T) {
	var w *WakePin
	assert.False(t, w.WasWokenByPin())
	assert.NoError(t, w.Close())
}

func TestOpenWakePin_MissingChip(t *testing.T) {
	_, err := OpenWakePin("gpiochip-does-not-exist", 4, nil)
	assert.Error(t, err)
}

func TestInstanceLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "relaygw.lock")

	first, err := AcquireInstanceLock(path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	_, err = AcquireInstanceLock(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, first.Release())
	second, err := AcquireInstanceLock(path)
	require.NoError(t, err)
	assert.NoError(t, second.Release())

	var none *InstanceLock
	assert.NoError(t, none.Release())
}
