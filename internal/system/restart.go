// Package system wraps host primitives: restarting the gateway and reading the
// wake pin.
package system

import (
	"fmt"
	"os"

	"relay-gateway/internal/logger"

	"golang.org/x/sys/unix"
)

const (
	RestartExec   = "exec"
	RestartReboot = "reboot"
)

// Host primitives, replaced in tests.
var (
	execve     = unix.Exec
	reboot     = func() error { unix.Sync(); return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART) }
	executable = os.Executable
)

// Restarter restarts the gateway. In exec mode the running binary replaces itself
// with a fresh copy; in reboot mode the host reboots.
type Restarter struct {
	mode   string
	before []func()
}

// NewRestarter returns a restarter for mode. Hooks in before run first, in order,
// so open resources can be flushed.
func NewRestarter(mode string, before ...func()) *Restarter {
	return &Restarter{mode: mode, before: before}
}

// Restart does not return on success.
func (r *Restarter) Restart() error {
	for _, fn := range r.before {
		fn()
	}
	switch r.mode {
	case RestartExec, "":
		path, err := executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		logger.Warn("System: Re-executing %s.", path)
		logger.Close()
		if err := execve(path, os.Args, os.Environ()); err != nil {
			return fmt.Errorf("exec %s: %w", path, err)
		}
		return nil
	case RestartReboot:
		logger.Warn("System: Rebooting host.")
		logger.Close()
		if err := reboot(); err != nil {
			return fmt.Errorf("reboot: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown restart mode %q", r.mode)
	}
}
