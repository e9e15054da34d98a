// Package hooks runs the pre/post shell hooks an UpdateJob may carry,
// narrowed from the teacher's directory-scoped state-script launcher to a
// single inline shell command string per hook.
package hooks

import (
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/coreerr"
	"github.com/keelos/agent/internal/system"
)

// DefaultTimeout bounds how long a single hook command may run before being
// killed, mirroring the teacher's state-script default.
const DefaultTimeout = 60 * time.Second

// Run executes command via sh -c, killing its whole process group if it
// exceeds timeout. An empty command is a no-op: hooks are optional. A
// non-zero exit is reported as coreerr.HookFailure.
func Run(cmd system.Commander, command string, timeout time.Duration) error {
	if command == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := cmd.Command("sh", "-c", command)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := c.Start(); err != nil {
		return coreerr.Wrap(coreerr.HookFailure, "hooks.Run", err, "starting hook")
	}

	timer := time.AfterFunc(timeout, func() {
		log.WithField("component", "hooks").Warnf("hook %q exceeded %s, killing", command, timeout)
		syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	})
	defer timer.Stop()

	if err := c.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return coreerr.Wrap(coreerr.HookFailure, "hooks.Run", exitErr,
				"hook exited non-zero")
		}
		return coreerr.Wrap(coreerr.HookFailure, "hooks.Run", err, "running hook")
	}

	return nil
}
