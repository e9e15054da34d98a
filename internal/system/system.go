// Package system provides the thin OS-call seam the rest of the agent is
// built on: running subprocesses and stat-ing files. Every component that
// shells out to an external tool (sgdisk, busybox, pre/post hooks) takes
// a Commander rather than calling os/exec directly, so tests can substitute
// a fake without touching the real machine.
package system

import (
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// Commander abstracts process creation.
type Commander interface {
	Command(name string, arg ...string) *Cmd
}

// StatCommander abstracts both process creation and file stat-ing.
type StatCommander interface {
	Stat(string) (os.FileInfo, error)
	Commander
}

// Cmd wraps exec.Cmd, overriding Stdout/Stderr defaults so callers that want
// the output returned (Output/CombinedOutput) don't fight the package-level
// defaults set by Command.
type Cmd struct {
	*exec.Cmd
}

func (c *Cmd) Output() ([]byte, error) {
	c.Stdout = nil
	return c.Cmd.Output()
}

func (c *Cmd) CombinedOutput() ([]byte, error) {
	c.Stdout = nil
	c.Stderr = nil
	return c.Cmd.CombinedOutput()
}

func (c *Cmd) StderrPipe() (io.ReadCloser, error) {
	c.Stderr = nil
	return c.Cmd.StderrPipe()
}

func (c *Cmd) StdoutPipe() (io.ReadCloser, error) {
	c.Stdout = nil
	return c.Cmd.StdoutPipe()
}

// Command builds a *Cmd wired to the process's stdout/stderr by default.
func Command(name string, arg ...string) *Cmd {
	var cmd Cmd
	cmd.Cmd = exec.Command(name, arg...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return &cmd
}

// OsCalls is the real, production implementation of StatCommander.
type OsCalls struct{}

func (OsCalls) Command(name string, arg ...string) *Cmd {
	return Command(name, arg...)
}

func (OsCalls) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// RebootCmd invokes the system reboot and never returns successfully: either
// the machine goes down (in which case there is nothing left to run this
// code) or the reboot call lied, which is itself a fatal condition.
type RebootCmd struct {
	cmd Commander
}

func NewRebootCmd(cmd Commander) *RebootCmd {
	return &RebootCmd{cmd: cmd}
}

func (r *RebootCmd) Reboot() error {
	if err := r.cmd.Command("reboot").Run(); err != nil {
		return errors.Wrap(err, "system: reboot command failed")
	}
	// Give the kernel time to actually go down. Any return from this
	// function past this point is itself an error.
	time.Sleep(10 * time.Minute)
	return errors.New("system: did not reboot even though the reboot call succeeded")
}
