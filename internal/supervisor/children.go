package supervisor

import (
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RespawnPolicy controls what the supervision loop does when a child exits.
type RespawnPolicy int

const (
	// RespawnImmediate respawns the child as soon as its exit is observed.
	RespawnImmediate RespawnPolicy = iota
	// RespawnBackoff respawns the child after an exponentially growing
	// delay (1s doubling, capped at 60s) that resets only when the
	// process is removed from the table.
	RespawnBackoff
	// RespawnNone logs the exit and leaves the child stopped; only an
	// operator (or a later explicit Spawn) brings it back.
	RespawnNone
)

const maxBackoff = 60 * time.Second

// ChildSpec names one supervised service.
type ChildSpec struct {
	Name   string
	Path   string
	Args   []string
	Policy RespawnPolicy
}

// ChildState is the supervision table's bookkeeping for one child: its spec,
// its live pid (0 if the last spawn attempt failed), and how many times it
// has been restarted since last removed from the table.
type ChildState struct {
	Spec         ChildSpec
	Pid          int
	RestartCount int
}

// Spawner abstracts process creation so tests never fork a real process.
type Spawner interface {
	Spawn(spec ChildSpec) (pid int, err error)
	Kill(pid int) error
}

// OSSpawner is the production Spawner: it execs spec.Path with spec.Args,
// inheriting stdout/stderr, and never calls Wait — exited children are
// reaped centrally by ReapZombies.
type OSSpawner struct{}

func (OSSpawner) Spawn(spec ChildSpec) (int, error) {
	if _, err := os.Stat(spec.Path); err != nil {
		return 0, err
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

func (OSSpawner) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// Table tracks the live supervised children by name.
type Table struct {
	spawner  Spawner
	children map[string]*ChildState
}

// NewTable builds an empty supervision table backed by spawner.
func NewTable(spawner Spawner) *Table {
	return &Table{spawner: spawner, children: map[string]*ChildState{}}
}

// Spawn starts spec and records it in the table, replacing whatever was
// previously tracked under the same name. A spawn failure is logged and
// recorded with Pid 0 so the caller can see the service is down.
func (t *Table) Spawn(spec ChildSpec) {
	pid, err := t.spawner.Spawn(spec)
	if err != nil {
		log.WithError(err).WithField("service", spec.Name).Error("supervisor: failed to spawn service")
		t.children[spec.Name] = &ChildState{Spec: spec}
		return
	}
	log.WithField("service", spec.Name).WithField("pid", pid).Info("supervisor: service started")
	restartCount := 0
	if prev, ok := t.children[spec.Name]; ok {
		restartCount = prev.RestartCount
	}
	t.children[spec.Name] = &ChildState{Spec: spec, Pid: pid, RestartCount: restartCount}
}

// Remove drops name from the table without killing it.
func (t *Table) Remove(name string) {
	delete(t.children, name)
}

// Get returns the tracked state for name, if any.
func (t *Table) Get(name string) (*ChildState, bool) {
	c, ok := t.children[name]
	return c, ok
}

// All returns a snapshot of every tracked name/state pair.
func (t *Table) All() map[string]*ChildState {
	out := make(map[string]*ChildState, len(t.children))
	for k, v := range t.children {
		out[k] = v
	}
	return out
}

// HandleExit applies name's respawn policy now that its process has exited
// with exitCode. RespawnBackoff sleeps inline, matching the prototype's
// single-threaded supervision loop — this blocks the caller for the backoff
// duration by design.
func (t *Table) HandleExit(name string, exitCode int) {
	state, ok := t.children[name]
	if !ok {
		return
	}

	switch state.Spec.Policy {
	case RespawnImmediate:
		log.WithField("service", name).WithField("exit_code", exitCode).
			Error("supervisor: critical service exited, respawning")
		t.Spawn(state.Spec)

	case RespawnBackoff:
		delay := backoffDelay(state.RestartCount)
		log.WithField("service", name).WithField("exit_code", exitCode).
			WithField("attempt", state.RestartCount+1).WithField("backoff", delay).
			Warn("supervisor: service exited, restarting with backoff")
		time.Sleep(delay)
		t.Spawn(state.Spec)
		if next, ok := t.children[name]; ok {
			next.RestartCount = state.RestartCount + 1
		}

	case RespawnNone:
		log.WithField("service", name).WithField("exit_code", exitCode).
			Warn("supervisor: service exited, not respawning (operator intervention required)")
		t.Remove(name)
	}
}

func backoffDelay(restartCount int) time.Duration {
	if restartCount > 6 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(restartCount)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
