// Package control implements the RPC surface described in §6: the set of
// operations an external control plane (or a local CLI collaborator) drives
// the agent through. It adapts the core packages (scheduler, partition,
// rollback, identity) into a plain Go interface; the wire protocol those
// calls travel over is out of scope here.
package control

import (
	"time"

	"github.com/keelos/agent/internal/identity"
	"github.com/keelos/agent/internal/partition"
	"github.com/keelos/agent/internal/rollback"
	"github.com/keelos/agent/internal/scheduler"
)

// Engine is the subset of partition.Engine the control surface needs
// directly, beyond what it reaches through the scheduler's executor.
type Engine interface {
	IdentifyInactive() (partition.Slot, error)
	SwitchBoot(targetIndex int) error
	RecordPreviousForRollback(store *partition.RollbackStore) error
}

// Rebooter issues the actual reboot; production wiring is
// system.RebootCmd.Reboot.
type Rebooter interface {
	Reboot() error
}

// RollbackEngine is the subset of rollback capability TriggerRollback
// drives directly, independent of the boot-time Supervisor.
type RollbackEngine interface {
	RollbackToPrevious(store *partition.RollbackStore) error
}

// Server wires every core package into the operation set §6 names. Every
// field is a narrow collaborator interface or a concrete value type owned
// elsewhere; Server itself holds no state of its own beyond StartedAt.
type Server struct {
	Scheduler       *scheduler.Scheduler
	Executor        *scheduler.Executor
	Engine          Engine
	RollbackEngine  RollbackEngine
	RollbackStore   *partition.RollbackStore
	RollbackHistory *rollback.History
	Rebooter        Rebooter
	Probes          []rollback.Probe
	DeltaApplier    partition.DeltaApplier
	Identity        *identity.Manager
	JoinConfig      identity.JoinConfig

	StartedAt time.Time
}

// NewServer builds a Server with StartedAt pinned to the current time, for
// GetStatus's uptime calculation.
func NewServer() *Server {
	return &Server{StartedAt: time.Now()}
}
