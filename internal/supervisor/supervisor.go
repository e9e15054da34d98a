// Package supervisor implements the PID-1 bring-up and child supervision
// logic: pseudo-filesystem mounts, network configuration, a respawn-policy
// child table, non-blocking zombie reaping, and kubelet-restart-sentinel
// handling. cmd/keel-init wires this package together and must itself never
// exit.
package supervisor

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultTickInterval = 5 * time.Second

// Well-known service names used by the kubelet-restart sentinel handler.
const (
	ContainerRuntimeName = "containerd"
	AgentName            = "keel-agent"
	ClusterAgentName     = "kubelet"
)

// Supervisor owns the child table and the kubelet-restart sentinel path.
type Supervisor struct {
	Table               *Table
	KubeletSentinelPath string
	TickInterval        time.Duration
}

// NewSupervisor builds a Supervisor with the default 5-second tick.
func NewSupervisor(spawner Spawner, kubeletSentinelPath string) *Supervisor {
	return &Supervisor{
		Table:               NewTable(spawner),
		KubeletSentinelPath: kubeletSentinelPath,
		TickInterval:        defaultTickInterval,
	}
}

// SpawnInitial starts every spec for the first time.
func (s *Supervisor) SpawnInitial(specs []ChildSpec) {
	for _, spec := range specs {
		s.Table.Spawn(spec)
	}
}

// Tick reaps any exited children, applies their respawn policy, and checks
// for the kubelet-restart sentinel. Safe to call repeatedly; does not block
// except for RespawnBackoff's inline sleep.
func (s *Supervisor) Tick() {
	reaped := ReapZombies()
	for name, state := range s.Table.All() {
		if state.Pid == 0 {
			continue
		}
		if exitCode, ok := reaped[state.Pid]; ok {
			s.Table.HandleExit(name, exitCode)
		}
	}
	s.checkKubeletSentinel()
}

func (s *Supervisor) checkKubeletSentinel() {
	if _, err := os.Stat(s.KubeletSentinelPath); err != nil {
		return
	}
	log.Info("supervisor: kubelet restart signal detected")

	state, ok := s.Table.Get(ClusterAgentName)
	if !ok {
		_ = os.Remove(s.KubeletSentinelPath)
		return
	}
	if state.Pid != 0 {
		if err := s.Table.spawner.Kill(state.Pid); err != nil {
			log.WithError(err).Warn("supervisor: failed to stop kubelet for restart")
		}
	}
	if err := os.Remove(s.KubeletSentinelPath); err != nil {
		log.WithError(err).Warn("supervisor: failed to remove kubelet restart sentinel")
	}
	s.Table.Spawn(state.Spec)
}

// Run ticks until stop is closed; a nil stop ticks forever. cmd/keel-init's
// run calls Run(nil) as its final, blocking step.
func (s *Supervisor) Run(stop <-chan struct{}) {
	interval := s.TickInterval
	if interval == 0 {
		interval = defaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-stop:
			return
		}
	}
}
