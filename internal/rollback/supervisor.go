package rollback

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/metrics"
	"github.com/keelos/agent/internal/partition"
)

// StabilizationPeriod is the boot-time grace period before probes run, so
// slow-starting services aren't penalized.
const StabilizationPeriod = 60 * time.Second

// Engine is the subset of partition.Engine the supervisor needs to act on
// an unhealthy verdict.
type Engine interface {
	RollbackToPrevious(store *partition.RollbackStore) error
}

// Rebooter issues the actual reboot; production wiring is
// system.RebootCmd.Reboot.
type Rebooter interface {
	Reboot() error
}

// Notifier is told when a rollback is triggered, so the scheduler can
// associate it with the job that produced the running image (best-effort,
// see scheduler.RegisterRollback).
type Notifier interface {
	RegisterRollback(reason string)
}

// Supervisor runs the boot-time health sequence described in §4.C: sleep,
// probe, classify, and roll back on an unhealthy verdict with a recorded
// previous partition.
type Supervisor struct {
	Probes        []Probe
	Engine        Engine
	RollbackStore *partition.RollbackStore
	History       *History
	Reboot        Rebooter
	Notifier      Notifier
	Stabilization time.Duration
}

// RunBootSequence blocks for the stabilization period, then runs the probes
// once and acts on the verdict. It returns the status reached, mainly for
// tests; production callers run this once at startup and discard the
// result, since a successful rollback never returns.
func (s *Supervisor) RunBootSequence(ctx context.Context) Status {
	wait := s.Stabilization
	if wait == 0 {
		wait = StabilizationPeriod
	}

	select {
	case <-ctx.Done():
		return Healthy
	case <-time.After(wait):
	}

	return s.evaluate(ctx)
}

func (s *Supervisor) evaluate(ctx context.Context) Status {
	logger := log.WithField("component", "rollback")

	executions := RunAll(ctx, s.Probes)
	status := Classify(executions)

	for _, e := range executions {
		logger.WithField("probe", e.Name).WithField("pass", e.Result.Pass).
			WithField("duration", e.Duration).Debug(e.Result.Message)
	}
	logger.WithField("status", status).Info("boot health check complete")
	metrics.HealthStatus.Set(healthStatusValue(status))

	if status != Unhealthy {
		if rec, err := s.RollbackStore.Load(); err != nil {
			logger.WithError(err).Warn("cannot read rollback record to reset boot counter")
		} else if rec.BootCounter != 0 {
			rec.BootCounter = 0
			if err := s.RollbackStore.Save(rec); err != nil {
				logger.WithError(err).Warn("failed to reset boot counter")
			}
		}
		return status
	}

	rec, err := s.RollbackStore.Load()
	if err != nil {
		logger.WithError(err).Error("cannot read rollback record, giving up")
		return status
	}
	if rec.PreviousPartition == nil {
		logger.Warn("unhealthy with no previous partition recorded, nothing to roll back to")
		return status
	}

	reason := "unhealthy boot: " + summarizeFailures(executions)
	logger.WithField("reason", reason).Warn("triggering rollback")

	if s.Notifier != nil {
		s.Notifier.RegisterRollback(reason)
	}

	if err := s.Engine.RollbackToPrevious(s.RollbackStore); err != nil {
		logger.WithError(err).Error("rollback failed, manual intervention required")
		s.recordEvent(reason, rec.PreviousPartition, false, err.Error())
		return status
	}
	metrics.RollbacksTotal.WithLabelValues("unhealthy_boot").Inc()
	s.recordEvent(reason, rec.PreviousPartition, true, "")

	if err := s.Reboot.Reboot(); err != nil {
		logger.WithError(err).Error("reboot after rollback failed")
	}

	return status
}

func (s *Supervisor) recordEvent(reason string, toSlot *int, success bool, errMsg string) {
	if s.History == nil {
		return
	}
	ev := Event{
		Reason:       reason,
		TriggeredAt:  time.Now(),
		ToSlot:       toSlot,
		Success:      success,
		ErrorMessage: errMsg,
	}
	if err := s.History.Append(ev); err != nil {
		log.WithField("component", "rollback").WithError(err).Warn("failed to persist rollback history event")
	}
}

func healthStatusValue(status Status) float64 {
	switch status {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

func summarizeFailures(executions []Execution) string {
	out := ""
	for _, e := range executions {
		if e.Result.Pass {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += e.Name + ": " + e.Result.Message
	}
	if out == "" {
		out = "unknown"
	}
	return out
}
