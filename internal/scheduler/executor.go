package scheduler

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/coreerr"
	"github.com/keelos/agent/internal/hooks"
	"github.com/keelos/agent/internal/metrics"
	"github.com/keelos/agent/internal/partition"
	"github.com/keelos/agent/internal/system"
)

// TickInterval is how often the executor wakes to check for due jobs.
const TickInterval = 30 * time.Second

// Engine is the subset of partition.Engine the executor drives.
type Engine interface {
	IdentifyInactive() (partition.Slot, error)
	SwitchBoot(targetIndex int) error
	RecordPreviousForRollback(store *partition.RollbackStore) error
}

// Executor runs the scheduler's due jobs: hook → flash → switch_boot →
// hook, one at a time, on a 30-second cooperative tick.
type Executor struct {
	Scheduler      *Scheduler
	Engine         Engine
	RollbackStore  *partition.RollbackStore
	HTTPClient     *http.Client
	DeltaApplier   partition.DeltaApplier
	Commander      system.Commander
}

// Run blocks, ticking every TickInterval until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(time.Now())
		}
	}
}

// RunOnce checks for due jobs as of now and runs each to completion,
// synchronously. Run calls this once per tick; callers driving the
// executor manually, such as tests, may call it directly.
func (e *Executor) RunOnce(now time.Time) {
	for _, job := range e.Scheduler.Due(now) {
		e.execute(job, now)
	}
}

func (e *Executor) execute(job UpdateJob, now time.Time) {
	logger := log.WithField("component", "scheduler").WithField("job_id", job.ID)
	started := time.Now()

	if job.MaintenanceWindowSeconds > 0 && job.ScheduledAt != nil {
		deadline := job.ScheduledAt.Add(time.Duration(job.MaintenanceWindowSeconds) * time.Second)
		if now.After(deadline) {
			logger.Warn("missed maintenance window")
			_ = e.Scheduler.Transition(job.ID, Failed, "missed window")
			metrics.JobsTotal.WithLabelValues(string(Failed)).Inc()
			return
		}
	}

	if err := e.Scheduler.Transition(job.ID, Running, ""); err != nil {
		logger.WithError(err).Error("failed to transition job to Running")
		return
	}

	if err := e.runJob(job, logger); err != nil {
		logger.WithError(err).Error("update job failed")
		_ = e.Scheduler.Transition(job.ID, Failed, err.Error())
		metrics.JobsTotal.WithLabelValues(string(Failed)).Inc()
		metrics.JobDuration.Observe(time.Since(started).Seconds())
		return
	}

	_ = e.Scheduler.Transition(job.ID, Completed, "")
	metrics.JobsTotal.WithLabelValues(string(Completed)).Inc()
	metrics.JobDuration.Observe(time.Since(started).Seconds())
}

func (e *Executor) runJob(job UpdateJob, logger *log.Entry) error {
	ctx := context.Background()

	if err := hooks.Run(e.Commander, job.PreHook, hooks.DefaultTimeout); err != nil {
		return err
	}

	inactive, err := e.Engine.IdentifyInactive()
	if err != nil {
		return err
	}

	if job.AutoRollback {
		if err := e.Engine.RecordPreviousForRollback(e.RollbackStore); err != nil {
			return err
		}
	}

	req := partition.FlashRequest{
		SourceURL:      job.SourceURL,
		TargetDevice:   inactive.Device,
		ExpectedDigest: job.ExpectedDigest,
		IsDelta:        job.IsDelta,
		ImageSize:      0,
	}
	if job.FallbackToFull {
		req.FallbackURL = job.FullImageURL
	}

	logger.Info("flashing update")
	if _, err := partition.Flash(ctx, e.HTTPClient, e.DeltaApplier, req); err != nil {
		return err
	}

	if err := e.Engine.SwitchBoot(inactive.Index); err != nil {
		return coreerr.Wrap(coreerr.PartitionTableFailure, "scheduler.runJob", err, "switching boot target")
	}

	if err := hooks.Run(e.Commander, job.PostHook, hooks.DefaultTimeout); err != nil {
		return err
	}

	return nil
}
