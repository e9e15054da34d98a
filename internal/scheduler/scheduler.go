package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/coreerr"
	"github.com/keelos/agent/internal/datastore"
)

// persistedTable is the on-disk shape of the schedule JSON file: an
// id→UpdateJob map, matching §6's "Update schedule JSON" contract.
type persistedTable struct {
	Jobs map[string]*UpdateJob `json:"jobs"`
}

// Scheduler owns the in-memory job table under a reader-preferred lock;
// every mutation is followed by whole-table serialization via the
// datastore's write-then-rename primitive.
type Scheduler struct {
	mu    sync.RWMutex
	jobs  map[string]*UpdateJob
	store *datastore.JSONStore
}

func New(store *datastore.JSONStore) (*Scheduler, error) {
	s := &Scheduler{jobs: map[string]*UpdateJob{}, store: store}

	var table persistedTable
	if err := store.Load(&table); err != nil {
		return nil, err
	}
	if table.Jobs != nil {
		s.jobs = table.Jobs
	}
	return s, nil
}

// persistLocked serializes the whole table; callers must hold mu (read or
// write doesn't matter to WriteAll's own atomicity, but by convention this
// is only called while holding the write lock since it follows a mutation).
func (s *Scheduler) persistLocked() error {
	table := persistedTable{Jobs: s.jobs}
	if err := s.store.Save(&table); err != nil {
		return coreerr.Wrap(coreerr.IO, "scheduler.persist", err, "writing schedule")
	}
	return nil
}

// Schedule creates a new Pending job from params, persists it, and returns
// its snapshot.
func (s *Scheduler) Schedule(params ScheduleParams) (UpdateJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &UpdateJob{
		ID:                       uuid.NewString(),
		SourceURL:                params.SourceURL,
		ExpectedDigest:           params.ExpectedDigest,
		ScheduledAt:              params.ScheduledAt,
		MaintenanceWindowSeconds: params.MaintenanceWindowSeconds,
		IsDelta:                  params.IsDelta,
		FallbackToFull:           params.FallbackToFull,
		FullImageURL:             params.FullImageURL,
		PreHook:                  params.PreHook,
		PostHook:                 params.PostHook,
		AutoRollback:             params.AutoRollback,
		HealthTimeoutSeconds:     params.HealthTimeoutSeconds,
		State:                    Pending,
		CreatedAt:                time.Now(),
	}

	s.jobs[job.ID] = job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, job.ID)
		return UpdateJob{}, err
	}

	return *job, nil
}

// List returns a snapshot of every job currently known.
func (s *Scheduler) List() []UpdateJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]UpdateJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel transitions id to Cancelled, only if it is currently Pending.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return coreerr.New(coreerr.NotFound, "scheduler.Cancel", errors.Errorf("job %s not found", id))
	}
	if job.State != Pending {
		return coreerr.New(coreerr.IllegalState, "scheduler.Cancel",
			errors.Errorf("job %s is %s, not Pending", id, job.State))
	}

	job.State = Cancelled
	now := time.Now()
	job.CompletedAt = &now
	return s.persistLocked()
}

// Transition moves id into newState, stamping StartedAt/CompletedAt and
// recording errMsg as appropriate, then persists.
func (s *Scheduler) Transition(id string, newState State, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return coreerr.New(coreerr.NotFound, "scheduler.Transition", errors.Errorf("job %s not found", id))
	}

	now := time.Now()
	if newState == Running {
		job.StartedAt = &now
	}
	if newState.IsTerminal() {
		job.CompletedAt = &now
	}
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	job.State = newState

	return s.persistLocked()
}

// Due returns all Pending jobs whose ScheduledAt is non-nil and has
// elapsed, ordered by CreatedAt ascending for deterministic replay.
func (s *Scheduler) Due(now time.Time) []UpdateJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []UpdateJob
	for _, j := range s.jobs {
		if j.State == Pending && j.ScheduledAt != nil && !j.ScheduledAt.After(now) {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	return due
}

// RegisterRollback marks the most recently completed terminal job as
// RolledBack, a best-effort association since the triggering supervisor has
// no direct link to the job that produced the running image (see
// DESIGN.md's Open Question decision on register_rollback).
func (s *Scheduler) RegisterRollback(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *UpdateJob
	for _, j := range s.jobs {
		if j.State != Completed && j.State != Failed {
			continue
		}
		if latest == nil || (j.CompletedAt != nil && latest.CompletedAt != nil && j.CompletedAt.After(*latest.CompletedAt)) {
			latest = j
		}
	}

	if latest == nil {
		log.WithField("component", "scheduler").
			Warn("rollback triggered but no terminal job to associate it with")
		return
	}

	latest.State = RolledBack
	latest.RollbackTriggered = true
	latest.RollbackReason = reason
	if err := s.persistLocked(); err != nil {
		log.WithField("component", "scheduler").WithError(err).Error("failed to persist rollback association")
	}
}
