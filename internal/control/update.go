package control

import (
	"context"
	"net/http"

	"github.com/keelos/agent/internal/partition"
	"github.com/keelos/agent/internal/scheduler"
)

// UpdatePhase is one of the four phases InstallUpdate's stream reports.
type UpdatePhase string

const (
	PhasePreparing   UpdatePhase = "preparing"
	PhaseDownloading UpdatePhase = "downloading"
	PhaseVerifying   UpdatePhase = "verifying"
	PhaseCompleted   UpdatePhase = "completed"
)

// UpdateProgress is one message in InstallUpdate's stream.
type UpdateProgress struct {
	Percent    int         `json:"percent"`
	Message    string      `json:"message"`
	Success    bool        `json:"success"`
	Phase      UpdatePhase `json:"phase"`
	BytesSaved int64       `json:"bytes_saved"`
}

// InstallRequest is InstallUpdate's parameter set.
type InstallRequest struct {
	SourceURL      string
	ExpectedDigest string
	IsDelta        bool
	FallbackToFull bool
	FullImageURL   string
}

// InstallUpdate drives an update through the partition engine synchronously
// and immediately, bypassing the scheduler's job table entirely — this is
// the "right now, interactively" path; ScheduleUpdate is the durable,
// deferred one. The returned channel is closed after the final message.
func (s *Server) InstallUpdate(ctx context.Context, req InstallRequest) <-chan UpdateProgress {
	out := make(chan UpdateProgress, 4)

	go func() {
		defer close(out)

		out <- UpdateProgress{Phase: PhasePreparing, Message: "identifying inactive partition"}

		inactive, err := s.Engine.IdentifyInactive()
		if err != nil {
			out <- failureProgress(PhasePreparing, err)
			return
		}

		// record_previous_for_rollback must happen strictly before switch_boot,
		// so a later TriggerRollback has a previous slot to act on.
		if err := s.Engine.RecordPreviousForRollback(s.RollbackStore); err != nil {
			out <- failureProgress(PhasePreparing, err)
			return
		}

		out <- UpdateProgress{Percent: 10, Phase: PhaseDownloading, Message: "flashing " + req.SourceURL}

		flashReq := partition.FlashRequest{
			SourceURL:      req.SourceURL,
			TargetDevice:   inactive.Device,
			ExpectedDigest: req.ExpectedDigest,
			IsDelta:        req.IsDelta,
		}
		if req.FallbackToFull {
			flashReq.FallbackURL = req.FullImageURL
		}

		saved, err := partition.Flash(ctx, http.DefaultClient, s.DeltaApplier, flashReq)
		if err != nil {
			out <- failureProgress(PhaseVerifying, err)
			return
		}

		if err := s.Engine.SwitchBoot(inactive.Index); err != nil {
			out <- failureProgress(PhaseVerifying, err)
			return
		}

		out <- UpdateProgress{
			Percent:    100,
			Phase:      PhaseCompleted,
			Message:    "update installed",
			Success:    true,
			BytesSaved: saved,
		}
	}()

	return out
}

func failureProgress(phase UpdatePhase, err error) UpdateProgress {
	return UpdateProgress{Phase: phase, Message: err.Error(), Success: false}
}

// ScheduleUpdate records a new update job for the scheduler to pick up on
// its next tick. UpdateJob already carries id, status (State), and
// scheduled_at, so it doubles as §6's {id, status, scheduled_at} response.
func (s *Server) ScheduleUpdate(params scheduler.ScheduleParams) (scheduler.UpdateJob, error) {
	return s.Scheduler.Schedule(params)
}

// GetUpdateSchedule returns every known job, in creation order.
func (s *Server) GetUpdateSchedule() []scheduler.UpdateJob {
	return s.Scheduler.List()
}

// CancelScheduledUpdate cancels a Pending job; it is an error to cancel one
// already Running or terminal.
func (s *Server) CancelScheduledUpdate(id string) (bool, string) {
	if err := s.Scheduler.Cancel(id); err != nil {
		return false, err.Error()
	}
	return true, "cancelled"
}
