package control

import (
	"time"

	"github.com/keelos/agent/internal/coreerr"
	"github.com/keelos/agent/internal/rollback"
)

// TriggerRollback forces an immediate rollback to the previous partition,
// independent of the boot-time health verdict, recording the event in the
// same history an automatic rollback would.
func (s *Server) TriggerRollback(reason string) (bool, string) {
	rec, err := s.RollbackStore.Load()
	if err != nil {
		return false, "cannot read rollback state: " + err.Error()
	}
	if rec.PreviousPartition == nil {
		return false, "no previous partition recorded"
	}

	if err := s.RollbackEngine.RollbackToPrevious(s.RollbackStore); err != nil {
		s.recordRollback(reason, rec.PreviousPartition, false, err.Error())
		return false, err.Error()
	}

	s.recordRollback(reason, rec.PreviousPartition, true, "")
	return true, "rollback applied, reboot to take effect"
}

func (s *Server) recordRollback(reason string, toSlot *int, success bool, errMsg string) {
	if s.RollbackHistory == nil {
		return
	}
	_ = s.RollbackHistory.Append(rollback.Event{
		Reason:       reason,
		TriggeredAt:  time.Now(),
		ToSlot:       toSlot,
		Success:      success,
		ErrorMessage: errMsg,
	})
}

// GetRollbackHistory returns every recorded rollback event, oldest first.
func (s *Server) GetRollbackHistory() ([]rollback.Event, error) {
	events, err := s.RollbackHistory.List()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "control.GetRollbackHistory", err, "reading rollback history")
	}
	return events, nil
}
