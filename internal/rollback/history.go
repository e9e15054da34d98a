package rollback

import (
	"time"

	"github.com/keelos/agent/internal/datastore"
)

// Event is one recorded rollback, whether triggered by the boot supervisor
// or requested directly via TriggerRollback.
type Event struct {
	Reason       string    `json:"reason"`
	TriggeredAt  time.Time `json:"triggered_at"`
	FromSlot     *int      `json:"from_slot,omitempty"`
	ToSlot       *int      `json:"to_slot,omitempty"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// History persists the append-only log of rollback events via the same
// write-then-rename JSONStore used for job scheduling and boot state.
type History struct {
	js *datastore.JSONStore
}

func NewHistory(dir *datastore.DirStore) *History {
	return &History{js: datastore.NewJSONStore(dir, "rollback-history.json")}
}

// Append records ev at the end of the log.
func (h *History) Append(ev Event) error {
	var events []Event
	if err := h.js.Load(&events); err != nil {
		return err
	}
	events = append(events, ev)
	return h.js.Save(&events)
}

// List returns every recorded event, oldest first.
func (h *History) List() ([]Event, error) {
	var events []Event
	if err := h.js.Load(&events); err != nil {
		return nil, err
	}
	return events, nil
}
