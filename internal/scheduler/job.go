// Package scheduler implements the durable update-job table: scheduling,
// cancellation, state transitions, due-job queries, and the cooperative
// executor tick loop that drives jobs through the partition engine.
package scheduler

import "time"

// State is one of UpdateJob's fixed lifecycle states.
type State string

const (
	Pending     State = "Pending"
	Running     State = "Running"
	Completed   State = "Completed"
	Failed      State = "Failed"
	Cancelled   State = "Cancelled"
	RolledBack  State = "RolledBack"
)

// IsTerminal reports whether s ends a job's run; entering one stamps
// CompletedAt. RegisterRollback may still move a Completed or Failed job to
// RolledBack.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled, RolledBack:
		return true
	default:
		return false
	}
}

// UpdateJob is the persisted record of one scheduled or in-flight update.
type UpdateJob struct {
	ID             string `json:"id"`
	SourceURL      string `json:"source_url"`
	ExpectedDigest string `json:"expected_digest,omitempty"`

	ScheduledAt               *time.Time `json:"scheduled_at,omitempty"`
	MaintenanceWindowSeconds  int        `json:"maintenance_window_seconds,omitempty"`

	IsDelta        bool   `json:"is_delta"`
	FallbackToFull bool   `json:"fallback_to_full"`
	FullImageURL   string `json:"full_image_url,omitempty"`

	PreHook  string `json:"pre_hook,omitempty"`
	PostHook string `json:"post_hook,omitempty"`

	AutoRollback         bool `json:"auto_rollback"`
	HealthTimeoutSeconds int  `json:"health_timeout_seconds,omitempty"`

	State State `json:"state"`

	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	RollbackTriggered bool       `json:"rollback_triggered"`
	RollbackReason    string     `json:"rollback_reason,omitempty"`
}

// ScheduleParams is the set of caller-supplied fields for scheduling a new
// job; the rest of UpdateJob is computed.
type ScheduleParams struct {
	SourceURL                string
	ExpectedDigest           string
	ScheduledAt              *time.Time
	MaintenanceWindowSeconds int
	IsDelta                  bool
	FallbackToFull           bool
	FullImageURL             string
	PreHook                  string
	PostHook                 string
	AutoRollback             bool
	HealthTimeoutSeconds     int
}
