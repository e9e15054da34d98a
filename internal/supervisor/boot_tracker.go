package supervisor

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// PhaseRecord is the start/end/duration of one named boot phase.
type PhaseRecord struct {
	Name     string
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// BootTracker records the named phases of bring-up and can emit a summary
// table plus total boot duration once the sequence completes. keel-init
// records filesystem (which includes the cgroup v2 mount), network,
// bootstrap_certs and services; it has no separate cgroups phase.
type BootTracker struct {
	records []PhaseRecord
	current *PhaseRecord
	started time.Time
}

// NewBootTracker starts the overall boot-duration clock.
func NewBootTracker() *BootTracker {
	return &BootTracker{started: time.Now()}
}

// StartPhase closes out whatever phase is currently open, then opens name.
func (b *BootTracker) StartPhase(name string) {
	b.endCurrent()
	b.current = &PhaseRecord{Name: name, Start: time.Now()}
}

// EndCurrentPhase closes the currently open phase, if any.
func (b *BootTracker) EndCurrentPhase() {
	b.endCurrent()
}

func (b *BootTracker) endCurrent() {
	if b.current == nil {
		return
	}
	b.current.End = time.Now()
	b.current.Duration = b.current.End.Sub(b.current.Start)
	b.records = append(b.records, *b.current)
	b.current = nil
}

// Records returns a copy of the completed phase records.
func (b *BootTracker) Records() []PhaseRecord {
	out := make([]PhaseRecord, len(b.records))
	copy(out, b.records)
	return out
}

// LogSummary emits one log line per phase plus the total elapsed time since
// NewBootTracker. Call after EndCurrentPhase.
func (b *BootTracker) LogSummary() {
	total := time.Since(b.started)
	for _, r := range b.records {
		log.WithField("phase", r.Name).WithField("duration_ms", r.Duration.Milliseconds()).Info("supervisor: boot phase complete")
	}
	log.WithField("total_ms", total.Milliseconds()).Info("supervisor: boot sequence complete")
}
