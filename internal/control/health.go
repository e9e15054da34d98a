package control

import (
	"context"
	"time"

	"github.com/keelos/agent/internal/rollback"
)

// ProbeResult is one probe's contribution to GetHealth's response.
type ProbeResult struct {
	Name     string `json:"name"`
	Pass     bool   `json:"pass"`
	Message  string `json:"message"`
	Critical bool   `json:"critical"`
}

// HealthReport answers GetHealth: overall status, the per-probe detail
// behind it, and when it was taken.
type HealthReport struct {
	Status    rollback.Status `json:"status"`
	Probes    []ProbeResult   `json:"probes"`
	Timestamp time.Time       `json:"timestamp"`
}

// GetHealth runs every configured probe once, on demand, independent of
// the boot-time stabilization wait the Supervisor applies; a caller asking
// right now wants the current answer, not one delayed by a sleep meant for
// boot settling.
func (s *Server) GetHealth(ctx context.Context) HealthReport {
	executions := rollback.RunAll(ctx, s.Probes)
	status := rollback.Classify(executions)

	probes := make([]ProbeResult, 0, len(executions))
	for _, e := range executions {
		probes = append(probes, ProbeResult{
			Name:     e.Name,
			Pass:     e.Result.Pass,
			Message:  e.Result.Message,
			Critical: e.Critical,
		})
	}

	return HealthReport{Status: status, Probes: probes, Timestamp: time.Now()}
}
