// Package rollback implements the boot-time health supervisor: after a
// stabilization grace period it runs a set of pluggable probes and, on an
// unhealthy verdict with a recorded previous partition, switches boot back
// and reboots.
package rollback

import (
	"context"
	"time"
)

// Status is the overall health verdict produced by classifying probe
// results.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Result is the outcome of a single probe run.
type Result struct {
	Pass    bool
	Message string
}

// Probe is a pluggable health check. is_critical determines whether a
// failure contributes to Unhealthy (critical) or Degraded (non-critical).
type Probe interface {
	Name() string
	Check(ctx context.Context) Result
	IsCritical() bool
}

// Execution records one probe's outcome alongside how long it took, for
// reporting and the rollback-history audit trail.
type Execution struct {
	Name     string
	Result   Result
	Critical bool
	Duration time.Duration
}

// ProbeConfig carries the retry policy used when probes are run outside the
// boot path (e.g. an operator-triggered health check), carried forward
// verbatim from the original prototype's HealthCheckerConfig.
type ProbeConfig struct {
	TimeoutSeconds      int
	RetryIntervalSeconds int
	MaxRetries          int
}

// DefaultProbeConfig mirrors the prototype's defaults: a five-minute
// timeout, ten-second retry interval, thirty retries.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		TimeoutSeconds:       300,
		RetryIntervalSeconds: 10,
		MaxRetries:           30,
	}
}

// RunAll executes every probe concurrently and returns one Execution per
// probe, in probe order.
func RunAll(ctx context.Context, probes []Probe) []Execution {
	out := make([]Execution, len(probes))
	done := make(chan int, len(probes))

	for i, p := range probes {
		go func(i int, p Probe) {
			start := time.Now()
			res := p.Check(ctx)
			out[i] = Execution{Name: p.Name(), Result: res, Critical: p.IsCritical(), Duration: time.Since(start)}
			done <- i
		}(i, p)
	}
	for range probes {
		<-done
	}
	return out
}

// Classify turns a set of executions into an overall Status: any failing
// critical probe is Unhealthy; any failing non-critical probe (with no
// critical failures) is Degraded; otherwise Healthy.
func Classify(executions []Execution) Status {
	degraded := false
	for _, e := range executions {
		if e.Result.Pass {
			continue
		}
		if e.Critical {
			return Unhealthy
		}
		degraded = true
	}
	if degraded {
		return Degraded
	}
	return Healthy
}

// RunWithRetry runs all probes up to cfg.MaxRetries times, waiting
// cfg.RetryIntervalSeconds between attempts, until Healthy or the
// configured timeout/retry budget is exhausted.
func RunWithRetry(ctx context.Context, probes []Probe, cfg ProbeConfig) (Status, []Execution) {
	deadline := time.Now().Add(time.Duration(cfg.TimeoutSeconds) * time.Second)
	interval := time.Duration(cfg.RetryIntervalSeconds) * time.Second

	var status Status
	var executions []Execution

	for attempt := 1; ; attempt++ {
		executions = RunAll(ctx, probes)
		status = Classify(executions)
		if status == Healthy {
			return status, executions
		}
		if time.Now().After(deadline) {
			return status, executions
		}
		if attempt >= cfg.MaxRetries {
			return status, executions
		}

		select {
		case <-ctx.Done():
			return status, executions
		case <-time.After(interval):
		}
	}
}
