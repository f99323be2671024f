// Package health runs the component check battery and aggregates the
// results for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"agentd/pkg/logx"
)

// Status grades one component check.
type Status string

const (
	StatusOK    Status = "ok"
	StatusWarn  Status = "warn"
	StatusError Status = "error"
)

// Overall aggregate grades.
const (
	OverallHealthy   = "healthy"
	OverallDegraded  = "degraded"
	OverallUnhealthy = "unhealthy"
)

// Result is one component's check outcome, recomputed on every battery run.
type Result struct {
	Component string `json:"component"`
	Status    Status `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

// Summary counts results per grade.
type Summary struct {
	Total int `json:"total"`
	OK    int `json:"ok"`
	Warn  int `json:"warn"`
	Error int `json:"error"`
}

// Report is the aggregate returned by the health endpoint.
type Report struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Result  `json:"checks"`
	Summary   Summary   `json:"summary"`
}

// CheckFunc probes one component. Latency is stamped by the Checker.
type CheckFunc func(ctx context.Context) Result

// Checker runs a fixed battery of checks in parallel.
type Checker struct {
	checks []CheckFunc
	logger *logx.Logger
}

func NewChecker(checks ...CheckFunc) *Checker {
	return &Checker{checks: checks, logger: logx.NewLogger("health")}
}

// Run executes every check concurrently and aggregates: any error makes
// the overall status unhealthy, else any warn makes it degraded, else
// healthy. Result order matches registration order.
func (c *Checker) Run(ctx context.Context) Report {
	results := make([]Result, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func(i int, check CheckFunc) {
			defer wg.Done()
			start := time.Now()
			res := check(ctx)
			res.LatencyMS = time.Since(start).Milliseconds()
			results[i] = res
		}(i, check)
	}
	wg.Wait()

	report := Report{
		Status:    OverallHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    results,
	}
	for _, res := range results {
		report.Summary.Total++
		switch res.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusWarn:
			report.Summary.Warn++
			if report.Status == OverallHealthy {
				report.Status = OverallDegraded
			}
		default:
			report.Summary.Error++
			report.Status = OverallUnhealthy
		}
	}
	if report.Status != OverallHealthy {
		c.logger.Warn("health check %s: %d ok, %d warn, %d error",
			report.Status, report.Summary.OK, report.Summary.Warn, report.Summary.Error)
	}
	return report
}
