package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics is the aggregated event picture for one run, as scraped by a
// Prometheus server.
type RunMetrics struct {
	RunID         string `json:"run_id"`
	OutputEvents  int64  `json:"output_events"`
	ErrorEvents   int64  `json:"error_events"`
	InputRequests int64  `json:"input_requests"`
	TotalEvents   int64  `json:"total_events"`
}

// QueryService aggregates agentd metrics from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{client: client, queryAPI: v1.NewAPI(client)}, nil
}

// GetRunMetrics retrieves per-run event aggregates.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	m := &RunMetrics{RunID: runID}

	var err error
	if m.OutputEvents, err = q.sum(ctx, fmt.Sprintf(`sum(agentd_events_total{run_id=%q, type="output"})`, runID)); err != nil {
		return nil, fmt.Errorf("failed to query output events: %w", err)
	}
	if m.ErrorEvents, err = q.sum(ctx, fmt.Sprintf(`sum(agentd_events_total{run_id=%q, type="error"})`, runID)); err != nil {
		return nil, fmt.Errorf("failed to query error events: %w", err)
	}
	if m.InputRequests, err = q.sum(ctx, fmt.Sprintf(`sum(agentd_events_total{run_id=%q, type="input_request"})`, runID)); err != nil {
		return nil, fmt.Errorf("failed to query input requests: %w", err)
	}
	if m.TotalEvents, err = q.sum(ctx, fmt.Sprintf(`sum(agentd_events_total{run_id=%q})`, runID)); err != nil {
		return nil, fmt.Errorf("failed to query total events: %w", err)
	}
	return m, nil
}

// RunCounts returns finished-run totals per terminal status.
func (q *QueryService) RunCounts(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (status) (agentd_runs_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query run counts: %w", err)
	}
	counts := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			counts[string(sample.Metric["status"])] = int64(sample.Value)
		}
	}
	return counts, nil
}

func (q *QueryService) sum(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
