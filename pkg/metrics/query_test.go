package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePromServer answers /api/v1/query with the JSON the handler returns
// for each PromQL expression.
func fakePromServer(handler func(query string) string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v1/query") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, handler(r.FormValue("query")))
	}))
}

func vectorJSON(samples ...string) string {
	return `{"status":"success","data":{"resultType":"vector","result":[` +
		strings.Join(samples, ",") + `]}}`
}

func TestGetRunMetrics(t *testing.T) {
	server := fakePromServer(func(query string) string {
		switch {
		case strings.Contains(query, `type="output"`):
			return vectorJSON(`{"metric":{},"value":[1700000000,"7"]}`)
		case strings.Contains(query, `type="error"`):
			return vectorJSON(`{"metric":{},"value":[1700000000,"1"]}`)
		case strings.Contains(query, `type="input_request"`):
			return vectorJSON(`{"metric":{},"value":[1700000000,"2"]}`)
		default:
			return vectorJSON(`{"metric":{},"value":[1700000000,"10"]}`)
		}
	})
	defer server.Close()

	qs, err := NewQueryService(server.URL)
	require.NoError(t, err)

	m, err := qs.GetRunMetrics(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, int64(7), m.OutputEvents)
	assert.Equal(t, int64(1), m.ErrorEvents)
	assert.Equal(t, int64(2), m.InputRequests)
	assert.Equal(t, int64(10), m.TotalEvents)
}

func TestGetRunMetricsEmptyResult(t *testing.T) {
	server := fakePromServer(func(string) string { return vectorJSON() })
	defer server.Close()

	qs, err := NewQueryService(server.URL)
	require.NoError(t, err)

	m, err := qs.GetRunMetrics(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Zero(t, m.TotalEvents)
	assert.Zero(t, m.OutputEvents)
}

func TestRunCounts(t *testing.T) {
	server := fakePromServer(func(string) string {
		return vectorJSON(
			`{"metric":{"status":"completed"},"value":[1700000000,"3"]}`,
			`{"metric":{"status":"failed"},"value":[1700000000,"1"]}`,
		)
	})
	defer server.Close()

	qs, err := NewQueryService(server.URL)
	require.NoError(t, err)

	counts, err := qs.RunCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"completed": 3, "failed": 1}, counts)
}
