package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"agentd/pkg/proto"
)

func TestRunLifecycleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RunStarted()
	r.RunStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(r.runsActive))

	r.RunFinished(proto.StatusCompleted, 3*time.Second)
	r.RunFinished(proto.StatusFailed, time.Second)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.runsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.runsTotal.WithLabelValues("failed")))
}

func TestEventAndDropCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Event("run-1", proto.UpdateOutput)
	r.Event("run-1", proto.UpdateOutput)
	r.Event("run-1", proto.UpdateError)
	r.QueueDropped(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.eventsTotal.WithLabelValues("run-1", "output")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.eventsTotal.WithLabelValues("run-1", "error")))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.queueDroppedTotal))
}

func TestNotificationCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Notification("sent")
	r.Notification("sent")
	r.Notification("failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(r.notificationsTotal.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.notificationsTotal.WithLabelValues("failed")))
}
