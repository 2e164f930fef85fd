package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/pkg/schema"
)

func TestRecorder_ObserveOperation(t *testing.T) {
	r := NewRecorder()
	r.ObserveOperation("approve", "ok", 3*time.Millisecond)
	r.ObserveOperation("approve", "ok", time.Millisecond)
	r.ObserveOperation("approve", "NOT_AUTHORIZED", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("approve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("approve", "NOT_AUTHORIZED")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestRecorder_ActiveInstances(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	emit := func(kind schema.EventKind, data map[string]any) {
		require.NoError(t, r.Emit(ctx, engine.Event{Kind: kind, InstanceID: "inst", Data: data}))
	}

	emit(schema.EventWorkflowStarted, nil)
	emit(schema.EventWorkflowStarted, nil)
	emit(schema.EventWorkflowStarted, nil)
	emit(schema.EventStepAssigned, nil)
	emit(schema.EventWorkflowCompleted, nil)
	emit(schema.EventWorkflowCancelled, map[string]any{"previous_status": "in_progress"})
	emit(schema.EventWorkflowCancelled, map[string]any{"previous_status": "draft"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.active))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.events.WithLabelValues("workflow_started")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.events.WithLabelValues("workflow_cancelled")))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.ObserveOperation("start", "ok", time.Millisecond)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `hrflow_transitions_total{action="start",result="ok"} 1`)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
}
