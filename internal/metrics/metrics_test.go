package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ignite/lead-drip/internal/drip"
	"github.com/jarcoal/httpmock"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			found++
		}
	}
	return found == len(want)
}

func TestRecorder_ObserveRun(t *testing.T) {
	r := NewRecorder(Options{})
	started := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	run := &drip.RunRecord{
		Action:     "run",
		StartedAt:  started,
		FinishedAt: started.Add(42 * time.Second),
		Sent:       3,
		Failed:     1,
		Waiting:    7,
		Ingested:   2,
		Outcomes: []drip.SendOutcome{
			{Result: drip.OutcomeSkipped, Reason: drip.SkipDuplicate},
			{Result: drip.OutcomeSkipped, Reason: drip.SkipCap},
			{Result: drip.OutcomeSkipped, Reason: drip.SkipCap},
		},
		StepErrors: map[string]string{"reconcile": "boom"},
	}

	r.ObserveRun(run)
	r.ObserveRun(run)
	r.SecondaryWriteFailed("contact_store")

	assert.Equal(t, 6.0, metricValue(t, r, "drip_sends_total", map[string]string{"result": "sent"}))
	assert.Equal(t, 2.0, metricValue(t, r, "drip_sends_total", map[string]string{"result": "failed"}))
	assert.Equal(t, 4.0, metricValue(t, r, "drip_skips_total", map[string]string{"reason": "cap"}))
	assert.Equal(t, 2.0, metricValue(t, r, "drip_step_errors_total", map[string]string{"step": "reconcile"}))
	assert.Equal(t, 1.0, metricValue(t, r, "drip_secondary_write_failures_total", map[string]string{"target": "contact_store"}))
	assert.Equal(t, 7.0, metricValue(t, r, "drip_waiting_contacts", nil))
	assert.Equal(t, float64(run.FinishedAt.Unix()), metricValue(t, r, "drip_last_run_timestamp_seconds", map[string]string{"action": "run"}))
}

func TestRecorder_PushDisabled(t *testing.T) {
	assert.NoError(t, NewRecorder(Options{}).Push(context.Background()))
}

func TestRecorder_Push(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPut, "http://pushgateway.test/metrics/job/lead_drip",
		httpmock.NewStringResponder(200, ""))

	r := NewRecorder(Options{
		PushURL: "http://pushgateway.test",
		Client:  &http.Client{Transport: transport},
	})
	r.ObserveRun(&drip.RunRecord{Action: "run", Sent: 1})

	require.NoError(t, r.Push(context.Background()))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestRecorder_PushFailure(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPut, "http://pushgateway.test/metrics/job/nightly",
		httpmock.NewStringResponder(500, "down"))

	r := NewRecorder(Options{PushURL: "http://pushgateway.test", Job: "nightly", Client: &http.Client{Transport: transport}})
	assert.Error(t, r.Push(context.Background()))
}
