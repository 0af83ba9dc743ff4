package drip

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ignite/lead-drip/internal/pkg/distlock"
	"github.com/ignite/lead-drip/internal/sequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_RecordsRun(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))

	run := h.run(t)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "run", run.Action)
	assert.Empty(t, run.StepErrors)
	assert.Equal(t, 1, h.provider.ensured)
	assert.Equal(t, 1, h.recorder.runs)
	assert.Equal(t, 1, h.recorder.pushes)

	st := h.progress.state(t)
	require.Len(t, st.Runs, 1)
	assert.Equal(t, run.ID, st.Runs[0].ID)
	assert.Equal(t, 1, st.TotalSent)
	assert.False(t, h.lock.held)
	assert.Equal(t, 1, h.lock.released)
}

func TestOrchestrator_LockHeld(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.lock.held = true

	_, err := h.orch.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.ErrorIs(t, err, distlock.ErrHeld)
	assert.Empty(t, h.provider.sent)
	assert.Zero(t, h.progress.saves)
}

func TestOrchestrator_RebuildFailureIsStructural(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.contacts.listErr = errors.New("database unreachable")

	_, err := h.orch.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.Empty(t, h.provider.sent)
	assert.False(t, h.lock.held)
}

func TestOrchestrator_AudienceUnavailableSendsNothing(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.run(t)
	h.clock.advance(4 * 24 * time.Hour)

	h.provider.listErr = errors.New("503 from provider")
	run := h.run(t)

	assert.Equal(t, 0, run.Sent)
	assert.Contains(t, run.StepErrors, StepListAudience)
	assert.NotContains(t, run.StepErrors, StepReconcile)
	assert.Len(t, h.provider.sent, 1)
}

func TestOrchestrator_StepFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.contacts.sendsErr = errors.New("send log query timeout")
	h.provider.historyErr = errors.New("history 500")

	run := h.run(t)
	assert.Equal(t, 1, run.Sent)
	assert.Contains(t, run.StepErrors, StepSendLog)
	assert.Contains(t, run.StepErrors, StepHistory)
	assert.Equal(t, 1, h.progress.state(t).Contacts["a@x.com"].LastStage)
}

func TestOrchestrator_UnknownSegmentOption(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	_, err := h.orch.Run(context.Background(), RunOptions{Segment: "whales"})
	assert.True(t, IsStructural(err))
	assert.False(t, h.lock.held)
}

func TestOrchestrator_MissingDeps(t *testing.T) {
	_, err := NewOrchestrator(Config{}, Deps{})
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.Contains(t, err.Error(), "contact store")
}

func TestOrchestrator_Reset(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.run(t)

	assert.ErrorIs(t, h.orch.Reset(context.Background(), false), ErrNotConfirmed)
	assert.False(t, h.progress.state(t).Empty())

	require.NoError(t, h.orch.Reset(context.Background(), true))
	assert.True(t, h.progress.state(t).Empty())
	assert.False(t, h.lock.held)
}

func TestOrchestrator_SyncStagesDiffOnly(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.lead("b@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.run(t)

	run, err := h.orch.SyncStages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, run.StageSynced)

	h.contacts.contacts["b@x.com"].StageMarker = "Not Started"
	upserts := h.contacts.upserts
	run, err = h.orch.SyncStages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.StageSynced)
	assert.Equal(t, upserts+1, h.contacts.upserts)
	assert.Equal(t, "Stage 1", h.contacts.contacts["b@x.com"].StageMarker)
}

func TestOrchestrator_SyncCreatesRowsForAudienceOnlyMembers(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.provider.audience = []AudienceMember{{Email: "walkin@x.com", Name: "Walk In", CreatedAt: h.clock.now().Add(-time.Hour)}}

	h.run(t)

	c, ok := h.contacts.contacts["walkin@x.com"]
	require.True(t, ok)
	assert.Equal(t, []string{testTag}, c.Tags)
	assert.Equal(t, "Stage 1", c.StageMarker)
}

func TestOrchestrator_ReconcileAction(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.run(t)

	h.provider.statuses["msg-1"] = DeliveryEvent{Event: "opened", OccurredAt: h.clock.now()}
	run, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Reconciled)
	assert.Equal(t, StatusOpened, h.contacts.sendRows("a@x.com")[0].Status)
	assert.Equal(t, StatusOpened, h.progress.state(t).Contacts["a@x.com"].Sends[0].Status)
}

func TestOrchestrator_Status(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.lead("u@x.com", "active_hedger", h.clock.now().Add(-24*time.Hour))
	h.provider.setUnsubscribed("u@x.com", true)
	h.run(t)
	h.provider.audience = append(h.provider.audience, AudienceMember{Email: "late@x.com"})

	report, err := h.orch.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Tracked)
	assert.Equal(t, 1, report.ByStage[1])
	assert.Equal(t, 1, report.Terminal[TerminalUnsubscribed])
	assert.Equal(t, 1, report.TotalSent)
	assert.Equal(t, 1, report.Runs)
	assert.Equal(t, []string{"late@x.com"}, report.Untracked)
	assert.Equal(t, 1, report.BySegment["active_hedger"])

	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "Tracked contacts")
	assert.Contains(t, buf.String(), "Stopped (unsubscribed)")
}

func TestOrchestrator_Preview(t *testing.T) {
	h := newHarness(t, twoStageResolver(t))

	seg, stages, err := h.orch.Preview("aware_not_hedging", sequence.Recipient{Email: "p@x.com", Name: "Pat Doe"})
	require.NoError(t, err)
	assert.Equal(t, sequence.AwareNotHedging, seg)
	require.Len(t, stages, 2)
	assert.Equal(t, "followup for aware_not_hedging", stages[1].Subject)
	assert.Equal(t, 3, stages[1].DelayDays)
	assert.Contains(t, stages[0].HTML, "Hi Pat")

	seg, _, err = h.orch.Preview("", sequence.Recipient{Email: "p@x.com"})
	require.NoError(t, err)
	assert.Equal(t, sequence.UnsuccessfulUnaware, seg)
}

func TestOrchestrator_UntrackedContactFollowsStageMarker(t *testing.T) {
	h := newHarness(t, threeStageResolver(t))
	h.lead("a@x.com", "", h.clock.now().Add(-24*time.Hour))
	h.run(t)
	require.False(t, h.progress.state(t).Empty())

	// known to the contact store at stage 2 but never tracked locally
	h.contacts.add(Contact{Email: "b@x.com", Tags: []string{testTag}, StageMarker: "Stage 2", SignedUpAt: h.clock.now().Add(-10 * 24 * time.Hour)})
	h.provider.audience = append(h.provider.audience, AudienceMember{Email: "b@x.com"})
	h.clock.advance(2 * 24 * time.Hour)

	run := h.run(t)
	assert.Equal(t, 1, run.Sent)
	assert.Empty(t, h.provider.sentTo("b@x.com"))
	assert.Equal(t, 2, h.progress.state(t).Contacts["b@x.com"].LastStage)
	assert.Equal(t, "Stage 2", h.contacts.contacts["b@x.com"].StageMarker)

	h.clock.advance(3 * 24 * time.Hour)
	h.run(t)
	assert.Equal(t, []string{"final for unsuccessful_unaware"}, h.provider.sentTo("b@x.com"))
	assert.Equal(t, MarkerComplete, h.contacts.contacts["b@x.com"].StageMarker)
}
