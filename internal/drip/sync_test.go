package drip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageSync_NeverMovesMarkerBackwards(t *testing.T) {
	clock := newClock()
	contacts := newFakeContacts()
	contacts.add(Contact{Email: "a@x.com", Tags: []string{testTag}, StageMarker: "Stage 2"})
	contacts.add(Contact{Email: "b@x.com", Tags: []string{testTag}, StageMarker: "Stage 1"})

	state := NewState()
	behind, _ := state.Track("a@x.com", clock.now().Add(-48*time.Hour))
	behind.LastStage = 1
	ahead, _ := state.Track("b@x.com", clock.now().Add(-48*time.Hour))
	ahead.LastStage = 2

	ss := NewStageSync(testTag, threeStageResolver(t), contacts, nil)
	ss.now = clock.now
	run := &RunRecord{}
	require.NoError(t, ss.Sync(context.Background(), state, run))

	assert.Equal(t, "Stage 2", contacts.contacts["a@x.com"].StageMarker)
	assert.Equal(t, 2, behind.LastStage)
	assert.Equal(t, clock.now(), behind.StageReachedAt)

	assert.Equal(t, "Stage 2", contacts.contacts["b@x.com"].StageMarker)
	assert.Equal(t, 1, run.StageSynced)
	assert.Equal(t, 1, contacts.upserts)
}

func TestStageSync_AdoptsStoredSuppression(t *testing.T) {
	contacts := newFakeContacts()
	contacts.add(Contact{Email: "a@x.com", Tags: []string{testTag}, StageMarker: "Stage 1", SuppressedReason: "complained"})

	state := NewState()
	rec, _ := state.Track("a@x.com", newClock().now())
	rec.LastStage = 1

	run := &RunRecord{}
	require.NoError(t, NewStageSync(testTag, threeStageResolver(t), contacts, nil).Sync(context.Background(), state, run))

	assert.Equal(t, TerminalComplained, rec.Terminal)
	assert.Zero(t, contacts.upserts)
}
