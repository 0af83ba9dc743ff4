package drip

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/ignite/lead-drip/internal/sequence"
	"github.com/sirupsen/logrus"
)

// StageSync writes each contact's stage marker and suppression back to the
// contact store, touching only rows that differ. A marker never moves
// backwards: a local record behind the stored marker is pulled forward
// instead.
type StageSync struct {
	tag      string
	resolver *sequence.Resolver
	contacts ContactStore
	crm      crmWriter
	now      func() time.Time
	log      *logrus.Entry
}

// NewStageSync creates a stage write-back for contacts tagged tag.
func NewStageSync(tag string, resolver *sequence.Resolver, contacts ContactStore, recorder Recorder) *StageSync {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	log := logger.Component("stage_sync")
	return &StageSync{
		tag:      tag,
		resolver: resolver,
		contacts: contacts,
		crm:      crmWriter{contacts: contacts, recorder: recorder, log: log},
		now:      time.Now,
		log:      log,
	}
}

// Sync returns an error only when the contact store cannot be listed.
// Individual write failures are logged and counted.
func (s *StageSync) Sync(ctx context.Context, state *State, run *RunRecord) error {
	contacts, err := s.contacts.ListContacts(ctx, s.tag)
	if err != nil {
		return fmt.Errorf("listing %q contacts: %w", s.tag, err)
	}
	current := indexContacts(contacts)

	emails := make([]string, 0, len(state.Contacts))
	for email := range state.Contacts {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	now := s.now()
	var unchanged, failed, caughtUp int
	for _, email := range emails {
		rec := state.Contacts[email]
		_, stages := s.resolver.Resolve(rec.Segment)

		c, exists := current[email]
		if exists && rec.CatchUp(c, len(stages), now) {
			caughtUp++
		}
		marker := FormatStageMarker(rec.LastStage, len(stages))

		if exists && c.StageMarker == marker && (rec.Terminal == "" || c.SuppressedReason == string(rec.Terminal)) {
			unchanged++
			continue
		}

		fields := ContactFields{StageMarker: marker, SuppressedReason: string(rec.Terminal)}
		if !exists {
			// audience-only members get a tagged row so a rebuild can find them
			fields.Tag = s.tag
			fields.Name = rec.Name
			fields.Segment = rec.Segment
			fields.SignedUpAt = rec.SignedUpAt
		}
		if !s.crm.upsert(ctx, email, fields, "stage_marker") {
			failed++
			continue
		}
		run.StageSynced++
	}

	s.log.WithFields(logrus.Fields{
		"updated":   run.StageSynced,
		"unchanged": unchanged,
		"caught_up": caughtUp,
		"failed":    failed,
	}).Info("stage markers synced")
	return nil
}
