package drip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/ignite/lead-drip/internal/sequence"
	"github.com/sirupsen/logrus"
)

// Rebuilder reconstructs local progress from the contact store.
type Rebuilder struct {
	sequence string
	tag      string
	resolver *sequence.Resolver
	contacts ContactStore
	provider DeliveryProvider
	now      func() time.Time
	log      *logrus.Entry
}

// NewRebuilder creates a rebuilder for the contacts tagged tag.
func NewRebuilder(seq, tag string, resolver *sequence.Resolver, contacts ContactStore, provider DeliveryProvider) *Rebuilder {
	return &Rebuilder{
		sequence: seq,
		tag:      tag,
		resolver: resolver,
		contacts: contacts,
		provider: provider,
		now:      time.Now,
		log:      logger.Component("rebuild"),
	}
}

// Rebuild derives each contact's stage from the stage marker the engine wrote
// to the contact store. The send log only restores reference times. Provider
// history advances a contact whose marker write was lost.
func (b *Rebuilder) Rebuild(ctx context.Context) (*State, error) {
	contacts, err := b.contacts.ListContacts(ctx, b.tag)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}

	sends, err := b.contacts.ListSends(ctx, b.sequence)
	if err != nil {
		b.log.WithError(err).Warn("send log unavailable, reference times fall back to rebuild time")
		sends = nil
	}
	byRecipient := make(map[string][]SendRecord)
	for _, s := range sends {
		email := NormalizeEmail(s.Recipient)
		byRecipient[email] = append(byRecipient[email], s)
	}

	history, err := b.provider.ListHistory(ctx)
	if err != nil && !errors.Is(err, ErrUnsupported) {
		b.log.WithError(err).Warn("provider history unavailable")
	}
	seen := make(map[historyKey]HistoryEntry, len(history))
	for _, h := range history {
		seen[historyKey{NormalizeEmail(h.To), strings.TrimSpace(h.Subject)}] = h
	}

	now := b.now()
	state := NewState()
	var advanced, unknownMarkers int
	for _, c := range contacts {
		email := NormalizeEmail(c.Email)
		if email == "" {
			continue
		}
		seg, stages := b.resolver.Resolve(c.Segment)

		stage, ok := ParseStageMarker(c.StageMarker, len(stages))
		if !ok {
			unknownMarkers++
			b.log.WithFields(logrus.Fields{"recipient": email, "marker": c.StageMarker}).Warn("unrecognised stage marker, treating as not started")
		}

		rec, _ := state.Track(email, firstTime(c.SignedUpAt, c.CreatedAt, now))
		rec.Name = c.Name
		rec.Segment = c.Segment
		rec.Terminal = TerminalReason(c.SuppressedReason)
		rec.LastStage = stage
		rec.Sends = restoreSends(byRecipient[email])
		if e, ok := rec.SentStage(stage); ok {
			rec.StageReachedAt = e.SentAt
		} else if stage > 0 {
			rec.StageReachedAt = now
		}

		for rec.LastStage < len(stages) {
			next := stages[rec.LastStage]
			out, err := next.Render(sequence.Recipient{Email: email, Name: c.Name, Segment: seg})
			if err != nil {
				break
			}
			h, ok := seen[historyKey{email, out.Subject}]
			if !ok {
				break
			}
			at := firstTime(h.CreatedAt, now)
			if _, held := rec.SentStage(next.Index); !held {
				rec.Sends = append(rec.Sends, SendEntry{
					Stage:     next.Index,
					StageKey:  next.Key,
					MessageID: h.ID,
					SentAt:    at,
					Status:    StatusSent,
				})
			}
			rec.Advance(next.Index, at)
			advanced++
		}
	}

	b.log.WithFields(logrus.Fields{
		"contacts":        len(state.Contacts),
		"advanced":        advanced,
		"unknown_markers": unknownMarkers,
	}).Info("progress rebuilt from contact store")
	return state, nil
}

func sendEntryFrom(r SendRecord) SendEntry {
	return SendEntry{
		Stage:     r.Stage,
		StageKey:  r.StageKey,
		MessageID: r.MessageID,
		SentAt:    r.SentAt,
		Status:    r.Status,
		Error:     r.Error,
	}
}

func restoreSends(records []SendRecord) []SendEntry {
	out := make([]SendEntry, 0, len(records))
	for _, r := range records {
		out = append(out, sendEntryFrom(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}
