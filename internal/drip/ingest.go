package drip

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/ignite/lead-drip/internal/sequence"
	"github.com/sirupsen/logrus"
)

// IngestOptions narrows which CRM contacts are ingested.
type IngestOptions struct {
	Since   time.Duration // only contacts signed up within this window, when set
	Segment string        // only contacts resolving to this segment, when set
}

// Ingester brings opted-in CRM contacts into the provider audience and local progress.
type Ingester struct {
	tag      string
	resolver *sequence.Resolver
	contacts ContactStore
	provider DeliveryProvider
	recorder Recorder
	now      func() time.Time
	log      *logrus.Entry
}

// NewIngester creates an ingester for contacts carrying tag.
func NewIngester(tag string, resolver *sequence.Resolver, contacts ContactStore, provider DeliveryProvider, recorder Recorder) *Ingester {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Ingester{
		tag:      tag,
		resolver: resolver,
		contacts: contacts,
		provider: provider,
		recorder: recorder,
		now:      time.Now,
		log:      logger.Component("ingest"),
	}
}

// Ingest adds every tagged CRM contact missing from audience and returns the
// audience with the additions. Adding a present contact is a no-op. It also
// returns the CRM contacts it listed.
func (i *Ingester) Ingest(ctx context.Context, state *State, audience []AudienceMember, opts IngestOptions, run *RunRecord) ([]AudienceMember, []Contact, error) {
	contacts, err := i.contacts.ListContacts(ctx, i.tag)
	if err != nil {
		return audience, nil, fmt.Errorf("listing %q contacts: %w", i.tag, err)
	}

	present := make(map[string]bool, len(audience))
	for _, m := range audience {
		present[NormalizeEmail(m.Email)] = true
	}

	now := i.now()
	var addFailures int
	for _, c := range contacts {
		email := NormalizeEmail(c.Email)
		if email == "" || c.SuppressedReason != "" {
			continue
		}
		signedUp := firstTime(c.SignedUpAt, c.CreatedAt, now)
		if opts.Since > 0 && now.Sub(signedUp) > opts.Since {
			continue
		}
		if opts.Segment != "" {
			if seg, _ := i.resolver.Resolve(c.Segment); string(seg) != opts.Segment {
				continue
			}
		}

		if !present[email] {
			if err := i.provider.AddToAudience(ctx, email, c.Name); err != nil {
				addFailures++
				i.log.WithError(err).WithField("recipient", email).Warn("adding to audience failed")
				continue
			}
			present[email] = true
			audience = append(audience, AudienceMember{Email: email, Name: c.Name, CreatedAt: signedUp})
			run.Ingested++
		}

		rec, added := state.Track(email, signedUp)
		if added {
			rec.Name = c.Name
			rec.Segment = c.Segment
		}
		_, stages := i.resolver.Resolve(firstString(c.Segment, rec.Segment))
		from := rec.LastStage
		if rec.CatchUp(c, len(stages), now) {
			i.log.WithFields(logrus.Fields{
				"recipient": email,
				"from":      from,
				"to":        rec.LastStage,
			}).Warn("local progress behind contact store, caught up")
		}
	}

	i.log.WithFields(logrus.Fields{
		"tagged":   len(contacts),
		"ingested": run.Ingested,
		"failures": addFailures,
	}).Info("ingestion complete")
	if addFailures > 0 && run.Ingested == 0 {
		return audience, contacts, fmt.Errorf("%d audience additions failed", addFailures)
	}
	return audience, contacts, nil
}

// ImportResult summarises a CSV import.
type ImportResult struct {
	Imported int
	Invalid  []string
}

// ImportCSV upserts every row of a CSV with an email column (and optional
// name and segment columns) into the contact store under tag, then adds it to
// the provider audience. Re-importing the same file changes nothing.
func (i *Ingester) ImportCSV(ctx context.Context, r io.Reader) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for idx, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = idx
	}
	emailCol, ok := cols["email"]
	if !ok {
		return nil, errors.New("csv has no email column")
	}
	field := func(row []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	res := &ImportResult{}
	now := i.now()
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("reading csv: %w", err)
		}
		if emailCol >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[emailCol])
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			res.Invalid = append(res.Invalid, raw)
			continue
		}
		email := NormalizeEmail(addr.Address)
		name := field(row, "name")
		segment := field(row, "segment")
		if segment != "" {
			if _, known := sequence.ParseSegment(segment); !known {
				i.log.WithFields(logrus.Fields{"recipient": email, "segment": segment}).Warn("unknown segment, default applies")
			}
		}

		if err := i.contacts.UpsertContact(ctx, email, ContactFields{
			Name:       name,
			Segment:    segment,
			Tag:        i.tag,
			SignedUpAt: now,
		}); err != nil {
			return res, fmt.Errorf("upserting %s: %w", logger.RedactEmail(email), err)
		}
		if err := i.provider.AddToAudience(ctx, email, name); err != nil {
			return res, fmt.Errorf("adding %s to audience: %w", logger.RedactEmail(email), err)
		}
		res.Imported++
	}

	i.log.WithFields(logrus.Fields{"imported": res.Imported, "invalid": len(res.Invalid)}).Info("csv import complete")
	return res, nil
}
