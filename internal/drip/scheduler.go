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
	"golang.org/x/time/rate"
)

// SchedulerConfig holds the caps and guards for one batch.
type SchedulerConfig struct {
	Sequence               string
	From                   string
	ReplyTo                string
	MaxSendsPerRun         int // 0 is unlimited
	MaxSendsPerStagePerRun int // 0 is unlimited
	QuietPeriod            time.Duration
	SendDelay              time.Duration
	Segment                string // restrict the batch to one segment when set
}

// Scheduler decides which contacts receive their next stage and sends it.
type Scheduler struct {
	cfg      SchedulerConfig
	resolver *sequence.Resolver
	provider DeliveryProvider
	progress ProgressStore
	recorder Recorder
	crm      crmWriter
	limiter  *rate.Limiter
	now      func() time.Time
	log      *logrus.Entry
}

// NewScheduler creates a scheduler. recorder may be nil.
func NewScheduler(cfg SchedulerConfig, resolver *sequence.Resolver, provider DeliveryProvider,
	contacts ContactStore, progress ProgressStore, recorder Recorder) *Scheduler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	log := logger.Component("scheduler")
	return &Scheduler{
		cfg:      cfg,
		resolver: resolver,
		provider: provider,
		progress: progress,
		recorder: recorder,
		crm:      crmWriter{contacts: contacts, recorder: recorder, log: log},
		limiter:  newLimiter(cfg.SendDelay),
		now:      time.Now,
		log:      log,
	}
}

func newLimiter(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// BatchInput is the snapshot a batch works from.
type BatchInput struct {
	Audience []AudienceMember
	Contacts []Contact      // CRM contacts, for segment and name
	Sends    []SendRecord   // CRM send log for this sequence
	History  []HistoryEntry // provider send history
}

type candidate struct {
	email   string
	rec     *ProgressRecord
	segment sequence.Segment
	stages  []sequence.StageDefinition
	stage   sequence.StageDefinition
}

// RunBatch sends at most one stage to each due contact. Per-contact failures
// are recorded and do not stop the batch. A rejected credential returns a
// StructuralError.
func (s *Scheduler) RunBatch(ctx context.Context, state *State, in BatchInput, run *RunRecord) error {
	now := s.now()
	crm := indexContacts(in.Contacts)
	idx := newDedupIndex(in.Sends, in.History)

	var due []candidate
	for _, m := range in.Audience {
		email := NormalizeEmail(m.Email)
		if email == "" {
			continue
		}
		c, inCRM := crm[email]

		rec, added := state.Track(email, firstTime(c.SignedUpAt, m.CreatedAt, now))
		if added {
			s.log.WithField("recipient", email).Debug("tracking audience member")
		}
		if rec.Name == "" {
			rec.Name = firstString(c.Name, m.Name)
		}
		if inCRM && c.Segment != "" {
			rec.Segment = c.Segment
		}

		if m.Unsubscribed {
			if rec.Terminal == "" {
				rec.Terminal = TerminalUnsubscribed
				s.crm.suppress(ctx, email, TerminalUnsubscribed)
				s.log.WithField("recipient", email).Info("contact unsubscribed, sequence stopped")
			}
			continue
		}

		seg, stages := s.resolver.Resolve(rec.Segment)
		if inCRM {
			s.catchUp(email, rec, c, len(stages), idx, now)
		}
		if rec.Terminal != "" {
			continue
		}
		if s.cfg.Segment != "" && string(seg) != s.cfg.Segment {
			continue
		}

		// Stage index is the contract across segment changes, so a contact
		// already past the end of a shorter list is simply complete.
		next := rec.LastStage + 1
		if next > len(stages) {
			continue
		}
		stage := stages[next-1]
		if now.Sub(rec.ReferenceTime(next)) < stage.MinDelay() {
			run.Waiting++
			continue
		}
		due = append(due, candidate{email: email, rec: rec, segment: seg, stages: stages, stage: stage})
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].stage.Index != due[j].stage.Index {
			return due[i].stage.Index < due[j].stage.Index
		}
		return due[i].email < due[j].email
	})

	b := &batch{state: state, idx: idx, run: run, perStage: make(map[int]int)}
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.process(ctx, b, c); err != nil {
			return err
		}
	}

	s.log.WithFields(logrus.Fields{
		"sent":    run.Sent,
		"failed":  run.Failed,
		"skipped": run.Skipped,
		"waiting": run.Waiting,
	}).Info("batch complete")
	return nil
}

// catchUp applies the contact store's stage marker to rec. When the send log
// holds the send for the stage reached, its time becomes the reference for
// the next stage; otherwise the next stage waits a full delay from now.
func (s *Scheduler) catchUp(email string, rec *ProgressRecord, c Contact, total int, idx *dedupIndex, now time.Time) {
	from := rec.LastStage
	if rec.CatchUp(c, total, now) {
		s.log.WithFields(logrus.Fields{
			"recipient": email,
			"from":      from,
			"to":        rec.LastStage,
		}).Warn("local progress behind contact store, caught up")
	}
	if rec.LastStage == 0 {
		return
	}
	if _, held := rec.SentStage(rec.LastStage); held {
		return
	}
	if r, ok := idx.crm[email][rec.LastStage]; ok && !r.SentAt.IsZero() {
		rec.Sends = append(rec.Sends, sendEntryFrom(r))
		rec.StageReachedAt = r.SentAt
	}
}

type batch struct {
	state    *State
	idx      *dedupIndex
	run      *RunRecord
	attempts int
	perStage map[int]int
}

func (b *batch) skip(c candidate, reason string) {
	b.run.Skipped++
	b.run.Outcomes = append(b.run.Outcomes, SendOutcome{
		Email:    c.email,
		Stage:    c.stage.Index,
		StageKey: c.stage.Key,
		Result:   OutcomeSkipped,
		Reason:   reason,
	})
}

func (s *Scheduler) process(ctx context.Context, b *batch, c candidate) error {
	log := s.log.WithFields(logrus.Fields{"recipient": c.email, "stage": c.stage.Key})

	rendered, err := c.stage.Render(sequence.Recipient{Email: c.email, Name: c.rec.Name, Segment: c.segment})
	if err != nil {
		log.WithError(err).Error("render failed")
		return s.recordFailure(ctx, b, c, "", err)
	}

	if prior, source, ok := b.idx.prior(c.email, c.rec, c.stage, rendered.Subject, s.now()); ok {
		if _, held := c.rec.SentStage(c.stage.Index); !held {
			c.rec.Sends = append(c.rec.Sends, prior)
		}
		c.rec.Advance(c.stage.Index, prior.SentAt)
		log.WithField("source", source).Info("stage already sent, progress repaired")
		b.skip(c, SkipDuplicate)
		saveProgress(ctx, s.progress, b.state, s.recorder, s.log)
		return nil
	}

	now := s.now()
	last := c.rec.LastSentAt()
	if seen := b.idx.lastSeen[c.email]; seen.After(last) {
		last = seen
	}
	if !last.IsZero() && now.Sub(last) < s.cfg.QuietPeriod {
		b.skip(c, SkipQuietPeriod)
		return nil
	}

	if (s.cfg.MaxSendsPerRun > 0 && b.attempts >= s.cfg.MaxSendsPerRun) ||
		(s.cfg.MaxSendsPerStagePerRun > 0 && b.perStage[c.stage.Index] >= s.cfg.MaxSendsPerStagePerRun) {
		b.skip(c, SkipCap)
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	b.attempts++
	b.perStage[c.stage.Index]++

	msg := Message{
		From:           firstString(c.stage.From, s.cfg.From),
		To:             c.email,
		ReplyTo:        s.cfg.ReplyTo,
		Subject:        rendered.Subject,
		HTML:           rendered.HTML,
		IdempotencyKey: fmt.Sprintf("%s/%s/%d", s.cfg.Sequence, c.email, c.stage.Index),
		Tags: map[string]string{
			"sequence": s.cfg.Sequence,
			"stage":    c.stage.Key,
			"segment":  string(c.segment),
		},
	}

	res, err := s.provider.Send(ctx, msg)
	if err != nil {
		log.WithError(err).Warn("send failed")
		return s.recordFailure(ctx, b, c, rendered.Subject, err)
	}

	sentAt := s.now()
	c.rec.Sends = append(c.rec.Sends, SendEntry{
		Stage:     c.stage.Index,
		StageKey:  c.stage.Key,
		MessageID: res.MessageID,
		SentAt:    sentAt,
		Status:    StatusSent,
	})
	c.rec.Advance(c.stage.Index, sentAt)
	b.state.TotalSent++
	b.run.Sent++
	b.run.Outcomes = append(b.run.Outcomes, SendOutcome{
		Email:     c.email,
		Stage:     c.stage.Index,
		StageKey:  c.stage.Key,
		Result:    OutcomeSent,
		MessageID: res.MessageID,
	})
	log.WithField("message_id", res.MessageID).Info("stage sent")

	saveProgress(ctx, s.progress, b.state, s.recorder, s.log)

	s.crm.recordSend(ctx, SendRecord{
		Sequence:  s.cfg.Sequence,
		Recipient: c.email,
		Subject:   rendered.Subject,
		StageKey:  c.stage.Key,
		Stage:     c.stage.Index,
		MessageID: res.MessageID,
		Status:    StatusSent,
		SentAt:    sentAt,
	})
	s.crm.upsert(ctx, c.email, ContactFields{
		StageMarker: FormatStageMarker(c.rec.LastStage, len(c.stages)),
	}, "stage_marker")
	return nil
}

func (s *Scheduler) recordFailure(ctx context.Context, b *batch, c candidate, subject string, sendErr error) error {
	at := s.now()
	c.rec.Sends = append(c.rec.Sends, SendEntry{
		Stage:    c.stage.Index,
		StageKey: c.stage.Key,
		SentAt:   at,
		Status:   StatusFailed,
		Error:    sendErr.Error(),
	})
	b.run.Failed++
	b.run.Outcomes = append(b.run.Outcomes, SendOutcome{
		Email:    c.email,
		Stage:    c.stage.Index,
		StageKey: c.stage.Key,
		Result:   OutcomeFailed,
		Reason:   sendErr.Error(),
	})

	if errors.Is(sendErr, ErrPermanentRecipient) {
		c.rec.Terminal = TerminalInvalid
		s.crm.suppress(ctx, c.email, TerminalInvalid)
	}

	saveProgress(ctx, s.progress, b.state, s.recorder, s.log)
	s.crm.recordSend(ctx, SendRecord{
		Sequence:  s.cfg.Sequence,
		Recipient: c.email,
		Subject:   subject,
		StageKey:  c.stage.Key,
		Stage:     c.stage.Index,
		Status:    StatusFailed,
		Error:     sendErr.Error(),
		SentAt:    at,
	})

	if errors.Is(sendErr, ErrUnauthorized) {
		return structural("send", sendErr)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// dedupIndex unions the durable evidence that a stage was already sent.
type dedupIndex struct {
	crm      map[string]map[int]SendRecord
	history  map[historyKey]HistoryEntry
	lastSeen map[string]time.Time
}

type historyKey struct {
	recipient string
	subject   string
}

func newDedupIndex(sends []SendRecord, history []HistoryEntry) *dedupIndex {
	d := &dedupIndex{
		crm:      make(map[string]map[int]SendRecord),
		history:  make(map[historyKey]HistoryEntry, len(history)),
		lastSeen: make(map[string]time.Time),
	}
	for _, r := range sends {
		if r.Status == StatusFailed {
			continue
		}
		email := NormalizeEmail(r.Recipient)
		if d.crm[email] == nil {
			d.crm[email] = make(map[int]SendRecord)
		}
		d.crm[email][r.Stage] = r
		d.see(email, r.SentAt)
	}
	for _, h := range history {
		email := NormalizeEmail(h.To)
		d.history[historyKey{email, strings.TrimSpace(h.Subject)}] = h
		d.see(email, h.CreatedAt)
	}
	return d
}

func (d *dedupIndex) see(email string, at time.Time) {
	if at.After(d.lastSeen[email]) {
		d.lastSeen[email] = at
	}
}

// prior returns evidence that stage was already sent to email, and where it
// came from. Evidence without a usable timestamp is dated now, so the next
// stage still waits its full delay.
func (d *dedupIndex) prior(email string, rec *ProgressRecord, stage sequence.StageDefinition, subject string, now time.Time) (SendEntry, string, bool) {
	if e, ok := rec.SentStage(stage.Index); ok {
		return e, "local", true
	}
	if r, ok := d.crm[email][stage.Index]; ok {
		e := sendEntryFrom(r)
		e.SentAt = firstTime(r.SentAt, now)
		return e, "contact_store", true
	}
	if h, ok := d.history[historyKey{email, strings.TrimSpace(subject)}]; ok {
		status, known := StatusFromEvent(h.LastEvent)
		if !known {
			status = StatusSent
		}
		return SendEntry{
			Stage:     stage.Index,
			StageKey:  stage.Key,
			MessageID: h.ID,
			SentAt:    firstTime(h.CreatedAt, now),
			Status:    status,
		}, "provider_history", true
	}
	return SendEntry{}, "", false
}

func indexContacts(contacts []Contact) map[string]Contact {
	out := make(map[string]Contact, len(contacts))
	for _, c := range contacts {
		out[NormalizeEmail(c.Email)] = c
	}
	return out
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(vals ...time.Time) time.Time {
	for _, v := range vals {
		if !v.IsZero() {
			return v
		}
	}
	return time.Time{}
}
