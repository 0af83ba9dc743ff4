package drip

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignite/lead-drip/internal/sequence"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

type testStage struct {
	key   string
	delay int
}

// testResolver defines the same stages for every segment. Subjects carry the
// segment so a segment change is visible in what was sent.
func testResolver(t *testing.T, stages ...testStage) *sequence.Resolver {
	t.Helper()
	var b strings.Builder
	b.WriteString("segments:\n")
	for _, seg := range sequence.AllSegments {
		fmt.Fprintf(&b, "  %s:\n    stages:\n", seg)
		for _, st := range stages {
			fmt.Fprintf(&b, "      - key: %s\n        delay_days: %d\n", st.key, st.delay)
			fmt.Fprintf(&b, "        subject: \"%s for {{ segment }}\"\n", st.key)
			fmt.Fprintf(&b, "        body: \"<p>Hi {{ first_name | default: 'there' }}</p>\"\n")
		}
	}
	r, err := sequence.Parse([]byte(b.String()), "unsuccessful_unaware")
	require.NoError(t, err)
	return r
}

func twoStageResolver(t *testing.T) *sequence.Resolver {
	return testResolver(t, testStage{"welcome", 0}, testStage{"followup", 3})
}

func threeStageResolver(t *testing.T) *sequence.Resolver {
	return testResolver(t, testStage{"welcome", 0}, testStage{"followup", 1}, testStage{"final", 3})
}

// fakeProvider is an in-memory delivery provider whose history records every
// successful send.
type fakeProvider struct {
	mu         sync.Mutex
	clock      *testClock
	audience   []AudienceMember
	sent       []Message
	history    []HistoryEntry
	statuses   map[string]DeliveryEvent
	statusErr  error
	sendErr    func(msg Message) error
	listErr    error
	historyErr error
	ensured    int
	statusHits int
	nextID     int
}

func newFakeProvider(clock *testClock) *fakeProvider {
	return &fakeProvider{clock: clock, statuses: make(map[string]DeliveryEvent)}
}

func (p *fakeProvider) EnsureAudience(ctx context.Context) error {
	p.ensured++
	return nil
}

func (p *fakeProvider) ListAudience(ctx context.Context) ([]AudienceMember, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]AudienceMember, len(p.audience))
	copy(out, p.audience)
	return out, nil
}

func (p *fakeProvider) AddToAudience(ctx context.Context, email, name string) error {
	for _, m := range p.audience {
		if NormalizeEmail(m.Email) == NormalizeEmail(email) {
			return nil
		}
	}
	p.audience = append(p.audience, AudienceMember{Email: email, Name: name, CreatedAt: p.clock.now()})
	return nil
}

func (p *fakeProvider) setUnsubscribed(email string, v bool) {
	for i := range p.audience {
		if p.audience[i].Email == email {
			p.audience[i].Unsubscribed = v
		}
	}
}

func (p *fakeProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		if err := p.sendErr(msg); err != nil {
			return SendResult{}, err
		}
	}
	p.nextID++
	id := fmt.Sprintf("msg-%d", p.nextID)
	p.sent = append(p.sent, msg)
	p.history = append(p.history, HistoryEntry{ID: id, To: msg.To, Subject: msg.Subject, CreatedAt: p.clock.now(), LastEvent: "sent"})
	return SendResult{MessageID: id}, nil
}

func (p *fakeProvider) GetStatus(ctx context.Context, id string) (DeliveryEvent, error) {
	p.statusHits++
	if p.statusErr != nil {
		return DeliveryEvent{}, p.statusErr
	}
	ev, ok := p.statuses[id]
	if !ok {
		return DeliveryEvent{Event: "sent"}, nil
	}
	return ev, nil
}

func (p *fakeProvider) ListHistory(ctx context.Context) ([]HistoryEntry, error) {
	if p.historyErr != nil {
		return nil, p.historyErr
	}
	out := make([]HistoryEntry, len(p.history))
	copy(out, p.history)
	return out, nil
}

func (p *fakeProvider) sentTo(email string) []string {
	var subjects []string
	for _, m := range p.sent {
		if m.To == email {
			subjects = append(subjects, m.Subject)
		}
	}
	return subjects
}

// fakeContacts mirrors the matching rules of the PostgreSQL store.
type fakeContacts struct {
	contacts  map[string]*Contact
	sends     []SendRecord
	upsertErr error
	listErr   error
	sendsErr  error
	upserts   int
	nextID    int
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{contacts: make(map[string]*Contact)}
}

func (f *fakeContacts) add(c Contact) {
	cp := c
	f.contacts[NormalizeEmail(c.Email)] = &cp
}

func (f *fakeContacts) ListContacts(ctx context.Context, tag string) ([]Contact, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Contact
	for _, c := range f.contacts {
		for _, t := range c.Tags {
			if t == tag {
				out = append(out, *c)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeContacts) UpsertContact(ctx context.Context, email string, fields ContactFields) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	key := NormalizeEmail(email)
	c, ok := f.contacts[key]
	if !ok {
		c = &Contact{Email: key, CreatedAt: time.Now()}
		f.contacts[key] = c
	}
	if fields.Name != "" {
		c.Name = fields.Name
	}
	if fields.Segment != "" {
		c.Segment = fields.Segment
	}
	if fields.StageMarker != "" {
		c.StageMarker = fields.StageMarker
	}
	if fields.SuppressedReason != "" {
		c.SuppressedReason = fields.SuppressedReason
	}
	if c.SignedUpAt.IsZero() {
		c.SignedUpAt = fields.SignedUpAt
	}
	if fields.Tag != "" {
		found := false
		for _, t := range c.Tags {
			found = found || t == fields.Tag
		}
		if !found {
			c.Tags = append(c.Tags, fields.Tag)
		}
	}
	return nil
}

func (f *fakeContacts) RecordSend(ctx context.Context, rec SendRecord) (string, error) {
	for i := range f.sends {
		s := &f.sends[i]
		if s.Sequence != rec.Sequence || s.Recipient != rec.Recipient || s.StageKey != rec.StageKey {
			continue
		}
		if s.Status != StatusFailed {
			return s.ID, nil
		}
		// a retried stage reuses its failed row
		s.Attempts++
		s.Status, s.MessageID, s.Error, s.SentAt, s.Subject = rec.Status, rec.MessageID, rec.Error, rec.SentAt, rec.Subject
		return s.ID, nil
	}
	f.nextID++
	rec.ID = fmt.Sprintf("row-%d", f.nextID)
	rec.Attempts = 1
	f.sends = append(f.sends, rec)
	return rec.ID, nil
}

func (f *fakeContacts) UpdateSendStatus(ctx context.Context, id string, status SendStatus, ts SendTimestamps) error {
	for i := range f.sends {
		if f.sends[i].ID == id {
			f.sends[i].Status = status
			f.sends[i].Timestamps = ts
			return nil
		}
	}
	return fmt.Errorf("send %s not found", id)
}

func (f *fakeContacts) ListSends(ctx context.Context, seq string) ([]SendRecord, error) {
	if f.sendsErr != nil {
		return nil, f.sendsErr
	}
	var out []SendRecord
	for _, s := range f.sends {
		if s.Sequence == seq {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeContacts) ListOpenSends(ctx context.Context, seq string, notBefore time.Time) ([]SendRecord, error) {
	var out []SendRecord
	for _, s := range f.sends {
		open := s.Status == StatusSent || s.Status == StatusDelivered || s.Status == StatusOpened
		if s.Sequence == seq && open && !s.SentAt.Before(notBefore) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeContacts) sendRows(email string) []SendRecord {
	var out []SendRecord
	for _, s := range f.sends {
		if s.Recipient == email {
			out = append(out, s)
		}
	}
	return out
}

// memProgress round-trips state through JSON like the real stores.
type memProgress struct {
	data    []byte
	saves   int
	saveErr error
}

func (m *memProgress) Load(ctx context.Context) (*State, error) {
	if len(m.data) == 0 {
		return NewState(), nil
	}
	var st State
	if err := json.Unmarshal(m.data, &st); err != nil {
		return nil, err
	}
	if st.Contacts == nil {
		st.Contacts = make(map[string]*ProgressRecord)
	}
	return &st, nil
}

func (m *memProgress) Save(ctx context.Context, st *State) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.data = b
	m.saves++
	return nil
}

func (m *memProgress) state(t *testing.T) *State {
	t.Helper()
	st, err := m.Load(context.Background())
	require.NoError(t, err)
	return st
}

type fakeLock struct {
	held     bool
	released int
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) {
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.held = false
	l.released++
	return nil
}

type countingRecorder struct {
	runs      int
	secondary map[string]int
	pushes    int
}

func (r *countingRecorder) ObserveRun(*RunRecord) { r.runs++ }
func (r *countingRecorder) SecondaryWriteFailed(target string) {
	if r.secondary == nil {
		r.secondary = make(map[string]int)
	}
	r.secondary[target]++
}
func (r *countingRecorder) Push(context.Context) error { r.pushes++; return nil }

type harness struct {
	clock    *testClock
	provider *fakeProvider
	contacts *fakeContacts
	progress *memProgress
	lock     *fakeLock
	recorder *countingRecorder
	orch     *Orchestrator
}

const testTag = "Lead Drip"
const testSequence = "lead-drip"

func newHarness(t *testing.T, resolver *sequence.Resolver, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:    newClock(),
		contacts: newFakeContacts(),
		progress: &memProgress{},
		lock:     &fakeLock{},
		recorder: &countingRecorder{},
	}
	h.provider = newFakeProvider(h.clock)

	cfg := Config{
		Sequence: testSequence,
		Tag:      testTag,
		Scheduler: SchedulerConfig{
			From:        "Hedge Edge <hello@example.com>",
			QuietPeriod: 24 * time.Hour,
		},
		Reconciler: ReconcilerConfig{Retention: 7 * 24 * time.Hour},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	orch, err := NewOrchestrator(cfg, Deps{
		Resolver: resolver,
		Contacts: h.contacts,
		Provider: h.provider,
		Progress: h.progress,
		Lock:     h.lock,
		Recorder: h.recorder,
	})
	require.NoError(t, err)
	orch.now = h.clock.now
	h.orch = orch
	return h
}

// lead registers a tagged CRM contact who is already in the audience.
func (h *harness) lead(email, segment string, signedUp time.Time) {
	h.contacts.add(Contact{Email: email, Name: "Test Lead", Segment: segment, Tags: []string{testTag}, SignedUpAt: signedUp})
	h.provider.audience = append(h.provider.audience, AudienceMember{Email: email, CreatedAt: signedUp})
}

func (h *harness) run(t *testing.T) *RunRecord {
	t.Helper()
	run, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	return run
}
