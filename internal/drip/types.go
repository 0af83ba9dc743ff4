package drip

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SendStatus is the lifecycle state of one send.
type SendStatus string

const (
	StatusSent       SendStatus = "sent"
	StatusDelivered  SendStatus = "delivered"
	StatusOpened     SendStatus = "opened"
	StatusClicked    SendStatus = "clicked"
	StatusBounced    SendStatus = "bounced"
	StatusComplained SendStatus = "complained"
	StatusFailed     SendStatus = "failed"
)

func (s SendStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusOpened:
		return 3
	case StatusClicked:
		return 4
	default:
		return 0
	}
}

// Terminal reports whether no further status change is possible.
func (s SendStatus) Terminal() bool {
	return s == StatusBounced || s == StatusComplained || s == StatusFailed
}

// Upgrade returns the status a record at cur should move to after observing
// next. Statuses only move forward along sent, delivered, opened, clicked;
// bounced and complained end the record.
func Upgrade(cur, next SendStatus) SendStatus {
	if cur.Terminal() {
		return cur
	}
	if next == StatusBounced || next == StatusComplained {
		return next
	}
	if next.rank() > cur.rank() {
		return next
	}
	return cur
}

// StatusFromEvent maps a provider event name onto a SendStatus. Events with
// no place in the lifecycle, such as delivery_delayed, report false.
func StatusFromEvent(event string) (SendStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "sent", "send":
		return StatusSent, true
	case "delivered", "delivery":
		return StatusDelivered, true
	case "opened", "open":
		return StatusOpened, true
	case "clicked", "click":
		return StatusClicked, true
	case "bounced", "bounce":
		return StatusBounced, true
	case "complained", "complaint":
		return StatusComplained, true
	default:
		return "", false
	}
}

// TerminalReason explains why a contact receives no further stages.
type TerminalReason string

const (
	TerminalUnsubscribed TerminalReason = "unsubscribed"
	TerminalBounced      TerminalReason = "bounced"
	TerminalComplained   TerminalReason = "complained"
	TerminalInvalid      TerminalReason = "invalid"
)

// NormalizeEmail is the contact key: trimmed and lower-cased.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SendEntry is one attempt recorded in local progress.
type SendEntry struct {
	Stage     int        `json:"stage"`
	StageKey  string     `json:"stage_key"`
	MessageID string     `json:"message_id,omitempty"`
	SentAt    time.Time  `json:"sent_at"`
	Status    SendStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// ProgressRecord is one contact's position in the sequence.
type ProgressRecord struct {
	Name       string    `json:"name,omitempty"`
	Segment    string    `json:"segment,omitempty"`
	SignedUpAt time.Time `json:"signed_up_at"`
	LastStage  int       `json:"last_stage"`

	// StageReachedAt is when LastStage was reached. It is the reference time
	// for the next stage when the previous send entry is not held locally.
	StageReachedAt time.Time      `json:"stage_reached_at,omitempty"`
	Sends          []SendEntry    `json:"sends"`
	Terminal       TerminalReason `json:"terminal,omitempty"`
}

// Advance moves LastStage forward to stage. It never moves backwards.
func (p *ProgressRecord) Advance(stage int, at time.Time) bool {
	if stage <= p.LastStage {
		return false
	}
	p.LastStage = stage
	p.StageReachedAt = at
	return true
}

// CatchUp pulls the record forward to the stage recorded in the contact
// store's marker and adopts its suppression. The contact store is the
// system of record, so a record behind its marker is never sent an earlier
// stage again. It reports whether LastStage moved.
func (p *ProgressRecord) CatchUp(c Contact, total int, at time.Time) bool {
	if p.Terminal == "" && c.SuppressedReason != "" {
		p.Terminal = TerminalReason(c.SuppressedReason)
	}
	stage, ok := ParseStageMarker(c.StageMarker, total)
	if !ok {
		return false
	}
	return p.Advance(stage, at)
}

// SentStage returns the non-failed send entry for stage.
func (p *ProgressRecord) SentStage(stage int) (SendEntry, bool) {
	for i := len(p.Sends) - 1; i >= 0; i-- {
		s := p.Sends[i]
		if s.Stage == stage && s.Status != StatusFailed {
			return s, true
		}
	}
	return SendEntry{}, false
}

// LastSentAt returns the most recent non-failed send time.
func (p *ProgressRecord) LastSentAt() time.Time {
	var last time.Time
	for _, s := range p.Sends {
		if s.Status != StatusFailed && s.SentAt.After(last) {
			last = s.SentAt
		}
	}
	return last
}

// ReferenceTime is the point from which stage's delay is measured.
func (p *ProgressRecord) ReferenceTime(stage int) time.Time {
	if stage <= 1 {
		return p.SignedUpAt
	}
	if prev, ok := p.SentStage(stage - 1); ok {
		return prev.SentAt
	}
	if !p.StageReachedAt.IsZero() {
		return p.StageReachedAt
	}
	return p.SignedUpAt
}

// RunRecord summarises one invocation.
type RunRecord struct {
	ID          string            `json:"id"`
	Action      string            `json:"action"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Sent        int               `json:"sent"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	Waiting     int               `json:"waiting"`
	Ingested    int               `json:"ingested"`
	Reconciled  int               `json:"reconciled"`
	StageSynced int               `json:"stage_synced"`
	Outcomes    []SendOutcome     `json:"outcomes,omitempty"`
	StepErrors  map[string]string `json:"step_errors,omitempty"`
}

func (r *RunRecord) stepFailed(step string, err error) {
	if r.StepErrors == nil {
		r.StepErrors = make(map[string]string)
	}
	r.StepErrors[step] = err.Error()
}

// Outcome results.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Skip reasons.
const (
	SkipDuplicate   = "duplicate"
	SkipQuietPeriod = "quiet_period"
	SkipCap         = "cap"
)

// SendOutcome is the per-contact result of a scheduler decision.
type SendOutcome struct {
	Email     string `json:"email"`
	Stage     int    `json:"stage"`
	StageKey  string `json:"stage_key"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// State is the persisted local progress document.
type State struct {
	Contacts  map[string]*ProgressRecord `json:"contacts"`
	Runs      []RunRecord                `json:"runs"`
	TotalSent int                        `json:"total_sent"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Contacts: make(map[string]*ProgressRecord)}
}

// Empty reports whether no contact is tracked.
func (s *State) Empty() bool { return len(s.Contacts) == 0 }

// Track returns the record for email, creating it when absent.
func (s *State) Track(email string, signedUpAt time.Time) (*ProgressRecord, bool) {
	if s.Contacts == nil {
		s.Contacts = make(map[string]*ProgressRecord)
	}
	key := NormalizeEmail(email)
	if rec, ok := s.Contacts[key]; ok {
		return rec, false
	}
	rec := &ProgressRecord{SignedUpAt: signedUpAt, Sends: []SendEntry{}}
	s.Contacts[key] = rec
	return rec, true
}

// Contact is a CRM row.
type Contact struct {
	Email            string
	Name             string
	Segment          string
	Tags             []string
	StageMarker      string
	SuppressedReason string
	SignedUpAt       time.Time
	CreatedAt        time.Time
}

// ContactFields is an upsert payload. Zero values leave the stored column unchanged.
type ContactFields struct {
	Name             string
	Segment          string
	Tag              string
	StageMarker      string
	SuppressedReason string
	SignedUpAt       time.Time
}

// SendTimestamps carries engagement times. Zero values are unknown.
type SendTimestamps struct {
	DeliveredAt time.Time
	OpenedAt    time.Time
	ClickedAt   time.Time
}

// SendRecord is the durable audit row for one send.
type SendRecord struct {
	ID         string
	Sequence   string
	Recipient  string
	Subject    string
	StageKey   string
	Stage      int
	MessageID  string
	Status     SendStatus
	Error      string
	SentAt     time.Time
	Timestamps SendTimestamps
	Attempts   int
}

// AudienceMember is one provider audience entry.
type AudienceMember struct {
	Email        string
	Name         string
	Unsubscribed bool
	CreatedAt    time.Time
}

// Message is a rendered send request.
type Message struct {
	From           string
	To             string
	ReplyTo        string
	Subject        string
	HTML           string
	IdempotencyKey string
	Tags           map[string]string
}

// SendResult is the provider's acknowledgement of a send.
type SendResult struct {
	MessageID string
}

// DeliveryEvent is the latest known event for a sent message.
type DeliveryEvent struct {
	Event      string
	OccurredAt time.Time
}

// HistoryEntry is one message from the provider's send history.
type HistoryEntry struct {
	ID        string
	To        string
	Subject   string
	CreatedAt time.Time
	LastEvent string
}

// Stage marker values written to the CRM.
const (
	MarkerNotStarted = "Not Started"
	MarkerComplete   = "Complete"
	markerStage      = "Stage "
)

// FormatStageMarker renders a stage position for the CRM.
func FormatStageMarker(lastStage, total int) string {
	switch {
	case lastStage <= 0:
		return MarkerNotStarted
	case total > 0 && lastStage >= total:
		return MarkerComplete
	default:
		return fmt.Sprintf("%s%d", markerStage, lastStage)
	}
}

// ParseStageMarker reads a CRM stage marker. "Complete" maps to total.
// Unrecognised markers report false and stage 0.
func ParseStageMarker(marker string, total int) (int, bool) {
	m := strings.TrimSpace(marker)
	switch {
	case m == "" || strings.EqualFold(m, MarkerNotStarted):
		return 0, true
	case strings.EqualFold(m, MarkerComplete):
		return total, true
	}

	// "Stage 3" and the older "Lead email 3" both end in the number.
	idx := strings.LastIndex(m, " ")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(m[idx+1:])
	if err != nil || n < 0 {
		return 0, false
	}
	if total > 0 && n > total {
		n = total
	}
	return n, true
}
