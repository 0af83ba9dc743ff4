package drip

import (
	"context"
	"time"
)

// ContactStore is the durable CRM of record.
type ContactStore interface {
	// ListContacts returns every contact carrying tag.
	ListContacts(ctx context.Context, tag string) ([]Contact, error)
	// UpsertContact creates or updates the contact keyed by email.
	UpsertContact(ctx context.Context, email string, fields ContactFields) error
	// RecordSend stores rec, matching an existing row on (sequence,
	// recipient, stage key) first. A repeated payload never adds a row.
	RecordSend(ctx context.Context, rec SendRecord) (string, error)
	UpdateSendStatus(ctx context.Context, id string, status SendStatus, ts SendTimestamps) error
	ListSends(ctx context.Context, sequence string) ([]SendRecord, error)
	// ListOpenSends returns rows that can still change status, sent at or after notBefore.
	ListOpenSends(ctx context.Context, sequence string, notBefore time.Time) ([]SendRecord, error)
}

// DeliveryProvider sends mail and reports what happened to it.
type DeliveryProvider interface {
	EnsureAudience(ctx context.Context) error
	ListAudience(ctx context.Context) ([]AudienceMember, error)
	// AddToAudience is a no-op when email is already present.
	AddToAudience(ctx context.Context, email, name string) error
	Send(ctx context.Context, msg Message) (SendResult, error)
	GetStatus(ctx context.Context, messageID string) (DeliveryEvent, error)
	ListHistory(ctx context.Context) ([]HistoryEntry, error)
}

// ProgressStore holds the local working copy of progress.
type ProgressStore interface {
	// Load returns an empty state when nothing has been saved yet.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// RunLock keeps two runs off the same progress store.
type RunLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Recorder receives run metrics.
type Recorder interface {
	ObserveRun(run *RunRecord)
	SecondaryWriteFailed(target string)
	Push(ctx context.Context) error
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(*RunRecord) {}
func (nopRecorder) SecondaryWriteFailed(string) {}
func (nopRecorder) Push(context.Context) error { return nil }
