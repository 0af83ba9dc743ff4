package drip

import (
	"context"

	"github.com/sirupsen/logrus"
)

// crmWriter performs best-effort writes to the contact store. A failure is
// logged and counted and never stops the caller.
type crmWriter struct {
	contacts ContactStore
	recorder Recorder
	log      *logrus.Entry
}

func (w crmWriter) upsert(ctx context.Context, email string, fields ContactFields, what string) bool {
	if err := w.contacts.UpsertContact(ctx, email, fields); err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"recipient": email,
			"write":     what,
		}).Warn("contact store write failed")
		w.recorder.SecondaryWriteFailed("contact_store")
		return false
	}
	return true
}

func (w crmWriter) suppress(ctx context.Context, email string, reason TerminalReason) bool {
	return w.upsert(ctx, email, ContactFields{SuppressedReason: string(reason)}, "suppress")
}

func (w crmWriter) recordSend(ctx context.Context, rec SendRecord) string {
	id, err := w.contacts.RecordSend(ctx, rec)
	if err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"recipient": rec.Recipient,
			"stage":     rec.StageKey,
			"status":    rec.Status,
		}).Warn("send record write failed")
		w.recorder.SecondaryWriteFailed("send_record")
		return ""
	}
	return id
}

func saveProgress(ctx context.Context, store ProgressStore, state *State, recorder Recorder, log *logrus.Entry) error {
	if err := store.Save(ctx, state); err != nil {
		log.WithError(err).Error("saving progress failed")
		recorder.SecondaryWriteFailed("progress")
		return err
	}
	return nil
}
