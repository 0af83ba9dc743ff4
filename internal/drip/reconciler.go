package drip

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ReconcilerConfig bounds the reconciliation worklist.
type ReconcilerConfig struct {
	Sequence    string
	Retention   time.Duration
	StatusDelay time.Duration
}

// Reconciler pulls delivery status from the provider into the send log.
type Reconciler struct {
	cfg      ReconcilerConfig
	provider DeliveryProvider
	contacts ContactStore
	progress ProgressStore
	recorder Recorder
	crm      crmWriter
	limiter  *rate.Limiter
	now      func() time.Time
	log      *logrus.Entry
}

// NewReconciler creates a reconciler. recorder may be nil.
func NewReconciler(cfg ReconcilerConfig, provider DeliveryProvider, contacts ContactStore,
	progress ProgressStore, recorder Recorder) *Reconciler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	log := logger.Component("reconciler")
	return &Reconciler{
		cfg:      cfg,
		provider: provider,
		contacts: contacts,
		progress: progress,
		recorder: recorder,
		crm:      crmWriter{contacts: contacts, recorder: recorder, log: log},
		limiter:  newLimiter(cfg.StatusDelay),
		now:      time.Now,
		log:      log,
	}
}

// Run upgrades every open send record that the provider reports progress on.
// Records past the retention window or in a final state are not queried.
func (r *Reconciler) Run(ctx context.Context, state *State, run *RunRecord) error {
	notBefore := r.now().Add(-r.cfg.Retention)
	open, err := r.contacts.ListOpenSends(ctx, r.cfg.Sequence, notBefore)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	var lookupFailures int
	for _, rec := range open {
		if rec.MessageID == "" {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		ev, err := r.provider.GetStatus(ctx, rec.MessageID)
		if errors.Is(err, ErrUnsupported) {
			r.log.Info("provider does not report delivery status, skipping reconciliation")
			return nil
		}
		if err != nil {
			lookupFailures++
			r.log.WithError(err).WithField("message_id", rec.MessageID).Warn("status lookup failed")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		observed, known := StatusFromEvent(ev.Event)
		if !known {
			continue
		}
		next := Upgrade(rec.Status, observed)
		if next == rec.Status {
			continue
		}

		ts := backfill(rec.Timestamps, next, firstTime(ev.OccurredAt, r.now()))
		if err := r.contacts.UpdateSendStatus(ctx, rec.ID, next, ts); err != nil {
			r.log.WithError(err).WithField("message_id", rec.MessageID).Warn("status update failed")
			r.recorder.SecondaryWriteFailed("send_record")
			continue
		}
		run.Reconciled++

		email := NormalizeEmail(rec.Recipient)
		r.applyLocal(state, email, rec.MessageID, next)

		if next == StatusBounced || next == StatusComplained {
			reason := TerminalReason(next)
			if p, ok := state.Contacts[email]; ok && p.Terminal == "" {
				p.Terminal = reason
			}
			r.crm.suppress(ctx, email, reason)
			r.log.WithFields(logrus.Fields{"recipient": email, "status": next}).Info("contact suppressed")
		}
	}

	saveProgress(ctx, r.progress, state, r.recorder, r.log)
	r.log.WithFields(logrus.Fields{
		"worklist":   len(open),
		"reconciled": run.Reconciled,
		"failures":   lookupFailures,
	}).Info("reconciliation complete")
	return nil
}

func (r *Reconciler) applyLocal(state *State, email, messageID string, status SendStatus) {
	p, ok := state.Contacts[email]
	if !ok {
		return
	}
	for i := range p.Sends {
		if p.Sends[i].MessageID == messageID {
			p.Sends[i].Status = Upgrade(p.Sends[i].Status, status)
		}
	}
}

// backfill stamps every engagement step implied by status that is still unknown.
func backfill(ts SendTimestamps, status SendStatus, at time.Time) SendTimestamps {
	rank := status.rank()
	if rank >= StatusDelivered.rank() && ts.DeliveredAt.IsZero() {
		ts.DeliveredAt = at
	}
	if rank >= StatusOpened.rank() && ts.OpenedAt.IsZero() {
		ts.OpenedAt = at
	}
	if rank >= StatusClicked.rank() && ts.ClickedAt.IsZero() {
		ts.ClickedAt = at
	}
	return ts
}
