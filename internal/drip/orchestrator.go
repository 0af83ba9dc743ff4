package drip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/lead-drip/internal/pkg/distlock"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/ignite/lead-drip/internal/sequence"
	"github.com/sirupsen/logrus"
)

// Step names recorded in RunRecord.StepErrors.
const (
	StepEnsureAudience = "ensure_audience"
	StepListAudience   = "list_audience"
	StepIngest         = "ingest"
	StepSendLog        = "send_log"
	StepHistory        = "provider_history"
	StepSchedule       = "schedule"
	StepReconcile      = "reconcile"
	StepStageSync      = "stage_sync"
	StepMetrics        = "metrics"
)

// Config is the orchestrator's view of the drip configuration.
type Config struct {
	Sequence   string
	Tag        string
	Scheduler  SchedulerConfig
	Reconciler ReconcilerConfig
}

// Deps are the collaborators of an orchestrator. Recorder may be nil.
type Deps struct {
	Resolver *sequence.Resolver
	Contacts ContactStore
	Provider DeliveryProvider
	Progress ProgressStore
	Lock     RunLock
	Recorder Recorder
}

// Orchestrator sequences one invocation of the engine.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	log  *logrus.Entry
}

// NewOrchestrator validates deps and returns an orchestrator.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	var missing []string
	if deps.Resolver == nil {
		missing = append(missing, "resolver")
	}
	if deps.Contacts == nil {
		missing = append(missing, "contact store")
	}
	if deps.Provider == nil {
		missing = append(missing, "delivery provider")
	}
	if deps.Progress == nil {
		missing = append(missing, "progress store")
	}
	if deps.Lock == nil {
		missing = append(missing, "run lock")
	}
	if len(missing) > 0 {
		return nil, structural("configure", fmt.Errorf("missing %v", missing))
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	cfg.Scheduler.Sequence = cfg.Sequence
	cfg.Reconciler.Sequence = cfg.Sequence

	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
		log:  logger.Component("orchestrator"),
	}, nil
}

// RunOptions are per-invocation overrides from the command line.
type RunOptions struct {
	Since     time.Duration
	Segment   string
	BatchSize int
}

// Run executes the full pipeline: ensure audience, ingest, schedule,
// reconcile, write stage markers back and record the run. Step failures are
// recorded on the returned RunRecord. Only structural failures are returned.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunRecord, error) {
	if opts.Segment != "" {
		seg, ok := sequence.ParseSegment(opts.Segment)
		if !ok {
			return nil, structural("configure", fmt.Errorf("unknown segment %q", opts.Segment))
		}
		opts.Segment = string(seg)
	}

	return o.withState(ctx, "run", func(ctx context.Context, state *State, run *RunRecord) error {
		o.step(run, StepEnsureAudience, func() error {
			return o.deps.Provider.EnsureAudience(ctx)
		})

		audience, err := o.deps.Provider.ListAudience(ctx)
		if err != nil {
			// Without the authoritative list unsubscribes are unknown, so nothing is sent.
			run.stepFailed(StepListAudience, err)
			o.log.WithError(err).Error("audience unavailable, skipping ingestion and sends")
		} else {
			var contacts []Contact
			o.step(run, StepIngest, func() error {
				ing := NewIngester(o.cfg.Tag, o.deps.Resolver, o.deps.Contacts, o.deps.Provider, o.deps.Recorder)
				ing.now = o.now
				var err error
				audience, contacts, err = ing.Ingest(ctx, state, audience, IngestOptions{Since: opts.Since, Segment: opts.Segment}, run)
				return err
			})

			in := BatchInput{Audience: audience, Contacts: contacts}
			o.step(run, StepSendLog, func() error {
				var err error
				in.Sends, err = o.deps.Contacts.ListSends(ctx, o.cfg.Sequence)
				return err
			})
			o.step(run, StepHistory, func() error {
				var err error
				in.History, err = o.deps.Provider.ListHistory(ctx)
				if errors.Is(err, ErrUnsupported) {
					return nil
				}
				return err
			})

			cfg := o.cfg.Scheduler
			cfg.Segment = opts.Segment
			if opts.BatchSize > 0 {
				cfg.MaxSendsPerRun = opts.BatchSize
			}
			sched := NewScheduler(cfg, o.deps.Resolver, o.deps.Provider, o.deps.Contacts, o.deps.Progress, o.deps.Recorder)
			sched.now = o.now
			if err := sched.RunBatch(ctx, state, in, run); err != nil {
				if IsStructural(err) {
					return err
				}
				run.stepFailed(StepSchedule, err)
			}
		}

		o.reconcile(ctx, state, run)
		o.syncStages(ctx, state, run)
		return nil
	})
}

// Reconcile runs only the status reconciler.
func (o *Orchestrator) Reconcile(ctx context.Context) (*RunRecord, error) {
	return o.withState(ctx, "reconcile", func(ctx context.Context, state *State, run *RunRecord) error {
		o.reconcile(ctx, state, run)
		return nil
	})
}

// SyncStages runs only the stage marker write-back.
func (o *Orchestrator) SyncStages(ctx context.Context) (*RunRecord, error) {
	return o.withState(ctx, "sync-stages", func(ctx context.Context, state *State, run *RunRecord) error {
		o.syncStages(ctx, state, run)
		return nil
	})
}

// Reset replaces local progress with an empty state. The next run rebuilds
// from the contact store.
func (o *Orchestrator) Reset(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()

	if err := o.deps.Progress.Save(ctx, NewState()); err != nil {
		return structural("save_state", err)
	}
	o.log.Warn("local progress reset")
	return nil
}

// ImportCSV loads contacts from a CSV into the contact store and audience.
func (o *Orchestrator) ImportCSV(ctx context.Context, r io.Reader) (*ImportResult, error) {
	ing := NewIngester(o.cfg.Tag, o.deps.Resolver, o.deps.Contacts, o.deps.Provider, o.deps.Recorder)
	ing.now = o.now
	return ing.ImportCSV(ctx, r)
}

func (o *Orchestrator) reconcile(ctx context.Context, state *State, run *RunRecord) {
	o.step(run, StepReconcile, func() error {
		rec := NewReconciler(o.cfg.Reconciler, o.deps.Provider, o.deps.Contacts, o.deps.Progress, o.deps.Recorder)
		rec.now = o.now
		return rec.Run(ctx, state, run)
	})
}

func (o *Orchestrator) syncStages(ctx context.Context, state *State, run *RunRecord) {
	o.step(run, StepStageSync, func() error {
		ss := NewStageSync(o.cfg.Tag, o.deps.Resolver, o.deps.Contacts, o.deps.Recorder)
		ss.now = o.now
		return ss.Sync(ctx, state, run)
	})
}

func (o *Orchestrator) step(run *RunRecord, name string, fn func() error) {
	if err := fn(); err != nil {
		run.stepFailed(name, err)
		o.log.WithError(err).WithField("step", name).Error("step failed")
	}
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	if err := distlock.AcquireOrFail(ctx, o.deps.Lock); err != nil {
		return structural("lock", err)
	}
	return nil
}

func (o *Orchestrator) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Lock.Release(ctx); err != nil {
		o.log.WithError(err).Warn("releasing run lock failed")
	}
}

// withState holds the run lock, loads or rebuilds progress, runs fn and
// always saves whatever progress was made.
func (o *Orchestrator) withState(ctx context.Context, action string,
	fn func(ctx context.Context, state *State, run *RunRecord) error) (*RunRecord, error) {
	run := &RunRecord{ID: uuid.NewString(), Action: action, StartedAt: o.now()}
	log := o.log.WithFields(logrus.Fields{"run_id": run.ID, "action": action})

	if err := o.acquire(ctx); err != nil {
		return run, err
	}
	defer o.release()

	state, err := o.loadState(ctx)
	if err != nil {
		return run, structural("load_state", err)
	}

	runErr := fn(ctx, state, run)
	run.FinishedAt = o.now()

	o.deps.Recorder.ObserveRun(run)
	o.step(run, StepMetrics, func() error { return o.deps.Recorder.Push(ctx) })

	state.Runs = append(state.Runs, *run)
	// the caller's ctx may already be canceled; progress must still land
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.deps.Progress.Save(saveCtx, state); err != nil {
		log.WithError(err).Error("saving progress failed")
		if runErr == nil {
			runErr = structural("save_state", err)
		}
	}

	log.WithFields(logrus.Fields{
		"sent":         run.Sent,
		"failed":       run.Failed,
		"skipped":      run.Skipped,
		"waiting":      run.Waiting,
		"ingested":     run.Ingested,
		"reconciled":   run.Reconciled,
		"stage_synced": run.StageSynced,
		"step_errors":  len(run.StepErrors),
		"duration":     run.FinishedAt.Sub(run.StartedAt).String(),
	}).Info("run finished")
	return run, runErr
}

func (o *Orchestrator) loadState(ctx context.Context) (*State, error) {
	state, err := o.deps.Progress.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Empty() {
		return state, nil
	}

	rb := NewRebuilder(o.cfg.Sequence, o.cfg.Tag, o.deps.Resolver, o.deps.Contacts, o.deps.Provider)
	rb.now = o.now
	rebuilt, err := rb.Rebuild(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	rebuilt.Runs = state.Runs
	rebuilt.TotalSent = state.TotalSent
	return rebuilt, nil
}
