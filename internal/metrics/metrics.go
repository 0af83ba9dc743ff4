// Package metrics records run outcomes in Prometheus and pushes them to a
// Pushgateway, since each invocation is a short-lived batch job.
package metrics

import (
	"context"

	"github.com/ignite/lead-drip/internal/drip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Options configure a Recorder. An empty PushURL disables pushing.
type Options struct {
	PushURL string
	Job     string
	Client  push.HTTPDoer
}

// Recorder implements drip.Recorder on its own registry.
type Recorder struct {
	registry    *prometheus.Registry
	sends       *prometheus.CounterVec
	skips       *prometheus.CounterVec
	stepErrors  *prometheus.CounterVec
	secondary   *prometheus.CounterVec
	ingested    prometheus.Counter
	reconciled  prometheus.Counter
	stageSynced prometheus.Counter
	waiting     prometheus.Gauge
	lastRun     *prometheus.GaugeVec
	duration    prometheus.Histogram
	pusher      *push.Pusher
}

var _ drip.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder.
func NewRecorder(opts Options) *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	r := &Recorder{
		registry: reg,
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_sends_total",
			Help: "Send attempts by result",
		}, []string{"result"}),
		skips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_skips_total",
			Help: "Due stages not sent, by reason",
		}, []string{"reason"}),
		stepErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_step_errors_total",
			Help: "Run steps that failed without aborting the run",
		}, []string{"step"}),
		secondary: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_secondary_write_failures_total",
			Help: "Failed best-effort writes, by target",
		}, []string{"target"}),
		ingested: f.NewCounter(prometheus.CounterOpts{
			Name: "drip_ingested_total",
			Help: "Contacts added to the provider audience",
		}),
		reconciled: f.NewCounter(prometheus.CounterOpts{
			Name: "drip_reconciled_total",
			Help: "Send records whose delivery status advanced",
		}),
		stageSynced: f.NewCounter(prometheus.CounterOpts{
			Name: "drip_stage_markers_written_total",
			Help: "Stage markers written back to the contact store",
		}),
		waiting: f.NewGauge(prometheus.GaugeOpts{
			Name: "drip_waiting_contacts",
			Help: "Contacts whose next stage was not yet due in the last run",
		}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drip_last_run_timestamp_seconds",
			Help: "Finish time of the last run, by action",
		}, []string{"action"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "drip_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
	if opts.PushURL != "" {
		job := opts.Job
		if job == "" {
			job = "lead_drip"
		}
		r.pusher = push.New(opts.PushURL, job).Gatherer(reg)
		if opts.Client != nil {
			r.pusher = r.pusher.Client(opts.Client)
		}
	}
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveRun records the counters of a finished run.
func (r *Recorder) ObserveRun(run *drip.RunRecord) {
	r.sends.WithLabelValues(drip.OutcomeSent).Add(float64(run.Sent))
	r.sends.WithLabelValues(drip.OutcomeFailed).Add(float64(run.Failed))
	for _, o := range run.Outcomes {
		if o.Result == drip.OutcomeSkipped {
			r.skips.WithLabelValues(o.Reason).Inc()
		}
	}
	for step := range run.StepErrors {
		r.stepErrors.WithLabelValues(step).Inc()
	}
	r.ingested.Add(float64(run.Ingested))
	r.reconciled.Add(float64(run.Reconciled))
	r.stageSynced.Add(float64(run.StageSynced))
	r.waiting.Set(float64(run.Waiting))
	r.lastRun.WithLabelValues(run.Action).Set(float64(run.FinishedAt.Unix()))
	r.duration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
}

// SecondaryWriteFailed counts a failed best-effort write.
func (r *Recorder) SecondaryWriteFailed(target string) {
	r.secondary.WithLabelValues(target).Inc()
}

// Push sends the registry to the Pushgateway. It is a no-op without one.
func (r *Recorder) Push(ctx context.Context) error {
	if r.pusher == nil {
		return nil
	}
	return r.pusher.PushContext(ctx)
}
