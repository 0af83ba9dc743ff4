package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/lead-drip/internal/config"
	"github.com/ignite/lead-drip/internal/crm"
	"github.com/ignite/lead-drip/internal/drip"
	"github.com/ignite/lead-drip/internal/metrics"
	"github.com/ignite/lead-drip/internal/pkg/distlock"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/ignite/lead-drip/internal/pkg/retry"
	"github.com/ignite/lead-drip/internal/progress"
	"github.com/ignite/lead-drip/internal/provider"
	"github.com/ignite/lead-drip/internal/sequence"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type app struct {
	orch    *drip.Orchestrator
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires the engine from configuration. Any failure here is a
// preflight failure and nothing has been sent.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.Component("main")
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.ContactStore.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening contact store: %w", err)
	}
	a.closers = append(a.closers, func() { db.Close() })
	db.SetMaxOpenConns(cfg.ContactStore.MaxOpenConns)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fail(fmt.Errorf("pinging contact store: %w", err))
	}
	log.Info("connected to contact store")

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fail(fmt.Errorf("parsing redis url: %w", err))
		}
		rdb = redis.NewClient(ropts)
		a.closers = append(a.closers, func() { rdb.Close() })
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return fail(fmt.Errorf("pinging redis: %w", err))
		}
	}
	lock := distlock.NewLock(rdb, db, "lead-drip:"+cfg.Drip.Sequence, cfg.Redis.LockTTL())

	resolver, err := sequence.Load(cfg.Drip.SequencesFile, cfg.Drip.DefaultSegment)
	if err != nil {
		return fail(err)
	}

	policy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval(),
		MaxInterval:     cfg.Retry.MaxInterval(),
	}
	contacts := crm.NewStore(db, crm.Options{
		PageSize: cfg.ContactStore.PageSize,
		Timeout:  cfg.ContactStore.Timeout(),
		Retry:    policy,
	})

	var delivery drip.DeliveryProvider
	switch cfg.Provider.Type {
	case "ses":
		delivery, err = provider.NewSES(ctx, provider.SESConfig{
			Region:          cfg.SES.Region,
			AccessKey:       cfg.SES.AccessKey,
			SecretKey:       cfg.SES.SecretKey,
			ContactListName: cfg.SES.ContactListName,
			Topic:           cfg.Drip.Sequence,
		})
		if err != nil {
			return fail(err)
		}
	default:
		delivery = provider.NewResend(provider.ResendConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			AudienceName: cfg.Drip.AudienceName,
			Timeout:      cfg.Provider.Timeout(),
			HistoryPages: cfg.Provider.HistoryPages,
			Retry:        policy,
		}, nil)
	}

	var store drip.ProgressStore
	switch cfg.Progress.Type {
	case "s3":
		store, err = progress.NewS3Store(ctx, cfg.Progress.S3Bucket, cfg.Progress.S3Key, cfg.Progress.AWSRegion)
		if err != nil {
			return fail(err)
		}
	default:
		store = progress.NewFileStore(cfg.Progress.Path)
	}

	orch, err := drip.NewOrchestrator(drip.Config{
		Sequence: cfg.Drip.Sequence,
		Tag:      cfg.Drip.Tag,
		Scheduler: drip.SchedulerConfig{
			From:                   cfg.Drip.FromAddress,
			ReplyTo:                cfg.Drip.ReplyTo,
			MaxSendsPerRun:         cfg.Drip.MaxSendsPerRun,
			MaxSendsPerStagePerRun: cfg.Drip.MaxSendsPerStagePerRun,
			QuietPeriod:            cfg.Drip.QuietPeriod(),
			SendDelay:              cfg.Drip.SendDelay(),
		},
		Reconciler: drip.ReconcilerConfig{
			Retention:   cfg.Drip.Retention(),
			StatusDelay: cfg.Drip.StatusDelay(),
		},
	}, drip.Deps{
		Resolver: resolver,
		Contacts: contacts,
		Provider: delivery,
		Progress: store,
		Lock:     lock,
		Recorder: metrics.NewRecorder(metrics.Options{PushURL: cfg.Metrics.PushgatewayURL, Job: cfg.Metrics.Job}),
	})
	if err != nil {
		return fail(err)
	}
	a.orch = orch
	return a, nil
}
