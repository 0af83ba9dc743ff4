package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/lead-drip/internal/config"
	"github.com/ignite/lead-drip/internal/drip"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/ignite/lead-drip/internal/sequence"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var actions = []string{"run", "status", "preview", "reset", "reconcile", "sync-stages", "import-csv"}

type options struct {
	action     string
	configPath string
	since      time.Duration
	segment    string
	batchSize  int
	file       string
	confirm    bool
	sampleName string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "drip",
		Short:         "Lead drip sequencing and delivery reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := execute(ctx, opts, out)
			if err != nil {
				logrus.WithError(err).WithField("action", opts.action).Error("drip failed")
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.action, "action", "run", "one of "+strings.Join(actions, "|"))
	f.StringVar(&opts.configPath, "config", "config.yaml", "path to the YAML config file")
	f.DurationVar(&opts.since, "since", 0, "only ingest contacts who signed up within this window, e.g. 24h")
	f.StringVar(&opts.segment, "segment", "", "restrict ingestion and sends to one segment")
	f.IntVar(&opts.batchSize, "batch-size", 0, "override the per-run send cap")
	f.StringVar(&opts.file, "file", "", "CSV file for import-csv")
	f.BoolVar(&opts.confirm, "confirm", false, "confirm a destructive action such as reset")
	f.StringVar(&opts.sampleName, "name", "Alex Morgan", "sample recipient name for preview")
	return cmd
}

func (o *options) validate() error {
	known := false
	for _, a := range actions {
		known = known || a == o.action
	}
	if !known {
		return fmt.Errorf("unknown action %q, want one of %s", o.action, strings.Join(actions, "|"))
	}
	if o.action == "import-csv" && o.file == "" {
		return errors.New("import-csv requires --file")
	}
	if o.batchSize < 0 || o.since < 0 {
		return errors.New("--batch-size and --since must not be negative")
	}
	if o.segment != "" {
		if _, ok := sequence.ParseSegment(o.segment); !ok {
			return fmt.Errorf("unknown segment %q", o.segment)
		}
	}
	return nil
}

func execute(ctx context.Context, opts *options, out io.Writer) error {
	cfg, err := config.LoadFromEnv(opts.configPath)
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	switch opts.action {
	case "run":
		run, err := a.orch.Run(ctx, drip.RunOptions{Since: opts.since, Segment: opts.segment, BatchSize: opts.batchSize})
		printRun(out, run)
		return err
	case "reconcile":
		run, err := a.orch.Reconcile(ctx)
		printRun(out, run)
		return err
	case "sync-stages":
		run, err := a.orch.SyncStages(ctx)
		printRun(out, run)
		return err
	case "status":
		report, err := a.orch.Status(ctx)
		if err != nil {
			return err
		}
		report.Print(out)
		return nil
	case "preview":
		return preview(out, a.orch, opts)
	case "reset":
		if err := a.orch.Reset(ctx, opts.confirm); err != nil {
			return err
		}
		fmt.Fprintln(out, "Local progress reset. The next run rebuilds from the contact store.")
		return nil
	case "import-csv":
		f, err := os.Open(opts.file)
		if err != nil {
			return err
		}
		defer f.Close()
		res, err := a.orch.ImportCSV(ctx, f)
		if res != nil {
			fmt.Fprintf(out, "Imported %d contacts, %d invalid rows\n", res.Imported, len(res.Invalid))
			for _, bad := range res.Invalid {
				fmt.Fprintf(out, "  invalid: %s\n", bad)
			}
		}
		return err
	}
	return nil
}

func preview(out io.Writer, orch *drip.Orchestrator, opts *options) error {
	seg, stages, err := orch.Preview(opts.segment, sequence.Recipient{Email: "preview@example.com", Name: opts.sampleName})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Segment %s, %d stages\n", seg, len(stages))
	for _, st := range stages {
		fmt.Fprintf(out, "\n--- Stage %d (%s), %d days after previous ---\n", st.Index, st.Key, st.DelayDays)
		fmt.Fprintf(out, "Subject: %s\n\n%s\n", st.Subject, st.HTML)
	}
	return nil
}

func printRun(out io.Writer, run *drip.RunRecord) {
	if run == nil {
		return
	}
	fmt.Fprintf(out, "%s %s: sent=%d failed=%d skipped=%d waiting=%d ingested=%d reconciled=%d markers=%d\n",
		run.Action, run.ID, run.Sent, run.Failed, run.Skipped, run.Waiting, run.Ingested, run.Reconciled, run.StageSynced)
	steps := make([]string, 0, len(run.StepErrors))
	for step := range run.StepErrors {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	for _, step := range steps {
		fmt.Fprintf(out, "  step %s failed: %s\n", step, run.StepErrors[step])
	}
}
