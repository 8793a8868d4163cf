package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nomis52/runledger/metrics"
	"github.com/nomis52/runledger/pipeline"
	"github.com/nomis52/runledger/runlog"
)

// errSourceUnavailable is returned by the demo stage selected with --fail-stage.
var errSourceUnavailable = errors.New("source unavailable")

func newDemoCmd(a *app) *cobra.Command {
	var (
		units       int
		parallelism int
		failStage   string
		invokedBy   string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a sample ingestion pipeline and record it",
		Long: `Run a sample three-stage ingestion pipeline (fetch, parse, index) against
the configured store. Store metrics are pushed to metrics.push_url when it is
set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if units < 1 {
				return fmt.Errorf("--units must be positive")
			}

			hostname, err := os.Hostname()
			if err != nil {
				hostname = "unknown"
			}
			registry := metrics.NewPushRegistry(metrics.PushConfig{
				URL:      a.cfg.Metrics.PushURL,
				Prefix:   a.cfg.Metrics.Prefix,
				Job:      a.cfg.Metrics.Job,
				Instance: hostname,
			})
			store, err := runlog.NewInstrumentedStore(a.store, registry)
			if err != nil {
				return fmt.Errorf("instrumenting store: %w", err)
			}

			p := pipeline.New(store, a.logger.Logger, demoStages(units, failStage),
				pipeline.WithParallelism(parallelism),
				pipeline.WithInvokedBy(invokedBy),
			)
			id, runErr := p.Execute(cmd.Context())

			if a.cfg.Metrics.PushURL != "" {
				if err := registry.Push(context.WithoutCancel(cmd.Context())); err != nil {
					a.logger.Warn("failed to push metrics", "error", err)
				}
			}
			if id == 0 {
				return runErr
			}

			run, err := a.store.GetRun(cmd.Context(), id)
			if err != nil {
				return errors.Join(runErr, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %d %s: %d units\n", run.ProcessID, run.Status, run.UnitCount)
			return runErr
		},
	}
	cmd.Flags().IntVar(&units, "units", 20, "Number of source files to ingest")
	cmd.Flags().IntVar(&parallelism, "parallelism", 2, "Number of stages to run at once")
	cmd.Flags().StringVar(&failStage, "fail-stage", "", "Name of a stage that should fail")
	cmd.Flags().StringVar(&invokedBy, "invoked-by", "demo", "Recorded as the run's invoker")
	return cmd
}

// demoStages returns the fetch, parse and index stages over n source files.
// Every seventh file fails to parse. The parse stage commits every ten units.
func demoStages(n int, failStage string) []pipeline.Stage {
	key := func(i int) string { return fmt.Sprintf("source-%03d.xml", i) }

	fetch := func(ctx context.Context, b *pipeline.Batch) error {
		for i := range n {
			b.Stage(key(i), runlog.Succeeded())
		}
		return nil
	}

	parse := func(ctx context.Context, b *pipeline.Batch) error {
		for i := range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcome := runlog.Succeeded()
			if i%7 == 6 {
				outcome = runlog.Failed("malformed document")
			}
			b.Stage("parse/"+key(i), outcome)
			if b.Len() == 10 {
				if err := b.Commit(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	}

	index := func(ctx context.Context, b *pipeline.Batch) error {
		for i := range n {
			b.Stage("index/"+key(i), runlog.Succeeded())
		}
		// Re-indexing the first file replaces its outcome in place.
		b.Stage("index/"+key(0), runlog.Failed("index conflict, retried"))
		return nil
	}

	fns := []struct {
		name string
		fn   func(context.Context, *pipeline.Batch) error
	}{
		{"fetch", fetch},
		{"parse", parse},
		{"index", index},
	}

	stages := make([]pipeline.Stage, 0, len(fns))
	for _, s := range fns {
		fn := s.fn
		if s.name == failStage {
			fn = func(ctx context.Context, b *pipeline.Batch) error {
				if err := s.fn(ctx, b); err != nil {
					return err
				}
				return errSourceUnavailable
			}
		}
		stages = append(stages, pipeline.NewStage(s.name, fn))
	}
	return stages
}
