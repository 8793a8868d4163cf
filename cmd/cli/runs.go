package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nomis52/runledger/query"
	"github.com/nomis52/runledger/runlog"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Query process runs",
	}
	cmd.AddCommand(newRunsListCmd(a), newRunsShowCmd(a))
	return cmd
}

func (a *app) engine() *query.Engine {
	return query.NewEngine(a.store,
		query.WithDetailUnits(a.cfg.Query.DetailUnits),
		query.WithRecentWindow(a.cfg.Query.RecentWindow),
	)
}

func newRunsListCmd(a *app) *cobra.Command {
	var (
		full, detail  bool
		limit, offset int
	)

	cmd := &cobra.Command{
		Use:   "list [from [to]]",
		Short: "List runs in a time range, the recent window by default",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := a.engine()

			tr, err := rangeFromArgs(engine, args)
			if err != nil {
				return err
			}
			if limit == 0 {
				limit = a.cfg.Query.DefaultLimit
			}
			lo := runlog.LimitOffset{Limit: limit, Offset: offset}.Normalize()

			runs, err := engine.ListRuns(cmd.Context(), tr, full, detail, lo)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, newRunListJSON(runs))
			}
			return printRunList(out, runs, engine.Now())
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Include runs that recorded no units")
	cmd.Flags().BoolVar(&detail, "detail", false, "Show the first units of each run")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")
	return cmd
}

func rangeFromArgs(engine *query.Engine, args []string) (runlog.TimeRange, error) {
	switch len(args) {
	case 0:
		return engine.RecentRange(), nil
	case 1:
		from, err := query.ParseDateTime(args[0], time.Local)
		if err != nil {
			return runlog.TimeRange{}, fmt.Errorf("from: %w", err)
		}
		return engine.Since(from), nil
	default:
		from, err := query.ParseDateTime(args[0], time.Local)
		if err != nil {
			return runlog.TimeRange{}, fmt.Errorf("from: %w", err)
		}
		to, err := query.ParseDateTime(args[1], time.Local)
		if err != nil {
			return runlog.TimeRange{}, fmt.Errorf("to: %w", err)
		}
		if to.Before(from) {
			return runlog.TimeRange{}, errors.New("from must not be after to")
		}
		return runlog.NewTimeRange(from, to), nil
	}
}

func newRunsShowCmd(a *app) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a single run with its units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid process id %q", args[0])
			}
			lo := runlog.LimitOffset{Limit: limit, Offset: offset}.Normalize()

			detail, err := a.engine().GetRunDetail(cmd.Context(), id, lo)
			if errors.Is(err, runlog.ErrNotFound) {
				return fmt.Errorf("process run %d not found", id)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, detail)
			}
			return printRunDetail(out, detail)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", runlog.DefaultLimit, "Maximum number of units")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of units to skip")
	return cmd
}
