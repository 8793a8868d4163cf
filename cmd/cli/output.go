package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nomis52/runledger/query"
	"github.com/nomis52/runledger/runlog"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runListJSON is the --json form of runs list. It carries the pagination
// fields of the HTTP list response.
type runListJSON struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Items  any `json:"items"`
}

func newRunListJSON(runs query.RunList) runListJSON {
	var items any = runs.Summaries
	if runs.Detail {
		items = runs.Details
	}
	return runListJSON{
		Total:  runs.Total,
		Limit:  runs.Limit,
		Offset: runs.Offset,
		Items:  items,
	}
}

func formatEnd(run runlog.RunRecord, now time.Time) string {
	if run.Running() {
		return fmt.Sprintf("(running %s)", now.Sub(run.StartTime).Round(time.Second))
	}
	return run.EndTime.Local().Format(timeLayout)
}

func printRunList(w io.Writer, runs query.RunList, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTART\tEND\tUNITS\tINVOKED BY")

	row := func(run runlog.RunRecord) {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			run.ProcessID, run.Status, run.StartTime.Local().Format(timeLayout),
			formatEnd(run, now), run.UnitCount, run.InvokedBy)
	}

	if runs.Detail {
		for _, d := range runs.Details {
			row(d.RunRecord)
			for _, u := range d.Units.Items {
				fmt.Fprintf(tw, "\t%s\t%s\t%s\t\t\n", outcomeLabel(u.Outcome), u.Timestamp.Local().Format(timeLayout), u.UnitKey)
			}
		}
	} else {
		for _, s := range runs.Summaries {
			row(s.RunRecord)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nshowing %d of %d runs (offset %d)\n", runs.Len(), runs.Total, runs.Offset)
	return err
}

func printRunDetail(w io.Writer, d query.RunDetail) error {
	fmt.Fprintf(w, "Run %d\n", d.ProcessID)
	fmt.Fprintf(w, "  Status:     %s\n", d.Status)
	fmt.Fprintf(w, "  Invoked by: %s\n", d.InvokedBy)
	fmt.Fprintf(w, "  Started:    %s\n", d.StartTime.Local().Format(timeLayout))
	if d.EndTime != nil {
		fmt.Fprintf(w, "  Ended:      %s (%s)\n", d.EndTime.Local().Format(timeLayout), d.EndTime.Sub(d.StartTime).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "  Units:      %d\n\n", d.Units.Total)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTAGE\tUNIT\tOUTCOME\tMESSAGE")
	for _, u := range d.Units.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			u.Timestamp.Local().Format(timeLayout), u.Stage, u.UnitKey, outcomeLabel(u.Outcome), u.Outcome.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nshowing units %d-%d of %d\n",
		min(d.Units.Offset+1, d.Units.Total), d.Units.Offset+len(d.Units.Items), d.Units.Total)
	return err
}

func outcomeLabel(o runlog.Outcome) string {
	if o.Success {
		return "ok"
	}
	return "failed"
}
