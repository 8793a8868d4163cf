package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed runs that ended before a cutoff",
		Long: `Delete completed runs, and their units, that ended longer ago than
--older-than. Defaults to the retention max_age from the config file.
Running runs are never pruned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = a.cfg.Retention.MaxAge
			}
			cutoff := time.Now().Add(-olderThan)

			n, err := a.store.Prune(cmd.Context(), cutoff)
			if err != nil {
				return fmt.Errorf("pruning runs: %w", err)
			}
			a.logger.Info("pruned run history", "removed", n, "cutoff", cutoff)
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs that ended before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Prune runs that ended longer ago than this")
	return cmd
}
