// Command runledger inspects and maintains the run history store from the
// command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nomis52/runledger/buildinfo"
	"github.com/nomis52/runledger/config"
	"github.com/nomis52/runledger/logging"
	"github.com/nomis52/runledger/runlog"
)

func main() {
	root, a := newRootCmd()
	err := root.Execute()
	if cerr := a.close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs. It is populated before a
// subcommand runs.
type app struct {
	configPath string
	jsonOut    bool

	cfg        *config.ServerConfig
	logger     *logging.Logger
	store      runlog.Store
	closeStore func() error
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:   "runledger",
		Short: "Inspect and maintain pipeline run history",
		Long: `Inspect and maintain pipeline run history.

Examples:
  runledger -c server.yaml runs list --full
  runledger -c server.yaml runs list 2024-06-01 2024-06-08 --detail
  runledger -c server.yaml runs show 42 --limit 20
  runledger -c server.yaml prune --older-than 720h
  runledger -c server.yaml demo --units 50`,
		Version:           buildinfo.Get().String(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.open() },
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to server config file")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print JSON instead of tables")
	root.MarkPersistentFlagRequired("config")

	root.AddCommand(newRunsCmd(a), newPruneCmd(a), newDemoCmd(a))
	return root, a
}

func (a *app) open() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// stdout is reserved for command output.
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, closeFn, err := cfg.Store.Open(logger.Logger)
	if err != nil {
		return errors.Join(fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err), logger.Close())
	}

	a.cfg, a.logger, a.store, a.closeStore = cfg, logger, store, closeFn
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.closeStore != nil {
		errs = append(errs, a.closeStore())
		a.closeStore = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
		a.logger = nil
	}
	return errors.Join(errs...)
}
