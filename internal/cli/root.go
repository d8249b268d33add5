// Package cli implements the taskmill command surface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mfinley/taskmill/internal/config"
	"github.com/mfinley/taskmill/internal/logging"
	"github.com/mfinley/taskmill/internal/orchestrator"
)

// Version is stamped at build time.
var Version = "dev"

// app carries the lazily-initialized process dependencies shared by
// commands. Commands that do not touch the database (version, help) never
// trigger initialization.
type app struct {
	cfgPath string
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	logger  *zap.Logger
}

// init loads config, logging, and the orchestrator on first use.
func (a *app) init() error {
	if a.orch != nil {
		return nil
	}

	var err error
	if a.cfgPath != "" {
		a.cfg, err = config.Load(a.cfgPath)
	} else {
		a.cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	a.logger, err = logging.New(a.cfg.Logging.Level, a.cfg.Logging.Format)
	if err != nil {
		return err
	}

	a.orch, err = orchestrator.New(a.cfg, nil, a.logger)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.orch != nil {
		_ = a.orch.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// NewRoot builds the root command tree.
func NewRoot() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "taskmill",
		Short:         "Phase-orchestrated AI development tasks",
		Long:          "taskmill plans, builds, reviews, and integrates development tasks through judged AI agent phases.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default: ./taskmill.yaml, ~/.taskmill/config.yaml)")

	root.AddCommand(
		newTaskCmd(a),
		newRunCmd(a),
		newResumeCmd(a),
		newStatusCmd(a),
		newEventsCmd(a),
		newCheckpointsCmd(a),
		newDBCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRoot().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
