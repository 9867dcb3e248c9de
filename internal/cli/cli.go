// Package cli implements the duops command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvcnvn/duops/config"
)

// app carries what every command needs once flags are parsed.
type app struct {
	configFile string
	cfg        *config.Config
	logger     *zap.Logger
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "duops",
		Short: "duops: durable operations on a pluggable store",
		Long: `duops runs durable operations that survive restarts:
- checkpointed steps that never run twice
- waits and retries persisted in the store
- postgres, redis, sqlite or in-memory storage`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(
		a.buildMigrateCommand(),
		a.buildSchemaCommand(),
		a.buildWorkerCommand(),
		a.buildStartCommand(),
		a.buildStatusCommand(),
		a.buildPurgeCommand(),
	)
	return rootCmd
}

func (a *app) init() error {
	loader := config.NewLoader()
	if a.configFile != "" {
		loader = loader.WithConfigPath(a.configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// withEngine builds an engine for the duration of fn.
func (a *app) withEngine(ctx context.Context, opts engineOptions, fn func(*engine) error) error {
	e, err := newEngine(ctx, a.cfg, a.logger, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(context.Background()); err != nil {
			a.logger.Warn("failed to close engine", zap.Error(err))
		}
	}()
	return fn(e)
}
