package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/config"
	"github.com/nvcnvn/duops/examples/sample"
	"github.com/nvcnvn/duops/store/postgres"
	"github.com/nvcnvn/duops/telemetry"
)

func (a *app) buildMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the embedded postgres migrations",
	}
	run := func(name string, fn func(*postgres.Migrator) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: "Migrate " + name,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if a.cfg.Store.Driver != config.DriverPostgres {
					return fmt.Errorf("migrate requires the postgres driver, got %q", a.cfg.Store.Driver)
				}
				m, err := postgres.NewMigrator(cmd.Context(), a.cfg.Store.Postgres.URL, postgres.Config{Schema: a.cfg.Store.Postgres.Schema})
				if err != nil {
					return err
				}
				defer m.Close()
				if err := fn(m); err != nil {
					return err
				}
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				a.logger.Info("migration complete", zap.Uint("version", version), zap.Bool("dirty", dirty))
				return nil
			},
		}
	}
	cmd.AddCommand(
		run("up", (*postgres.Migrator).Up),
		run("down", (*postgres.Migrator).Down),
	)
	return cmd
}

func (a *app) buildSchemaCommand() *cobra.Command {
	var citus bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the postgres schema SQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema := postgres.Config{Schema: a.cfg.Store.Postgres.Schema}.SchemaName()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, postgres.SchemaSQLFor(schema))
			if citus {
				fmt.Fprintln(out, postgres.CitusSchemaSQLFor(schema))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&citus, "citus", false, "also print the Citus distribution SQL")
	return cmd
}

func (a *app) buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start polling operations until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runWorker(ctx)
		},
	}
}

func (a *app) runWorker(ctx context.Context) error {
	var (
		sinks  []duops.Telemetry
		server *http.Server
	)

	if a.cfg.Metrics.Enabled {
		reg, sink, err := newPrometheusSink()
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		sinks = append(sinks, sink)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	if a.cfg.OTel.Enabled {
		mp, err := newMeterProvider(ctx, a.cfg.OTel)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mp.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("failed to shut down meter provider", zap.Error(err))
			}
		}()
		sink, err := telemetry.NewOTel(mp)
		if err != nil {
			return fmt.Errorf("failed to create otel instruments: %w", err)
		}
		sinks = append(sinks, sink)
	}

	return a.withEngine(ctx, engineOptions{telemetry: telemetry.Combine(sinks...)}, func(e *engine) error {
		g, gctx := errgroup.WithContext(ctx)

		if server != nil {
			g.Go(func() error {
				a.logger.Info("serving metrics", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
		}

		g.Go(func() error {
			a.logger.Info("worker started",
				zap.String("store", a.cfg.Store.Driver),
				zap.String("scheduler", a.cfg.Scheduler.Kind),
				zap.Int("concurrency", a.cfg.Scheduler.Concurrency),
			)
			err := e.scheduler.Run(gctx)
			a.logger.Info("worker stopped")
			return err
		})
		return g.Wait()
	})
}

func (a *app) buildStartCommand() *cobra.Command {
	var (
		name string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start [id]",
		Short: "Start a sample operation",
		Long: `Start a sample operation. With the in-process scheduler nothing else will
poll it, so the command runs the scheduler itself until the operation is
terminal or --wait elapses.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := uuid.NewString()
			if len(args) == 1 {
				raw = args[0]
			}
			id, err := duops.ParseOperationID(raw)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), engineOptions{}, func(e *engine) error {
				return a.start(cmd, e, id, sample.Args{Name: name}, wait)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "world", "name to greet")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to run an in-process scheduler")
	return cmd
}

func (a *app) start(cmd *cobra.Command, e *engine, id duops.OperationID, args sample.Args, wait time.Duration) error {
	ctx := cmd.Context()
	if a.cfg.Scheduler.Kind == config.SchedulerPGQueue {
		op, err := duops.Start(ctx, e.manager, sample.Definition, id, args)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]string{
			"discriminator": op.Discriminator.String(),
			"id":            op.ID.String(),
			"scheduleId":    op.ScheduleID.String(),
			"state":         op.State.String(),
		})
	}

	runCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.scheduler.Run(runCtx) }()

	if _, err := duops.Start(ctx, e.manager, sample.Definition, id, args); err != nil {
		cancel()
		<-done
		return err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			<-done
			return fmt.Errorf("operation %s did not finish within %s", id, wait)
		case <-ticker.C:
		}
		op, err := duops.Get(ctx, e.store, sample.Definition, id)
		if err != nil {
			cancel()
			<-done
			return err
		}
		if op != nil && op.State.IsTerminal() {
			cancel()
			<-done
			return a.printStatus(cmd, e, sample.Definition.Discriminator(), id)
		}
	}
}

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <discriminator> <id>",
		Short: "Show the status of an operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			disc, id, err := parseKey(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), engineOptions{}, func(e *engine) error {
				return a.printStatus(cmd, e, disc, id)
			})
		},
	}
}

func (a *app) printStatus(cmd *cobra.Command, e *engine, disc duops.OperationDiscriminator, id duops.OperationID) error {
	view, err := e.registry.Describe(cmd.Context(), e.store, disc, id)
	if err != nil {
		return err
	}
	if view == nil {
		return &duops.NotFoundError{Operation: duops.OperationKey{Discriminator: disc, ID: id}}
	}
	return printJSON(cmd, newStatus(view))
}

func (a *app) buildPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <discriminator> <id>",
		Short: "Delete an operation and its checkpoints",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			disc, id, err := parseKey(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), engineOptions{}, func(e *engine) error {
				if err := e.manager.Delete(cmd.Context(), disc, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", duops.OperationKey{Discriminator: disc, ID: id})
				return nil
			})
		},
	}
}

func parseKey(args []string) (duops.OperationDiscriminator, duops.OperationID, error) {
	disc, err := duops.NewOperationDiscriminator(args[0])
	if err != nil {
		return duops.OperationDiscriminator{}, duops.OperationID{}, err
	}
	id, err := duops.ParseOperationID(args[1])
	if err != nil {
		return duops.OperationDiscriminator{}, duops.OperationID{}, err
	}
	return disc, id, nil
}

type checkpointStatus struct {
	Discriminator string `json:"discriminator"`
	Key           string `json:"key,omitempty"`
	Value         string `json:"value"`
}

type status struct {
	Discriminator string             `json:"discriminator"`
	ID            string             `json:"id"`
	ScheduleID    string             `json:"scheduleId,omitempty"`
	StartedAt     string             `json:"startedAt"`
	Args          string             `json:"args"`
	State         string             `json:"state"`
	Result        string             `json:"result,omitempty"`
	Checkpoints   []checkpointStatus `json:"checkpoints"`
}

func newStatus(v *duops.OperationView) status {
	s := status{
		Discriminator: v.Operation.Discriminator.String(),
		ID:            v.Operation.ID.String(),
		ScheduleID:    v.ScheduleID.String(),
		StartedAt:     v.StartedAt,
		Args:          v.Args,
		State:         v.State.String(),
		Result:        v.Result,
		Checkpoints:   make([]checkpointStatus, 0, len(v.Checkpoints)),
	}
	for _, cp := range v.Checkpoints {
		s.Checkpoints = append(s.Checkpoints, checkpointStatus{
			Discriminator: cp.Discriminator.String(),
			Key:           string(cp.Key),
			Value:         string(cp.Value),
		})
	}
	return s
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
