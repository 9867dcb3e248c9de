package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/config"
	"github.com/nvcnvn/duops/examples/sample"
	"github.com/nvcnvn/duops/scheduler/inprocess"
	"github.com/nvcnvn/duops/scheduler/pgqueue"
	"github.com/nvcnvn/duops/store/gormstore"
	"github.com/nvcnvn/duops/store/memory"
	"github.com/nvcnvn/duops/store/postgres"
	storeredis "github.com/nvcnvn/duops/store/redis"
	"github.com/nvcnvn/duops/telemetry"
)

// runner is a scheduler the CLI can run until shutdown.
type runner interface {
	duops.Scheduler
	Run(ctx context.Context) error
}

// engine wires every duops component a command may need from config.
type engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     duops.Store
	registry  *duops.Registry
	poller    *duops.Poller
	manager   *duops.Manager
	scheduler runner

	closers []func(context.Context) error
}

type engineOptions struct {
	telemetry duops.Telemetry
}

func newEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts engineOptions) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: logger, registry: duops.NewRegistry()}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	var pool *pgxpool.Pool
	e.store, pool, err = e.openStore(ctx)
	if err != nil {
		return nil, err
	}

	sample.New().Register(e.registry)

	sink := telemetry.Combine(telemetry.NewLogger(logger), opts.telemetry)
	e.poller = duops.NewPoller(e.store, duops.WithLogger(logger), duops.WithTelemetry(sink))

	sc := cfg.Scheduler
	switch sc.Kind {
	case config.SchedulerPGQueue:
		e.scheduler = pgqueue.New(pool, e.registry, e.poller, pgqueue.Config{
			Store:             e.postgresConfig(),
			Concurrency:       sc.Concurrency,
			PollInterval:      sc.PollInterval,
			ClaimTimeout:      sc.ClaimTimeout,
			ErrorDelay:        sc.ErrorDelay,
			MaxPollsPerSecond: sc.MaxPollsPerSecond,
		}, pgqueue.WithLogger(logger))
	default:
		e.scheduler = inprocess.New(e.registry, e.poller, inprocess.Config{
			Concurrency:       sc.Concurrency,
			PollInterval:      sc.PollInterval,
			ErrorDelay:        sc.ErrorDelay,
			MaxPollsPerSecond: sc.MaxPollsPerSecond,
		}, inprocess.WithLogger(logger))
	}
	e.manager = duops.NewManager(e.store, e.scheduler, duops.WithLogger(logger), duops.WithTelemetry(sink))
	return e, nil
}

func (e *engine) postgresConfig() postgres.Config {
	return postgres.Config{
		Schema:     e.cfg.Store.Postgres.Schema,
		ShardCount: e.cfg.Store.Postgres.ShardCount,
	}
}

// openStore returns the configured store and, for postgres, its pool.
func (e *engine) openStore(ctx context.Context) (duops.Store, *pgxpool.Pool, error) {
	sc := e.cfg.Store
	switch sc.Driver {
	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(sc.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres url: %w", err)
		}
		if sc.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = int32(sc.Postgres.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		e.closers = append(e.closers, func(context.Context) error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return postgres.New(pool, e.postgresConfig()), pool, nil

	case config.DriverRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{sc.Redis.Addr},
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		e.closers = append(e.closers, func(context.Context) error { return client.Close() })
		store := storeredis.New(client, sc.Redis.KeyPrefix)
		if err := store.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return store, nil, nil

	case config.DriverSQLite:
		store, err := gormstore.OpenSQLite(sc.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return store.Close() })
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	default:
		return memory.New(), nil, nil
	}
}

// Close releases connections in reverse order of acquisition.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// newPrometheusSink registers the duops counters on a fresh registry.
func newPrometheusSink() (*prometheus.Registry, duops.Telemetry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink, err := telemetry.NewPrometheus(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, sink, nil
}
