// Package pgqueue is a duops.Scheduler backed by a PostgreSQL table.
//
// Schedule inserts a row into the schedules table created by the postgres
// store migrations. Workers in any process claim due rows, poll the operation
// and move the row to its next due time, or delete it once the operation is
// terminal. LISTEN/NOTIFY wakes idle workers early; polling the table on an
// interval remains the fallback.
package pgqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/store/postgres"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel used to wake workers.
// Notifications are best-effort; workers still poll as a fallback.
const DefaultNotifyChannel = "duops_schedule_wakeup"

func normalizeNotifyChannel(ch string) string {
	if ch == "" {
		return DefaultNotifyChannel
	}
	// LISTEN takes an identifier; anything unusual falls back to the default.
	for _, r := range ch {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return DefaultNotifyChannel
		}
	}
	return ch
}

// Config configures a Queue. Zero values take the defaults.
type Config struct {
	// Store locates the schedules table; it should match the store's config.
	Store postgres.Config

	Concurrency  int           // Number of concurrent workers, default 4
	PollInterval time.Duration // How often to look for due rows, default 100ms
	ClaimTimeout time.Duration // Lease of a claimed row, default 30s
	ErrorDelay   time.Duration // Delay before retrying a failed delivery, default 50ms

	// MaxPollsPerSecond caps the poll rate of this process; 0 means no cap.
	MaxPollsPerSecond float64

	// NotifyChannel is the LISTEN/NOTIFY channel, default DefaultNotifyChannel.
	NotifyChannel string
	// DisableNotify turns off LISTEN/NOTIFY, e.g. behind a transaction-mode pooler.
	DisableNotify bool

	HandleWait duops.HandleWait
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 30 * time.Second
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = 50 * time.Millisecond
	}
	if c.HandleWait.Interval <= 0 || c.HandleWait.Timeout <= 0 {
		c.HandleWait = duops.DefaultHandleWait
	}
	c.NotifyChannel = normalizeNotifyChannel(c.NotifyChannel)
	return c
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("pgqueue: queue already running")

// Queue schedules and runs duops polls through the schedules table.
type Queue struct {
	pool     *pgxpool.Pool
	registry *duops.Registry
	poller   *duops.Poller
	config   Config
	table    string
	logger   *zap.Logger
	limiter  *rate.Limiter

	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	running atomic.Bool
}

var _ duops.Scheduler = (*Queue)(nil)

// New returns a queue. registry and poller are only needed by Run; a process
// that only starts operations may pass nil for both.
func New(pool *pgxpool.Pool, registry *duops.Registry, poller *duops.Poller, config Config, opts ...Option) *Queue {
	config = config.withDefaults()
	q := &Queue{
		pool:     pool,
		registry: registry,
		poller:   poller,
		config:   config,
		table:    postgres.TablesFor(config.Store).Schedules,
		logger:   zap.NewNop(),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(zap.String("component", "pgqueue"))
	if config.MaxPollsPerSecond > 0 {
		burst := int(config.MaxPollsPerSecond)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(config.MaxPollsPerSecond), burst)
	}
	return q
}

// Schedule inserts a delivery due now and notifies listening workers.
func (q *Queue) Schedule(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) (duops.ScheduleID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return duops.ScheduleID{}, fmt.Errorf("generate schedule id: %w", err)
	}
	sid := duops.MustScheduleID(u.String())

	if _, err := q.pool.Exec(ctx, insertScheduleSQL(q.table), sid.String(), disc.String(), id.String()); err != nil {
		return duops.ScheduleID{}, fmt.Errorf("insert schedule: %w", err)
	}
	if !q.config.DisableNotify {
		if _, err := q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, q.config.NotifyChannel, sid.String()); err != nil {
			// Workers will still find the row on their next poll.
			q.logger.Warn("failed to notify workers", zap.Error(err))
		}
	}
	return sid, nil
}

// Pending counts the deliveries in the table, leased or not.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, countSchedulesSQL(q.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return n, nil
}

// Run starts the workers. It blocks until Stop is called or ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(q.doneCh)
	if q.registry == nil || q.poller == nil {
		return errors.New("pgqueue: Run needs a registry and a poller")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if !q.config.DisableNotify {
		g.Go(func() error {
			q.listen(gctx)
			return nil
		})
	}
	for i := 0; i < q.config.Concurrency; i++ {
		g.Go(func() error {
			q.workerLoop(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Stop stops the workers and waits for Run to return.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stopCh) })
	if q.running.Load() {
		<-q.doneCh
	}
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// listen holds one pool connection for LISTEN and wakes a worker on every
// notification. Connection failures are retried after PollInterval.
func (q *Queue) listen(ctx context.Context) {
	for ctx.Err() == nil {
		if err := q.listenOnce(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("listen failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(q.config.PollInterval):
			}
		}
	}
}

func (q *Queue) listenOnce(ctx context.Context) error {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{q.config.NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				// The connection may be mid-wait; don't return it to the pool.
				_ = conn.Conn().Close(context.Background())
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		q.wake()
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wakeCh:
		}
		q.drain(ctx)
	}
}

// drain processes due rows until none is left.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		d, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("failed to claim delivery", zap.Error(err))
			}
			return
		}
		if !ok {
			return
		}
		q.wake()
		q.process(ctx, d)
	}
}

func (q *Queue) claim(ctx context.Context) (duops.Delivery, bool, error) {
	var (
		sid, disc, id string
		attempts      int
	)
	err := q.pool.QueryRow(ctx, claimScheduleSQL(q.table), q.config.ClaimTimeout.Milliseconds()).
		Scan(&sid, &disc, &id, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return duops.Delivery{}, false, nil
	}
	if err != nil {
		return duops.Delivery{}, false, err
	}

	d, err := parseDelivery(sid, disc, id)
	if err != nil {
		// A row we can't parse will never become valid.
		q.logger.Error("dropping malformed delivery", zap.String("schedule.id", sid), zap.Error(err))
		q.finish(ctx, sid)
		return duops.Delivery{}, true, nil
	}
	return d, true, nil
}

func parseDelivery(sid, disc, id string) (duops.Delivery, error) {
	scheduleID, err := duops.NewScheduleID(sid)
	if err != nil {
		return duops.Delivery{}, err
	}
	discriminator, err := duops.NewOperationDiscriminator(disc)
	if err != nil {
		return duops.Delivery{}, err
	}
	opID, err := duops.ParseOperationID(id)
	if err != nil {
		return duops.Delivery{}, err
	}
	return duops.Delivery{Discriminator: discriminator, ID: opID, ScheduleID: scheduleID}, nil
}

func (q *Queue) process(ctx context.Context, d duops.Delivery) {
	if d.ScheduleID.IsZero() {
		return
	}
	logger := q.logger.With(
		zap.Stringer("operation.discriminator", d.Discriminator),
		zap.Stringer("operation.id", d.ID),
		zap.Stringer("schedule.id", d.ScheduleID),
	)

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.release(d.ScheduleID.String(), time.Now())
			return
		}
	}

	res, err := duops.Deliver(ctx, q.registry, q.poller, d, q.config.HandleWait, time.Now())
	switch {
	case err != nil:
		logger.Warn("poll failed, will retry", zap.Error(err), zap.Duration("delay", q.config.ErrorDelay))
		q.backoff(d.ScheduleID.String())
	case res.Drop:
		logger.Debug("removing delivery", zap.String("reason", res.Reason))
		q.finish(ctx, d.ScheduleID.String())
	default:
		q.release(d.ScheduleID.String(), res.NextPoll)
	}
}

// The bookkeeping below runs without the worker's context so a shutdown in
// the middle of a poll still releases the lease.

func (q *Queue) release(sid string, due time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.ClaimTimeout)
	defer cancel()
	if _, err := q.pool.Exec(ctx, rescheduleSQL(q.table), sid, due); err != nil {
		q.logger.Error("failed to reschedule delivery", zap.String("schedule.id", sid), zap.Error(err))
	}
}

func (q *Queue) backoff(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.ClaimTimeout)
	defer cancel()
	if _, err := q.pool.Exec(ctx, backoffScheduleSQL(q.table), sid, q.config.ErrorDelay.Milliseconds()); err != nil {
		q.logger.Error("failed to back off delivery", zap.String("schedule.id", sid), zap.Error(err))
	}
}

func (q *Queue) finish(ctx context.Context, sid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.config.ClaimTimeout)
	defer cancel()
	if _, err := q.pool.Exec(ctx, deleteScheduleSQL(q.table), sid); err != nil {
		q.logger.Error("failed to delete delivery", zap.String("schedule.id", sid), zap.Error(err))
	}
}
