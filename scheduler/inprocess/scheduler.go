// Package inprocess schedules duops polls on goroutines of the current process.
//
// Pending polls live in memory: they are lost when the process exits. Use it
// for tests, single-process deployments and as the reference scheduler.
package inprocess

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nvcnvn/duops"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("inprocess: scheduler already running")

// Config configures a Scheduler. Zero values take the defaults.
type Config struct {
	Concurrency  int           // number of poll goroutines, default 4
	PollInterval time.Duration // how often idle workers look at the queue, default 100ms
	ErrorDelay   time.Duration // re-poll delay after a poll error, default 50ms

	// MaxPollsPerSecond caps the poll rate over all workers; 0 means no cap.
	MaxPollsPerSecond float64

	// HandleWait defaults to duops.DefaultHandleWait.
	HandleWait duops.HandleWait
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = 50 * time.Millisecond
	}
	if c.HandleWait.Interval <= 0 || c.HandleWait.Timeout <= 0 {
		c.HandleWait = duops.DefaultHandleWait
	}
	return c
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler is a duops.Scheduler that polls operations from a due-time
// ordered in-memory queue.
//
// After each poll the operation is re-enqueued according to the state it
// reached: Yielded immediately, Waiting at its deadline, Retrying at its retry
// time. Terminal operations leave the queue.
type Scheduler struct {
	registry *duops.Registry
	poller   *duops.Poller
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	limiter  *rate.Limiter

	mu    sync.Mutex
	queue deliveryQueue
	seq   uint64

	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	running atomic.Bool
}

var _ duops.Scheduler = (*Scheduler)(nil)

func New(registry *duops.Registry, poller *duops.Poller, config Config, opts ...Option) *Scheduler {
	config = config.withDefaults()
	s := &Scheduler{
		registry: registry,
		poller:   poller,
		config:   config,
		logger:   zap.NewNop(),
		now:      time.Now,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "inprocess_scheduler"))
	if config.MaxPollsPerSecond > 0 {
		burst := int(config.MaxPollsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.MaxPollsPerSecond), burst)
	}
	return s
}

// Schedule enqueues a poll due now and returns its UUIDv7 handle.
func (s *Scheduler) Schedule(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) (duops.ScheduleID, error) {
	if err := ctx.Err(); err != nil {
		return duops.ScheduleID{}, err
	}
	u, err := uuid.NewV7()
	if err != nil {
		return duops.ScheduleID{}, fmt.Errorf("generate schedule id: %w", err)
	}
	sid := duops.MustScheduleID(u.String())
	s.enqueue(&delivery{scheduleID: sid, discriminator: disc, id: id, due: s.now()})
	return sid, nil
}

// Pending returns the number of queued deliveries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) enqueue(d *delivery) {
	s.mu.Lock()
	s.seq++
	d.seq = s.seq
	heap.Push(&s.queue, d)
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) next() (*delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.popDue(s.now())
}

// Run starts the workers. It blocks until Stop is called or ctx is cancelled.
// Polls in flight see a cancelled context and yield. A Scheduler runs once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.doneCh)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < s.config.Concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(workerCtx)
	}

	select {
	case <-s.stopCh:
	case <-ctx.Done():
	}
	cancel()

	s.wg.Wait()
	return nil
}

// Stop stops the workers and waits for Run to return. Run called after Stop
// returns at once.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	if s.running.Load() {
		<-s.doneCh
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		s.drain(ctx)
	}
}

// drain processes due deliveries until none is left.
func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		d, ok := s.next()
		if !ok {
			return
		}
		// Let another worker pick up the next due delivery.
		s.wake()
		s.process(ctx, d)
	}
}

func (s *Scheduler) process(ctx context.Context, d *delivery) {
	logger := s.logger.With(
		zap.Stringer("operation.discriminator", d.discriminator),
		zap.Stringer("operation.id", d.id),
		zap.Stringer("schedule.id", d.scheduleID),
	)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	res, err := duops.Deliver(ctx, s.registry, s.poller, duops.Delivery{
		Discriminator: d.discriminator,
		ID:            d.id,
		ScheduleID:    d.scheduleID,
	}, s.config.HandleWait, s.now())
	switch {
	case err != nil && ctx.Err() != nil:
		// Shutting down; the queue dies with the process.
	case err != nil:
		logger.Warn("poll failed, will retry", zap.Error(err), zap.Duration("delay", s.config.ErrorDelay))
		s.requeue(d, s.now().Add(s.config.ErrorDelay))
	case res.Drop:
		logger.Debug("dropping delivery", zap.String("reason", res.Reason))
	default:
		s.requeue(d, res.NextPoll)
	}
}

func (s *Scheduler) requeue(d *delivery, due time.Time) {
	s.enqueue(&delivery{scheduleID: d.scheduleID, discriminator: d.discriminator, id: d.id, due: due})
}
