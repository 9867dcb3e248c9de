package inprocess_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/scheduler/inprocess"
	"github.com/nvcnvn/duops/store/memory"
)

type harness struct {
	store     *memory.Store
	registry  *duops.Registry
	poller    *duops.Poller
	scheduler *inprocess.Scheduler
	manager   *duops.Manager
}

func newHarness(t *testing.T, register func(*duops.Registry)) *harness {
	t.Helper()
	h := &harness{store: memory.New(), registry: duops.NewRegistry()}
	register(h.registry)
	h.poller = duops.NewPoller(h.store)
	h.scheduler = inprocess.New(h.registry, h.poller, inprocess.Config{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		ErrorDelay:   5 * time.Millisecond,
	})
	h.manager = duops.NewManager(h.store, h.scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.scheduler.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return h
}

func awaitState[A any, R any](t *testing.T, h *harness, def duops.OperationDefinition[A, R], id duops.OperationID) *duops.Operation[A, R] {
	t.Helper()
	var op *duops.Operation[A, R]
	require.Eventually(t, func() bool {
		var err error
		op, err = duops.Get(context.Background(), h.store, def, id)
		return err == nil && op != nil && op.State.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return op
}

func TestSchedulerRunsOperationToCompletion(t *testing.T) {
	double := duops.DefineOperation[int, int]("double")
	h := newHarness(t, func(r *duops.Registry) {
		duops.Register(r, double, func(ctx context.Context, c *duops.Context, n int) (int, error) {
			return n * 2, nil
		})
	})

	id := duops.MustOperationID("one")
	started, err := duops.Start(context.Background(), h.manager, double, id, 21)
	require.NoError(t, err)
	assert.False(t, started.ScheduleID.IsZero())

	op := awaitState(t, h, double, id)
	assert.Equal(t, duops.Finished{Result: "42"}, op.State)
	assert.Equal(t, 42, op.Result)
	assert.Equal(t, started.ScheduleID, op.ScheduleID)
}

func TestSchedulerRepollsWaitingOperation(t *testing.T) {
	deadline := duops.DefineCheckpoint[time.Time]("deadline")
	sleeper := duops.DefineOperation[time.Duration, string]("sleeper")
	var polls atomic.Int32
	h := newHarness(t, func(r *duops.Registry) {
		duops.Register(r, sleeper, func(ctx context.Context, c *duops.Context, d time.Duration) (string, error) {
			polls.Add(1)
			until, err := duops.RunWithCache(ctx, c, deadline, func(context.Context) (time.Time, error) {
				return c.Now().Add(d), nil
			})
			if err != nil {
				return "", err
			}
			if c.Now().Before(until) {
				c.WaitUntil("sleeping", until)
			}
			return "awake", nil
		})
	})

	id := duops.MustOperationID("nap")
	_, err := duops.Start(context.Background(), h.manager, sleeper, id, 30*time.Millisecond)
	require.NoError(t, err)

	op := awaitState(t, h, sleeper, id)
	assert.Equal(t, "awake", op.Result)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestSchedulerRepollsYieldedOperation(t *testing.T) {
	yielder := duops.DefineOperation[int, int]("yielder")
	var polls atomic.Int32
	h := newHarness(t, func(r *duops.Registry) {
		duops.Register(r, yielder, func(ctx context.Context, c *duops.Context, n int) (int, error) {
			if p := polls.Add(1); p < int32(n) {
				c.Yield("not yet")
			}
			return int(polls.Load()), nil
		})
	})

	id := duops.MustOperationID("y")
	_, err := duops.Start(context.Background(), h.manager, yielder, id, 3)
	require.NoError(t, err)

	op := awaitState(t, h, yielder, id)
	assert.Equal(t, 3, op.Result)
}

func TestSchedulerHonoursRetryPolicy(t *testing.T) {
	policy := duops.AdHocRetryPolicy{
		ShouldRetryFunc: func(_ error, retryCount int) bool { return retryCount < 2 },
		RetryDelayFunc:  func(error, int) time.Duration { return 5 * time.Millisecond },
	}
	flaky := duops.DefineOperation[string, string]("flaky", duops.WithRetryPolicy(policy))
	doomed := duops.DefineOperation[string, string]("doomed", duops.WithRetryPolicy(policy))
	var flakyPolls, doomedPolls atomic.Int32
	h := newHarness(t, func(r *duops.Registry) {
		duops.Register(r, flaky, func(ctx context.Context, c *duops.Context, s string) (string, error) {
			if flakyPolls.Add(1) < 3 {
				return "", errors.New("transient")
			}
			return s, nil
		})
		duops.Register(r, doomed, func(ctx context.Context, c *duops.Context, s string) (string, error) {
			doomedPolls.Add(1)
			return "", errors.New("always broken")
		})
	})

	ctx := context.Background()
	_, err := duops.Start(ctx, h.manager, flaky, duops.MustOperationID("f"), "ok")
	require.NoError(t, err)
	_, err = duops.Start(ctx, h.manager, doomed, duops.MustOperationID("d"), "ko")
	require.NoError(t, err)

	op := awaitState(t, h, flaky, duops.MustOperationID("f"))
	assert.Equal(t, "ok", op.Result)
	assert.Equal(t, int32(3), flakyPolls.Load())

	failed := awaitState(t, h, doomed, duops.MustOperationID("d"))
	assert.Equal(t, duops.Failed{Reason: "always broken"}, failed.State)
	assert.Equal(t, int32(3), doomedPolls.Load())
}

func TestSchedulerDropsSupersededDelivery(t *testing.T) {
	counted := duops.DefineOperation[int, int]("counted")
	var polls atomic.Int32
	h := newHarness(t, func(r *duops.Registry) {
		duops.Register(r, counted, func(ctx context.Context, c *duops.Context, n int) (int, error) {
			polls.Add(1)
			return n, nil
		})
	})

	ctx := context.Background()
	id := duops.MustOperationID("owned")
	args, err := counted.SerializeArgs(1)
	require.NoError(t, err)
	_, err = h.store.GetOrAdd(ctx, duops.NewOperationRecord(counted.Discriminator(), id, args, time.Now()))
	require.NoError(t, err)
	_, err = h.store.GetOrSetScheduleID(ctx, counted.Discriminator(), id, duops.MustScheduleID("someone-else"))
	require.NoError(t, err)

	sid, err := h.scheduler.Schedule(ctx, counted.Discriminator(), id)
	require.NoError(t, err)
	assert.NotEqual(t, "someone-else", sid.String())

	require.Eventually(t, func() bool { return h.scheduler.Pending() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, polls.Load())

	rec, err := h.store.GetByID(ctx, counted.Discriminator(), id)
	require.NoError(t, err)
	assert.Equal(t, duops.Created{}, rec.State)
}

func TestSchedulerDropsUnregisteredOperation(t *testing.T) {
	h := newHarness(t, func(*duops.Registry) {})
	unknown := duops.DefineOperation[int, int]("unknown")

	id := duops.MustOperationID("lost")
	_, err := duops.Start(context.Background(), h.manager, unknown, id, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.scheduler.Pending() == 0 }, time.Second, 5*time.Millisecond)
	op, err := duops.Get(context.Background(), h.store, unknown, id)
	require.NoError(t, err)
	assert.Equal(t, duops.Created{}, op.State)
}

func TestSchedulerStop(t *testing.T) {
	s := inprocess.New(duops.NewRegistry(), duops.NewPoller(memory.New()), inprocess.Config{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSchedulerStopWithoutRun(t *testing.T) {
	s := inprocess.New(duops.NewRegistry(), duops.NewPoller(memory.New()), inprocess.Config{})

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Run")
	}

	// Run after Stop returns at once, and only once.
	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), inprocess.ErrAlreadyRunning)
}

func TestScheduleRejectsCancelledContext(t *testing.T) {
	s := inprocess.New(duops.NewRegistry(), duops.NewPoller(memory.New()), inprocess.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Schedule(ctx, duops.MustOperationDiscriminator("x"), duops.MustOperationID("y"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.Pending())
}
