package pgqueue_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/scheduler/pgqueue"
	"github.com/nvcnvn/duops/store/postgres"
	"github.com/nvcnvn/duops/testutil"
)

var greet = duops.DefineOperation[string, string]("greet")

func setup(t *testing.T) (*pgxpool.Pool, postgres.Config) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := testutil.SetupTestDB(t)
	return pool, postgres.Config{Schema: testutil.FreshSchema(t, pool)}
}

func runQueue(t *testing.T, q *pgqueue.Queue) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background()) }()
	t.Cleanup(func() {
		q.Stop()
		require.NoError(t, <-done)
	})
}

func TestQueueRunsOperationsAcrossWorkers(t *testing.T) {
	pool, cfg := setup(t)
	store := postgres.New(pool, cfg)

	var mu sync.Mutex
	polls := map[string]int{}
	registry := duops.NewRegistry()
	duops.Register(registry, greet, func(ctx context.Context, c *duops.Context, name string) (string, error) {
		mu.Lock()
		polls[name]++
		first := polls[name] == 1
		mu.Unlock()
		if first {
			c.Yield("warming up")
		}
		return "hello " + name, nil
	})

	poller := duops.NewPoller(store)
	qcfg := pgqueue.Config{Store: cfg, Concurrency: 3, PollInterval: 20 * time.Millisecond}
	// Two queues on the same table stand in for two worker processes.
	runQueue(t, pgqueue.New(pool, registry, poller, qcfg))
	runQueue(t, pgqueue.New(pool, registry, poller, qcfg))

	starter := pgqueue.New(pool, nil, nil, qcfg)
	manager := duops.NewManager(store, starter)

	ctx := context.Background()
	const n = 10
	for i := 0; i < n; i++ {
		_, err := duops.Start(ctx, manager, greet, duops.MustOperationID(fmt.Sprintf("op-%d", i)), fmt.Sprintf("n%d", i))
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		id := duops.MustOperationID(fmt.Sprintf("op-%d", i))
		require.Eventually(t, func() bool {
			op, err := duops.Get(ctx, store, greet, id)
			return err == nil && op != nil && op.State.IsTerminal()
		}, 10*time.Second, 20*time.Millisecond)

		op, err := duops.Get(ctx, store, greet, id)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("hello n%d", i), op.Result)
	}

	require.Eventually(t, func() bool {
		pending, err := starter.Pending(ctx)
		return err == nil && pending == 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for name, count := range polls {
		assert.Equal(t, 2, count, "operation %s", name)
	}
}

func TestQueueNotifyWakesWorker(t *testing.T) {
	pool, cfg := setup(t)
	store := postgres.New(pool, cfg)

	registry := duops.NewRegistry()
	duops.Register(registry, greet, func(ctx context.Context, c *duops.Context, name string) (string, error) {
		return "hi " + name, nil
	})

	// The poll interval is far longer than the test deadline; only NOTIFY can
	// get the delivery picked up in time.
	qcfg := pgqueue.Config{Store: cfg, Concurrency: 1, PollInterval: time.Minute}
	q := pgqueue.New(pool, registry, duops.NewPoller(store), qcfg)
	runQueue(t, q)

	// Give the listener time to issue LISTEN, and let the first tick pass.
	time.Sleep(200 * time.Millisecond)

	ctx := context.Background()
	id := duops.MustOperationID("wake")
	_, err := duops.Start(ctx, duops.NewManager(store, q), greet, id, "there")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op, err := duops.Get(ctx, store, greet, id)
		return err == nil && op != nil && op.State.IsTerminal()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestQueueDropsDeliveryOfMissingOperation(t *testing.T) {
	pool, cfg := setup(t)
	store := postgres.New(pool, cfg)

	var polls atomic.Int32
	registry := duops.NewRegistry()
	duops.Register(registry, greet, func(ctx context.Context, c *duops.Context, name string) (string, error) {
		polls.Add(1)
		return name, nil
	})
	q := pgqueue.New(pool, registry, duops.NewPoller(store), pgqueue.Config{Store: cfg, PollInterval: 10 * time.Millisecond})

	// A delivery for an operation that was never persisted is dropped.
	ctx := context.Background()
	_, err := q.Schedule(ctx, greet.Discriminator(), duops.MustOperationID("ghost"))
	require.NoError(t, err)

	runQueue(t, q)
	require.Eventually(t, func() bool {
		pending, err := q.Pending(ctx)
		return err == nil && pending == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, polls.Load())
}
