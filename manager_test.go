package duops_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/store/memory"
)

// recordingScheduler hands out sequential handles and remembers every call.
type recordingScheduler struct {
	mu    sync.Mutex
	calls []duops.OperationKey
	err   error
}

func (s *recordingScheduler) Schedule(_ context.Context, disc duops.OperationDiscriminator, id duops.OperationID) (duops.ScheduleID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return duops.ScheduleID{}, s.err
	}
	s.calls = append(s.calls, duops.OperationKey{Discriminator: disc, ID: id})
	return duops.MustScheduleID(fmt.Sprintf("handle-%d", len(s.calls))), nil
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type greeting struct {
	Name string `json:"name"`
}

var greet = duops.DefineOperation[greeting, string]("Greet")

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sched := &recordingScheduler{}
	startedAt := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	m := duops.NewManager(store, sched, duops.WithClock(func() time.Time { return startedAt }))
	id := duops.MustOperationID("op-1")

	first, err := duops.Start(ctx, m, greet, id, greeting{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada", first.Args.Name)
	assert.Equal(t, duops.Created{}, first.State)
	assert.Equal(t, "handle-1", first.ScheduleID.String())
	assert.True(t, first.StartedAt.Equal(startedAt))

	second, err := duops.Start(ctx, m, greet, id, greeting{Name: "grace"})
	require.NoError(t, err)
	assert.Equal(t, "ada", second.Args.Name, "later args are discarded")
	assert.Equal(t, first.ScheduleID, second.ScheduleID)
	assert.Equal(t, 1, sched.count(), "an already scheduled operation is not scheduled again")
	assert.Equal(t, 1, store.Len())
}

func TestStartKeepsFirstScheduleHandle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sched := &recordingScheduler{}
	m := duops.NewManager(store, sched)
	id := duops.MustOperationID("op-1")

	// A concurrent starter already stored its handle.
	_, err := store.GetOrAdd(ctx, duops.NewOperationRecord(greet.Discriminator(), id, `{"name":"ada"}`, time.Now()))
	require.NoError(t, err)
	_, err = store.GetOrSetScheduleID(ctx, greet.Discriminator(), id, duops.MustScheduleID("winner"))
	require.NoError(t, err)

	op, err := duops.Start(ctx, m, greet, id, greeting{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, "winner", op.ScheduleID.String())
	assert.Zero(t, sched.count())
}

func TestStartConcurrently(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sched := &recordingScheduler{}
	m := duops.NewManager(store, sched)
	id := duops.MustOperationID("op-1")

	const starters = 8
	handles := make([]duops.ScheduleID, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op, err := duops.Start(ctx, m, greet, id, greeting{Name: fmt.Sprint(i)})
			if assert.NoError(t, err) {
				handles[i] = op.ScheduleID
			}
		}(i)
	}
	wg.Wait()

	rec, err := store.GetByID(ctx, greet.Discriminator(), id)
	require.NoError(t, err)
	for _, h := range handles {
		assert.Equal(t, rec.ScheduleID, h)
	}
}

func TestStartPropagatesSchedulerError(t *testing.T) {
	boom := errors.New("scheduler down")
	m := duops.NewManager(memory.New(), &recordingScheduler{err: boom})
	_, err := duops.Start(context.Background(), m, greet, duops.MustOperationID("op-1"), greeting{})
	assert.ErrorIs(t, err, boom)
}

func TestGetAndDelete(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := duops.NewManager(store, &recordingScheduler{})
	id := duops.MustOperationID("op-1")

	op, err := duops.Get(ctx, store, greet, id)
	require.NoError(t, err)
	assert.Nil(t, op)

	_, err = duops.Start(ctx, m, greet, id, greeting{Name: "ada"})
	require.NoError(t, err)
	_, err = store.SetState(ctx, greet.Discriminator(), id, duops.Finished{Result: `"hello ada"`})
	require.NoError(t, err)

	op, err = duops.Get(ctx, store, greet, id)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, "hello ada", op.Result)
	assert.Equal(t, "Greet(op-1)", op.Key().String())

	require.NoError(t, m.Delete(ctx, greet.Discriminator(), id))
	require.NoError(t, m.Delete(ctx, greet.Discriminator(), id))
	op, err = duops.Get(ctx, store, greet, id)
	require.NoError(t, err)
	assert.Nil(t, op)
}
