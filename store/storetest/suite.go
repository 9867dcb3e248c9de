// Package storetest holds the behaviour every duops.Store implementation must
// show. Store packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvcnvn/duops"
)

// Factory returns a ready store. It may return the same backing database for
// every call; the suite uses fresh operation ids in each test.
type Factory func(t *testing.T) duops.Store

var (
	testOperation = duops.MustOperationDiscriminator("storetest_operation")
	firstStep     = duops.MustCheckpointDiscriminator("first_step")
	perItem       = duops.MustCheckpointDiscriminator("per_item")
)

func newID(t *testing.T) duops.OperationID {
	t.Helper()
	id, err := duops.NewOperationID(uuid.NewString())
	require.NoError(t, err)
	return id
}

func addOperation(t *testing.T, s duops.Store, args string) duops.OperationRecord {
	t.Helper()
	rec := duops.NewOperationRecord(testOperation, newID(t), duops.SerializedArgs(args), time.Now())
	stored, err := s.GetOrAdd(context.Background(), rec)
	require.NoError(t, err)
	return stored
}

func singleton(disc duops.CheckpointDiscriminator, value string) duops.CheckpointRecord {
	return duops.CheckpointRecord{Discriminator: disc, Value: duops.SerializedCheckpointValue(value)}
}

func keyed(disc duops.CheckpointDiscriminator, key, value string) duops.CheckpointRecord {
	return duops.CheckpointRecord{
		Discriminator: disc,
		Keyed:         true,
		Key:           duops.SerializedCheckpointKey(key),
		Value:         duops.SerializedCheckpointValue(value),
	}
}

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetByIDMissing", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.GetByID(context.Background(), testOperation, newID(t))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("GetOrAddRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		startedAt := time.Date(2024, 3, 1, 12, 30, 15, 123_000_000, time.UTC)
		rec := duops.NewOperationRecord(testOperation, newID(t), `{"n":1}`, startedAt)

		stored, err := s.GetOrAdd(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, stored.ID)
		assert.Equal(t, duops.SerializedArgs(`{"n":1}`), stored.Args)
		assert.Equal(t, duops.Created{}, stored.State)
		assert.True(t, stored.ScheduleID.IsZero())

		loaded, err := s.GetByID(ctx, testOperation, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, startedAt.UnixMilli(), loaded.StartedAt.UnixMilli())
		assert.Equal(t, 0, loaded.Checkpoints.Len())
	})

	t.Run("GetOrAddShardedID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := duops.NewShardedOperationID("tenant_7", uuid.NewString())
		require.NoError(t, err)

		_, err = s.GetOrAdd(ctx, duops.NewOperationRecord(testOperation, id, `{}`, time.Now()))
		require.NoError(t, err)

		loaded, err := s.GetByID(ctx, testOperation, id)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, id, loaded.ID)
		assert.Equal(t, "tenant_7", loaded.ID.ShardKey())
	})

	t.Run("GetOrAddFirstWriterWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newID(t)

		first, err := s.GetOrAdd(ctx, duops.NewOperationRecord(testOperation, id, `"first"`, time.Now()))
		require.NoError(t, err)
		second, err := s.GetOrAdd(ctx, duops.NewOperationRecord(testOperation, id, `"second"`, time.Now()))
		require.NoError(t, err)

		assert.Equal(t, duops.SerializedArgs(`"first"`), first.Args)
		assert.Equal(t, duops.SerializedArgs(`"first"`), second.Args)
	})

	t.Run("GetOrAddConcurrent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newID(t)

		const writers = 8
		results := make([]duops.SerializedArgs, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec, err := s.GetOrAdd(ctx, duops.NewOperationRecord(testOperation, id, duops.SerializedArgs(fmt.Sprintf(`%d`, i)), time.Now()))
				if assert.NoError(t, err) {
					results[i] = rec.Args
				}
			}(i)
		}
		wg.Wait()

		loaded, err := s.GetByID(ctx, testOperation, id)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		for _, got := range results {
			assert.Equal(t, loaded.Args, got)
		}
	})

	t.Run("AddCheckpointIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)

		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(firstStep, "42")))
		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(firstStep, "42")))

		loaded, err := s.GetByID(ctx, testOperation, rec.ID)
		require.NoError(t, err)
		require.Equal(t, 1, loaded.Checkpoints.Len())
		v, ok, err := loaded.Checkpoints.Get(firstStep, false, "")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, duops.SerializedCheckpointValue("42"), v)
	})

	t.Run("AddCheckpointConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)

		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(firstStep, "42")))
		err := s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(firstStep, "43"))
		require.ErrorIs(t, err, duops.ErrCheckpointConflict)

		loaded, err := s.GetByID(ctx, testOperation, rec.ID)
		require.NoError(t, err)
		v, _, err := loaded.Checkpoints.Get(firstStep, false, "")
		require.NoError(t, err)
		assert.Equal(t, duops.SerializedCheckpointValue("42"), v)
	})

	t.Run("AddKeyedCheckpoints", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)

		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, keyed(perItem, "a", "1")))
		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, keyed(perItem, "b", "2")))
		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, keyed(perItem, "a", "1")))
		err := s.AddCheckpoint(ctx, testOperation, rec.ID, keyed(perItem, "b", "3"))
		require.ErrorIs(t, err, duops.ErrCheckpointConflict)

		loaded, err := s.GetByID(ctx, testOperation, rec.ID)
		require.NoError(t, err)
		records, err := loaded.Checkpoints.Keyed(perItem)
		require.NoError(t, err)
		assert.Equal(t, []duops.CheckpointRecord{keyed(perItem, "a", "1"), keyed(perItem, "b", "2")}, records)
	})

	t.Run("AddCheckpointKindMismatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)

		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(firstStep, "42")))
		err := s.AddCheckpoint(ctx, testOperation, rec.ID, keyed(firstStep, "a", "42"))
		require.ErrorIs(t, err, duops.ErrCheckpointConflict)

		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, keyed(perItem, "a", "1")))
		err = s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(perItem, "1"))
		require.ErrorIs(t, err, duops.ErrCheckpointConflict)
	})

	t.Run("AddCheckpointAfterFinish", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)

		_, err := s.SetState(ctx, testOperation, rec.ID, duops.Finished{Result: `"done"`})
		require.NoError(t, err)

		err = s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(firstStep, "42"))
		require.ErrorIs(t, err, duops.ErrOperationFinished)
	})

	t.Run("AddCheckpointMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.AddCheckpoint(context.Background(), testOperation, newID(t), singleton(firstStep, "42"))
		require.ErrorIs(t, err, duops.ErrNotFound)
	})

	t.Run("SetStateTransitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)
		until := time.Now().Add(time.Minute).UTC()

		for _, state := range []duops.OperationState{
			duops.Yielded{},
			duops.Waiting{Until: until},
			duops.Retrying{At: until, RetryCount: 2},
			duops.Yielded{},
		} {
			stored, err := s.SetState(ctx, testOperation, rec.ID, state)
			require.NoError(t, err)
			assert.True(t, duops.SameState(state, stored), "wrote %s, got %s", state, stored)

			loaded, err := s.GetByID(ctx, testOperation, rec.ID)
			require.NoError(t, err)
			assert.True(t, duops.SameState(state, loaded.State), "wrote %s, loaded %s", state, loaded.State)
		}
	})

	t.Run("SetStateTerminalIsAbsorbing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)
		finished := duops.Finished{Result: `"done"`}

		stored, err := s.SetState(ctx, testOperation, rec.ID, finished)
		require.NoError(t, err)
		assert.Equal(t, finished, stored)

		for _, state := range []duops.OperationState{
			duops.Waiting{Until: time.Now().Add(time.Second)},
			duops.Retrying{At: time.Now(), RetryCount: 1},
			duops.Yielded{},
			duops.Failed{Reason: "late"},
			duops.Finished{Result: `"other"`},
		} {
			stored, err := s.SetState(ctx, testOperation, rec.ID, state)
			require.NoError(t, err)
			assert.Equal(t, finished, stored)
		}
	})

	t.Run("SetStateFailedIsAbsorbing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)

		_, err := s.SetState(ctx, testOperation, rec.ID, duops.Failed{Reason: "boom"})
		require.NoError(t, err)
		stored, err := s.SetState(ctx, testOperation, rec.ID, duops.Finished{Result: `"done"`})
		require.NoError(t, err)
		assert.Equal(t, duops.Failed{Reason: "boom"}, stored)
	})

	t.Run("SetStateCreatedRejected", func(t *testing.T) {
		s := newStore(t)
		rec := addOperation(t, s, `{}`)
		_, err := s.SetState(context.Background(), testOperation, rec.ID, duops.Created{})
		require.ErrorIs(t, err, duops.ErrConfiguration)
	})

	t.Run("SetStateMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SetState(context.Background(), testOperation, newID(t), duops.Yielded{})
		require.ErrorIs(t, err, duops.ErrNotFound)
	})

	t.Run("GetOrSetScheduleIDFirstWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)
		first, second := duops.MustScheduleID("schedule-1"), duops.MustScheduleID("schedule-2")

		got, err := s.GetOrSetScheduleID(ctx, testOperation, rec.ID, first)
		require.NoError(t, err)
		assert.Equal(t, first, got)

		got, err = s.GetOrSetScheduleID(ctx, testOperation, rec.ID, second)
		require.NoError(t, err)
		assert.Equal(t, first, got)

		loaded, err := s.GetByID(ctx, testOperation, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, first, loaded.ScheduleID)
	})

	t.Run("GetOrSetScheduleIDTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)
		_, err := s.SetState(ctx, testOperation, rec.ID, duops.Failed{Reason: "boom"})
		require.NoError(t, err)

		_, err = s.GetOrSetScheduleID(ctx, testOperation, rec.ID, duops.MustScheduleID("schedule-1"))
		require.ErrorIs(t, err, duops.ErrOperationFinished)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)
		require.NoError(t, s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(firstStep, "42")))

		require.NoError(t, s.Delete(ctx, testOperation, rec.ID))
		require.NoError(t, s.Delete(ctx, testOperation, rec.ID))

		loaded, err := s.GetByID(ctx, testOperation, rec.ID)
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("ConcurrentCheckpointWriters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := addOperation(t, s, `{}`)

		const writers = 8
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.AddCheckpoint(ctx, testOperation, rec.ID, singleton(firstStep, fmt.Sprint(i)))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, duops.ErrCheckpointConflict)
		}
		assert.Equal(t, 1, succeeded)

		loaded, err := s.GetByID(ctx, testOperation, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.Checkpoints.Len())
	})
}
