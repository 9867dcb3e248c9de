package duops_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/store/memory"
)

var noWait = duops.HandleWait{Interval: time.Millisecond, Timeout: 0}

type deliveryHarness struct {
	store    *memory.Store
	registry *duops.Registry
	poller   *duops.Poller
	now      time.Time
	calls    int
}

func newDeliveryHarness(t *testing.T, behaviour func(c *duops.Context) (int, error)) *deliveryHarness {
	t.Helper()
	h := &deliveryHarness{store: memory.New(), registry: duops.NewRegistry(), now: time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)}
	h.poller = duops.NewPoller(h.store, duops.WithClock(func() time.Time { return h.now }))
	duops.Register(h.registry, duops.DefineOperation[int, int]("Job"), func(_ context.Context, c *duops.Context, _ int) (int, error) {
		h.calls++
		return behaviour(c)
	})
	return h
}

func (h *deliveryHarness) add(t *testing.T, id string, handle string) duops.Delivery {
	t.Helper()
	ctx := context.Background()
	d := duops.Delivery{
		Discriminator: duops.MustOperationDiscriminator("Job"),
		ID:            duops.MustOperationID(id),
		ScheduleID:    duops.MustScheduleID(handle),
	}
	_, err := h.store.GetOrAdd(ctx, duops.NewOperationRecord(d.Discriminator, d.ID, `1`, h.now))
	require.NoError(t, err)
	_, err = h.store.GetOrSetScheduleID(ctx, d.Discriminator, d.ID, d.ScheduleID)
	require.NoError(t, err)
	return d
}

func (h *deliveryHarness) deliver(t *testing.T, d duops.Delivery) duops.DeliveryResult {
	t.Helper()
	res, err := duops.Deliver(context.Background(), h.registry, h.poller, d, noWait, h.now)
	require.NoError(t, err)
	return res
}

func TestDeliverReschedulesSuspendedOperations(t *testing.T) {
	h := newDeliveryHarness(t, func(c *duops.Context) (int, error) {
		c.Wait("timer", time.Minute)
		return 0, nil
	})
	d := h.add(t, "op-1", "handle-1")

	res := h.deliver(t, d)
	assert.False(t, res.Drop)
	assert.Equal(t, h.now.Add(time.Minute), res.NextPoll)
	assert.Equal(t, duops.Waiting{Until: h.now.Add(time.Minute)}, res.State)
}

func TestDeliverDropsFinishedOperations(t *testing.T) {
	h := newDeliveryHarness(t, func(*duops.Context) (int, error) { return 1, nil })
	d := h.add(t, "op-1", "handle-1")

	res := h.deliver(t, d)
	assert.True(t, res.Drop)
	assert.Equal(t, duops.Finished{Result: "1"}, res.State)

	// A duplicate delivery does not poll again.
	res = h.deliver(t, d)
	assert.True(t, res.Drop)
	assert.Equal(t, "operation already finished", res.Reason)
	assert.Equal(t, 1, h.calls)
}

func TestDeliverDropsSupersededHandle(t *testing.T) {
	h := newDeliveryHarness(t, func(*duops.Context) (int, error) { return 1, nil })
	d := h.add(t, "op-1", "handle-1")
	d.ScheduleID = duops.MustScheduleID("stale")

	res := h.deliver(t, d)
	assert.True(t, res.Drop)
	assert.Contains(t, res.Reason, "superseded by handle-1")
	assert.Zero(t, h.calls)
}

func TestDeliverDropsMissingOperation(t *testing.T) {
	h := newDeliveryHarness(t, func(*duops.Context) (int, error) { return 1, nil })
	res := h.deliver(t, duops.Delivery{
		Discriminator: duops.MustOperationDiscriminator("Job"),
		ID:            duops.MustOperationID("ghost"),
		ScheduleID:    duops.MustScheduleID("handle-1"),
	})
	assert.True(t, res.Drop)
	assert.Equal(t, "operation not found", res.Reason)
}

func TestDeliverDropsUnregisteredOperation(t *testing.T) {
	h := newDeliveryHarness(t, func(*duops.Context) (int, error) { return 1, nil })
	ctx := context.Background()
	d := duops.Delivery{
		Discriminator: duops.MustOperationDiscriminator("Retired"),
		ID:            duops.MustOperationID("op-1"),
		ScheduleID:    duops.MustScheduleID("handle-1"),
	}
	_, err := h.store.GetOrAdd(ctx, duops.NewOperationRecord(d.Discriminator, d.ID, `1`, h.now))
	require.NoError(t, err)
	_, err = h.store.GetOrSetScheduleID(ctx, d.Discriminator, d.ID, d.ScheduleID)
	require.NoError(t, err)

	res := h.deliver(t, d)
	assert.True(t, res.Drop)
	assert.Contains(t, res.Reason, "not properly registered")
}

func TestDeliverReturnsEngineErrors(t *testing.T) {
	h := newDeliveryHarness(t, func(*duops.Context) (int, error) {
		return 0, &duops.StorageError{Op: "add checkpoint", Err: errors.New("connection reset")}
	})
	d := h.add(t, "op-1", "handle-1")

	_, err := duops.Deliver(context.Background(), h.registry, h.poller, d, noWait, h.now)
	assert.ErrorIs(t, err, duops.ErrStorage)
}

func TestDeliverWaitsForScheduleHandle(t *testing.T) {
	h := newDeliveryHarness(t, func(*duops.Context) (int, error) { return 1, nil })
	ctx := context.Background()
	disc := duops.MustOperationDiscriminator("Job")
	id := duops.MustOperationID("op-1")
	_, err := h.store.GetOrAdd(ctx, duops.NewOperationRecord(disc, id, `1`, h.now))
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = h.store.GetOrSetScheduleID(ctx, disc, id, duops.MustScheduleID("late"))
	}()

	res, err := duops.Deliver(ctx, h.registry, h.poller, duops.Delivery{Discriminator: disc, ID: id, ScheduleID: duops.MustScheduleID("late")},
		duops.HandleWait{Interval: time.Millisecond, Timeout: time.Second}, h.now)
	require.NoError(t, err)
	assert.Equal(t, duops.Finished{Result: "1"}, res.State)
}

func TestNextPoll(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	tests := []struct {
		name  string
		state duops.OperationState
		want  time.Time
		ok    bool
	}{
		{"created", duops.Created{}, now, true},
		{"yielded", duops.Yielded{}, now, true},
		{"waiting", duops.Waiting{Until: later}, later, true},
		{"retrying", duops.Retrying{At: later, RetryCount: 2}, later, true},
		{"finished", duops.Finished{Result: "1"}, time.Time{}, false},
		{"failed", duops.Failed{Reason: "x"}, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := duops.NextPoll(tt.state, now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeliverClaimsHandleNotYetPersisted(t *testing.T) {
	h := newDeliveryHarness(t, func(*duops.Context) (int, error) { return 1, nil })
	ctx := context.Background()
	disc := duops.MustOperationDiscriminator("Job")
	id := duops.MustOperationID("op-1")
	_, err := h.store.GetOrAdd(ctx, duops.NewOperationRecord(disc, id, `1`, h.now))
	require.NoError(t, err)

	// The starter is slower than the handle wait.
	res := h.deliver(t, duops.Delivery{Discriminator: disc, ID: id, ScheduleID: duops.MustScheduleID("mine")})
	assert.Equal(t, duops.Finished{Result: "1"}, res.State)
	assert.Equal(t, 1, h.calls)

	rec, err := h.store.GetByID(ctx, disc, id)
	require.NoError(t, err)
	assert.Equal(t, "mine", rec.ScheduleID.String())
}

func TestDeliverClaimLosesToConcurrentStarter(t *testing.T) {
	h := newDeliveryHarness(t, func(*duops.Context) (int, error) { return 1, nil })
	ctx := context.Background()
	disc := duops.MustOperationDiscriminator("Job")
	id := duops.MustOperationID("op-1")
	_, err := h.store.GetOrAdd(ctx, duops.NewOperationRecord(disc, id, `1`, h.now))
	require.NoError(t, err)

	// Another starter persists its handle between the read and the claim.
	racing := &handleRacingStore{Store: h.store, winner: duops.MustScheduleID("theirs")}
	poller := duops.NewPoller(racing)
	res, err := duops.Deliver(ctx, h.registry, poller, duops.Delivery{Discriminator: disc, ID: id, ScheduleID: duops.MustScheduleID("mine")}, noWait, h.now)
	require.NoError(t, err)
	assert.True(t, res.Drop)
	assert.Equal(t, "schedule handle superseded by theirs", res.Reason)
	assert.Zero(t, h.calls)
}

type handleRacingStore struct {
	*memory.Store
	winner duops.ScheduleID
}

func (s *handleRacingStore) GetOrSetScheduleID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, sid duops.ScheduleID) (duops.ScheduleID, error) {
	if _, err := s.Store.GetOrSetScheduleID(ctx, disc, id, s.winner); err != nil {
		return duops.ScheduleID{}, err
	}
	return s.Store.GetOrSetScheduleID(ctx, disc, id, sid)
}
