package duops_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/store/memory"
)

func shout(_ context.Context, _ *duops.Context, in greeting) (string, error) {
	return strings.ToUpper(in.Name), nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := duops.NewRegistry()
	duops.Register(r, greet, shout)
	assert.Panics(t, func() { duops.Register(r, greet, shout) })
}

func TestRegistryDiscriminatorsAreSorted(t *testing.T) {
	r := duops.NewRegistry()
	duops.Register(r, duops.DefineOperation[int, int]("Zeta"), func(context.Context, *duops.Context, int) (int, error) { return 0, nil })
	duops.Register(r, greet, shout)
	duops.Register(r, duops.DefineOperation[int, int]("Alpha"), func(context.Context, *duops.Context, int) (int, error) { return 0, nil })

	var names []string
	for _, d := range r.Discriminators() {
		names = append(names, d.String())
	}
	assert.Equal(t, []string{"Alpha", "Greet", "Zeta"}, names)
}

func TestRegistryPollByDiscriminator(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r := duops.NewRegistry()
	duops.Register(r, greet, shout)
	p := duops.NewPoller(store)
	id := duops.MustOperationID("op-1")

	_, err := r.Poll(ctx, p, duops.MustOperationDiscriminator("Unknown"), id)
	assert.ErrorIs(t, err, duops.ErrConfiguration)

	_, err = store.GetOrAdd(ctx, duops.NewOperationRecord(greet.Discriminator(), id, `{"name":"ada"}`, time.Now()))
	require.NoError(t, err)
	state, err := r.Poll(ctx, p, greet.Discriminator(), id)
	require.NoError(t, err)
	assert.Equal(t, duops.Finished{Result: `"ADA"`}, state)
}

func TestRegistryDescribe(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r := duops.NewRegistry()
	duops.Register(r, greet, shout)
	id := duops.MustOperationID("op-1")

	view, err := r.Describe(ctx, store, greet.Discriminator(), id)
	require.NoError(t, err)
	assert.Nil(t, view)

	_, err = store.GetOrAdd(ctx, duops.NewOperationRecord(greet.Discriminator(), id, `{"name":"ada"}`, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.NoError(t, store.AddCheckpoint(ctx, greet.Discriminator(), id, duops.CheckpointRecord{
		Discriminator: duops.MustCheckpointDiscriminator("note"), Value: `"hi"`,
	}))

	view, err = r.Describe(ctx, store, greet.Discriminator(), id)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "Greet(op-1)", view.Operation.String())
	assert.Equal(t, "2024-01-01T00:00:00.000Z", view.StartedAt)
	assert.Equal(t, "{Name:ada}", view.Args)
	assert.Empty(t, view.Result)
	assert.Len(t, view.Checkpoints, 1)

	_, err = r.Poll(ctx, duops.NewPoller(store), greet.Discriminator(), id)
	require.NoError(t, err)
	view, err = r.Describe(ctx, store, greet.Discriminator(), id)
	require.NoError(t, err)
	assert.Equal(t, "ADA", view.Result)
	assert.Equal(t, duops.Finished{Result: `"ADA"`}, view.State)
}
