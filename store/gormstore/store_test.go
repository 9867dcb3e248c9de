package gormstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/store/gormstore"
	"github.com/nvcnvn/duops/store/storetest"
	"github.com/nvcnvn/duops/testutil"
)

func setupSQLite(t *testing.T) *gormstore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "duops.db"))
	store, err := gormstore.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLiteConformance(t *testing.T) {
	store := setupSQLite(t)
	storetest.Run(t, func(t *testing.T) duops.Store { return store })
}

func TestSQLiteKeyedCheckpointsSortedByKey(t *testing.T) {
	store := setupSQLite(t)
	ctx := context.Background()
	disc := duops.MustOperationDiscriminator("ordering")
	id := duops.MustOperationID("1")
	perItem := duops.MustCheckpointDiscriminator("per_item")

	_, err := store.GetOrAdd(ctx, duops.NewOperationRecord(disc, id, `{}`, time.Now()))
	require.NoError(t, err)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, store.AddCheckpoint(ctx, disc, id, duops.CheckpointRecord{
			Discriminator: perItem, Keyed: true, Key: duops.SerializedCheckpointKey(k), Value: "1",
		}))
	}

	rec, err := store.GetByID(ctx, disc, id)
	require.NoError(t, err)
	entries, err := rec.Checkpoints.Keyed(perItem)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, duops.SerializedCheckpointKey("a"), entries[0].Key)
	assert.Equal(t, duops.SerializedCheckpointKey("c"), entries[2].Key)
}

func TestPostgresConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store, err := gormstore.OpenPostgres(testutil.DatabaseURL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	storetest.Run(t, func(t *testing.T) duops.Store { return store })
}
